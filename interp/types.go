// Package interp describes the interpreter side of delegation: the tensors and
// nodes of an interpreter graph, the Graph interface a delegate reads them
// through, and the kernel lifecycle a delegate implements for the partitions
// it takes over.
//
// Model is an in-memory Graph, used to describe graphs in tests and
// configuration files and to run delegated partitions end to end.
package interp

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// OpKind is an interpreter builtin operator code.
type OpKind int32

// Builtin operator codes, numbered as in the interpreter schema.
const (
	OpAdd             OpKind = 0
	OpAveragePool2D   OpKind = 1
	OpConcatenation   OpKind = 2
	OpConv2D          OpKind = 3
	OpDepthwiseConv2D OpKind = 4
	OpFullyConnected  OpKind = 9
	OpLogistic        OpKind = 14
	OpMaxPool2D       OpKind = 17
	OpMul             OpKind = 18
	OpRelu            OpKind = 19
	OpReluN1To1       OpKind = 20
	OpRelu6           OpKind = 21
	OpReshape         OpKind = 22
	OpResizeBilinear  OpKind = 23
	OpSoftmax         OpKind = 25
	OpTanh            OpKind = 28
	OpPad             OpKind = 34
	OpTranspose       OpKind = 39
	OpMean            OpKind = 40
	OpSub             OpKind = 41
	OpDiv             OpKind = 42
	OpSplit           OpKind = 49
	OpMaximum         OpKind = 55
	OpMinimum         OpKind = 57
	OpTransposeConv   OpKind = 67
)

var opNames = map[OpKind]string{
	OpAdd:             "ADD",
	OpAveragePool2D:   "AVERAGE_POOL_2D",
	OpConcatenation:   "CONCATENATION",
	OpConv2D:          "CONV_2D",
	OpDepthwiseConv2D: "DEPTHWISE_CONV_2D",
	OpFullyConnected:  "FULLY_CONNECTED",
	OpLogistic:        "LOGISTIC",
	OpMaxPool2D:       "MAX_POOL_2D",
	OpMul:             "MUL",
	OpRelu:            "RELU",
	OpReluN1To1:       "RELU_N1_TO_1",
	OpRelu6:           "RELU6",
	OpReshape:         "RESHAPE",
	OpResizeBilinear:  "RESIZE_BILINEAR",
	OpSoftmax:         "SOFTMAX",
	OpTanh:            "TANH",
	OpPad:             "PAD",
	OpTranspose:       "TRANSPOSE",
	OpMean:            "MEAN",
	OpSub:             "SUB",
	OpDiv:             "DIV",
	OpSplit:           "SPLIT",
	OpMaximum:         "MAXIMUM",
	OpMinimum:         "MINIMUM",
	OpTransposeConv:   "TRANSPOSE_CONV",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return fmt.Sprintf("BUILTIN_%d", int32(k))
}

// ParseOpKind returns the operator with the given schema name.
func ParseOpKind(name string) (OpKind, error) {
	for k, n := range opNames {
		if n == strings.ToUpper(name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", name)
}

// Activation is a fused activation applied to an operator's output.
type Activation int32

const (
	ActNone      Activation = 0
	ActRelu      Activation = 1
	ActReluN1To1 Activation = 2
	ActRelu6     Activation = 3
	ActTanh      Activation = 4
	ActSignBit   Activation = 5
	ActSigmoid   Activation = 6
)

var activationNames = []string{"NONE", "RELU", "RELU_N1_TO_1", "RELU6", "TANH", "SIGN_BIT", "SIGMOID"}

func (a Activation) String() string {
	if a >= 0 && int(a) < len(activationNames) {
		return activationNames[a]
	}
	return fmt.Sprintf("ACTIVATION_%d", int32(a))
}

// ParseActivation returns the activation with the given schema name.
func ParseActivation(name string) (Activation, error) {
	for i, n := range activationNames {
		if n == strings.ToUpper(name) {
			return Activation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

// Allocation says where a tensor's buffer lives and who may write it.
type Allocation int

const (
	// AllocArena buffers are written by the interpreter at run time.
	AllocArena Allocation = iota
	// AllocReadOnly buffers hold compile-time constants.
	AllocReadOnly
	// AllocDynamic buffers are resized during execution.
	AllocDynamic
)

var allocationNames = []string{"arena", "read_only", "dynamic"}

func (a Allocation) String() string {
	if a >= 0 && int(a) < len(allocationNames) {
		return allocationNames[a]
	}
	return fmt.Sprintf("allocation_%d", int(a))
}

// ParseAllocation returns the allocation with the given name.
func ParseAllocation(name string) (Allocation, error) {
	for i, n := range allocationNames {
		if n == strings.ToLower(name) {
			return Allocation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown allocation %q", name)
}

// Padding is the padding scheme of convolution operators.
type Padding int

const (
	PaddingSame Padding = iota
	PaddingValid
)

func (p Padding) String() string {
	if p == PaddingValid {
		return "VALID"
	}
	return "SAME"
}

// ParsePadding returns the padding with the given schema name.
func ParsePadding(name string) (Padding, error) {
	switch strings.ToUpper(name) {
	case "SAME":
		return PaddingSame, nil
	case "VALID":
		return PaddingValid, nil
	}
	return 0, fmt.Errorf("unknown padding %q", name)
}

// Quantization holds affine quantization parameters: real = (q - ZeroPoint) * Scale.
type Quantization struct {
	Scale              []float32
	ZeroPoint          []int64
	QuantizedDimension int
}

// TensorDescriptor describes one tensor of an interpreter graph.
type TensorDescriptor struct {
	Index        int
	Name         string
	Shape        shapes.Shape
	Allocation   Allocation
	Quantization *Quantization
	// Data is the raw little-endian buffer. For read-only tensors it is the
	// constant payload.
	Data []byte
}

// ElementSize returns the size in bytes of one element of dtype, or 0 for
// types the interpreter does not lay out densely.
func ElementSize(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Int8, dtypes.Uint8, dtypes.Bool:
		return 1
	case dtypes.Int16, dtypes.Uint16, dtypes.Float16:
		return 2
	case dtypes.Int32, dtypes.Uint32, dtypes.Float32:
		return 4
	case dtypes.Int64, dtypes.Uint64, dtypes.Float64:
		return 8
	}
	return 0
}

// DType returns the tensor's element type.
func (t *TensorDescriptor) DType() dtypes.DType {
	return t.Shape.DType
}

// ByteLength returns the size of the tensor's dense buffer.
func (t *TensorDescriptor) ByteLength() int {
	return t.Shape.Size() * ElementSize(t.Shape.DType)
}

// IsConstant reports whether the tensor holds compile-time-constant data.
func (t *TensorDescriptor) IsConstant() bool {
	return t.Allocation == AllocReadOnly
}

// IsQuantized reports whether the tensor carries quantization parameters.
func (t *TensorDescriptor) IsQuantized() bool {
	return t.Quantization != nil && len(t.Quantization.Scale) > 0
}

func (t *TensorDescriptor) String() string {
	return fmt.Sprintf("tensor %d (%s, %s)", t.Index, t.Shape, t.Allocation)
}

// NodeDescriptor describes one operator invocation. Negative tensor indices
// in Inputs denote absent optional inputs.
type NodeDescriptor struct {
	Index   int
	Op      OpKind
	Inputs  []int
	Outputs []int
	// Options is one of the *Options structs of this package, or nil.
	Options any
}

// Input returns the tensor index of input i, or -1 if the node has no such input.
func (n *NodeDescriptor) Input(i int) int {
	if i < 0 || i >= len(n.Inputs) {
		return -1
	}
	return n.Inputs[i]
}

func (n *NodeDescriptor) String() string {
	return fmt.Sprintf("node %d (%s)", n.Index, n.Op)
}

// ElementwiseOptions configures ADD, SUB, MUL and DIV.
type ElementwiseOptions struct {
	Activation Activation
}

// ConcatenationOptions configures CONCATENATION.
type ConcatenationOptions struct {
	Axis       int
	Activation Activation
}

// Conv2DOptions configures CONV_2D.
type Conv2DOptions struct {
	Padding    Padding
	StrideH    int
	StrideW    int
	DilationH  int
	DilationW  int
	Activation Activation
}

// TransposeConvOptions configures TRANSPOSE_CONV.
type TransposeConvOptions struct {
	Padding    Padding
	StrideH    int
	StrideW    int
	Activation Activation
}

// ReducerOptions configures MEAN.
type ReducerOptions struct {
	KeepDims bool
}

// ResizeBilinearOptions configures RESIZE_BILINEAR.
type ResizeBilinearOptions struct {
	AlignCorners     bool
	HalfPixelCenters bool
}

// SoftmaxOptions configures SOFTMAX.
type SoftmaxOptions struct {
	Beta float32
}

// SplitOptions configures SPLIT.
type SplitOptions struct {
	NumSplits int
}
