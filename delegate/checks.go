package delegate

import (
	"encoding/binary"
	"slices"

	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// CheckContext is what a visitor predicate may read: the interpreter graph
// and the delegate's capability flags.
type CheckContext struct {
	g     interp.Graph
	flags Flag
}

// Tensor resolves a tensor index.
func (c *CheckContext) Tensor(index int) (*interp.TensorDescriptor, error) {
	return c.g.Tensor(index)
}

// Flags returns the delegate's capability flags.
func (c *CheckContext) Flags() Flag { return c.flags }

// checkEdges checks type and allocation of every graph edge of node: all
// outputs, and every present input not listed in masked.
func (c *CheckContext) checkEdges(node *interp.NodeDescriptor, masked []int) error {
	for pos, index := range node.Inputs {
		if index < 0 || slices.Contains(masked, pos) {
			continue
		}
		if err := c.checkEdge(index); err != nil {
			return errors.WithMessagef(err, "input %d", pos)
		}
	}
	for pos, index := range node.Outputs {
		if index < 0 {
			return errors.Errorf("output %d is absent", pos)
		}
		if err := c.checkEdge(index); err != nil {
			return errors.WithMessagef(err, "output %d", pos)
		}
	}
	return nil
}

func (c *CheckContext) checkEdge(index int) error {
	t, err := c.g.Tensor(index)
	if err != nil {
		return err
	}
	if err := checkNonDynamic(t); err != nil {
		return err
	}
	return checkTensorType(t, c.flags)
}

func checkNumInputsAndOutputs(node *interp.NodeDescriptor, numInputs, numOutputs int) error {
	if numInputs != anyCount && len(node.Inputs) != numInputs {
		return errors.Errorf("expected %d inputs, got %d", numInputs, len(node.Inputs))
	}
	if numOutputs != anyCount && len(node.Outputs) != numOutputs {
		return errors.Errorf("expected %d outputs, got %d", numOutputs, len(node.Outputs))
	}
	return nil
}

// checkTensorType accepts float32, and int8/uint8 with per-tensor affine
// quantization when the matching flag is set.
func checkTensorType(t *interp.TensorDescriptor, flags Flag) error {
	switch t.DType() {
	case dtypes.Float32:
		return nil
	case dtypes.Int8:
		if !flags.Has(FlagQuantizedSigned) {
			return errors.Errorf("%s: int8 needs the %s flag", t, FlagQuantizedSigned)
		}
	case dtypes.Uint8:
		if !flags.Has(FlagQuantizedUnsigned) {
			return errors.Errorf("%s: uint8 needs the %s flag", t, FlagQuantizedUnsigned)
		}
	default:
		return errors.Errorf("%s: unsupported element type %s", t, t.DType())
	}
	q := t.Quantization
	if q == nil || len(q.Scale) != 1 || len(q.ZeroPoint) != 1 || q.QuantizedDimension != 0 {
		return errors.Errorf("%s: only per-tensor affine quantization is supported", t)
	}
	return nil
}

func checkNonDynamic(t *interp.TensorDescriptor) error {
	if t.Allocation == interp.AllocDynamic {
		return errors.Errorf("%s: dynamic tensors are not supported", t)
	}
	return nil
}

func checkActivation(a interp.Activation) error {
	switch a {
	case interp.ActNone, interp.ActRelu, interp.ActReluN1To1, interp.ActRelu6, interp.ActTanh, interp.ActSigmoid:
		return nil
	}
	return errors.Errorf("unsupported fused activation %s", a)
}

// constInts reads a read-only int32 or int64 tensor, typically a masked
// parameter input.
func (c *CheckContext) constInts(index int) ([]int64, error) {
	t, err := c.g.Tensor(index)
	if err != nil {
		return nil, err
	}
	return constInts(t)
}

func constInts(t *interp.TensorDescriptor) ([]int64, error) {
	if !t.IsConstant() {
		return nil, errors.Errorf("%s: parameter must be constant", t)
	}
	n := t.Shape.Size()
	switch t.DType() {
	case dtypes.Int32:
		if len(t.Data) < 4*n {
			return nil, errors.Errorf("%s: holds %d bytes, want %d", t, len(t.Data), 4*n)
		}
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(int32(binary.LittleEndian.Uint32(t.Data[4*i:])))
		}
		return vals, nil
	case dtypes.Int64:
		if len(t.Data) < 8*n {
			return nil, errors.Errorf("%s: holds %d bytes, want %d", t, len(t.Data), 8*n)
		}
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(t.Data[8*i:]))
		}
		return vals, nil
	}
	return nil, errors.Errorf("%s: parameter must be int32 or int64, got %s", t, t.DType())
}

// normalizeAxis maps a possibly negative axis into [0, rank).
func normalizeAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return int(axis), nil
}

// broadcastable reports whether two shapes combine under numpy broadcasting.
func broadcastable(a, b []int) bool {
	for i := 1; i <= len(a) && i <= len(b); i++ {
		da, db := a[len(a)-i], b[len(b)-i]
		if da != db && da != 1 && db != 1 {
			return false
		}
	}
	return true
}
