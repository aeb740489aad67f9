package config

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/x448/float16"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

type graphFile struct {
	Tensors []*tensorBlock `hcl:"tensor,block"`
	Nodes   []*nodeBlock   `hcl:"node,block"`
	Outputs []string       `hcl:"outputs,optional"`
}

type tensorBlock struct {
	Name         string             `hcl:"name,label"`
	DType        string             `hcl:"dtype"`
	Shape        []int              `hcl:"shape"`
	Allocation   string             `hcl:"allocation,optional"`
	Data         []float64          `hcl:"data,optional"`
	Quantization *quantizationBlock `hcl:"quantization,block"`
}

type quantizationBlock struct {
	Scale     []float64 `hcl:"scale"`
	ZeroPoint []int64   `hcl:"zero_point"`
	Axis      int       `hcl:"axis,optional"`
}

type nodeBlock struct {
	Name    string    `hcl:"name,label"`
	Op      string    `hcl:"op"`
	Inputs  []string  `hcl:"inputs"`
	Outputs []string  `hcl:"outputs"`
	Options cty.Value `hcl:"options,optional"`
}

// nodeOptions is the union of every operator option. Absent attributes stay nil.
type nodeOptions struct {
	Activation       *string  `cty:"activation"`
	Axis             *int     `cty:"axis"`
	Padding          *string  `cty:"padding"`
	StrideH          *int     `cty:"stride_h"`
	StrideW          *int     `cty:"stride_w"`
	DilationH        *int     `cty:"dilation_h"`
	DilationW        *int     `cty:"dilation_w"`
	KeepDims         *bool    `cty:"keep_dims"`
	AlignCorners     *bool    `cty:"align_corners"`
	HalfPixelCenters *bool    `cty:"half_pixel_centers"`
	Beta             *float64 `cty:"beta"`
	NumSplits        *int     `cty:"num_splits"`
}

// LoadGraph reads an interpreter graph from the HCL file at path:
//
//	tensor "x" {
//	  dtype = "float32"
//	  shape = [1, 3]
//	}
//	tensor "bias" {
//	  dtype = "float32"
//	  shape = [3]
//	  data  = [0.5, 0.5, 0.5]
//	}
//	tensor "y" {
//	  dtype = "float32"
//	  shape = [1, 3]
//	}
//	node "add" {
//	  op      = "ADD"
//	  inputs  = ["x", "bias"]
//	  outputs = ["y"]
//	  options = { activation = "RELU6" }
//	}
//	outputs = ["y"]
//
// Tensors with data default to read_only allocation, the others to arena.
// An empty input name marks an absent optional input.
func LoadGraph(path string) (*interp.Model, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return ParseGraph(src, path)
}

// ParseGraph decodes an interpreter graph from HCL source.
func ParseGraph(src []byte, filename string) (*interp.Model, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	var root graphFile
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	m := interp.NewModel()
	indices := make(map[string]int, len(root.Tensors))
	for _, tb := range root.Tensors {
		if _, dup := indices[tb.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate tensor %q", filename, tb.Name)
		}
		index, err := addTensor(m, tb)
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %q: %w", filename, tb.Name, err)
		}
		indices[tb.Name] = index
	}

	resolve := func(names []string, optional bool) ([]int, error) {
		out := make([]int, len(names))
		for i, name := range names {
			if name == "" && optional {
				out[i] = -1
				continue
			}
			index, ok := indices[name]
			if !ok {
				return nil, fmt.Errorf("unknown tensor %q", name)
			}
			out[i] = index
		}
		return out, nil
	}

	for _, nb := range root.Nodes {
		op, err := interp.ParseOpKind(nb.Op)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q: %w", filename, nb.Name, err)
		}
		inputs, err := resolve(nb.Inputs, true)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q inputs: %w", filename, nb.Name, err)
		}
		outputs, err := resolve(nb.Outputs, false)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q outputs: %w", filename, nb.Name, err)
		}
		options, err := decodeOptions(op, nb.Options)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q options: %w", filename, nb.Name, err)
		}
		m.AddNode(op, inputs, outputs, options)
	}

	outputs, err := resolve(root.Outputs, false)
	if err != nil {
		return nil, fmt.Errorf("%s: outputs: %w", filename, err)
	}
	m.SetOutputs(outputs...)
	return m, nil
}

var dtypeNames = map[string]dtypes.DType{
	"float16": dtypes.Float16,
	"float32": dtypes.Float32,
	"int8":    dtypes.Int8,
	"uint8":   dtypes.Uint8,
	"int16":   dtypes.Int16,
	"int32":   dtypes.Int32,
	"int64":   dtypes.Int64,
}

func addTensor(m *interp.Model, tb *tensorBlock) (int, error) {
	dtype, ok := dtypeNames[strings.ToLower(tb.DType)]
	if !ok {
		return 0, fmt.Errorf("unsupported dtype %q", tb.DType)
	}
	for _, d := range tb.Shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in %v", tb.Shape)
		}
	}
	shape := shapes.Make(dtype, tb.Shape...)

	alloc := interp.AllocArena
	if tb.Data != nil {
		alloc = interp.AllocReadOnly
	}
	if tb.Allocation != "" {
		var err error
		if alloc, err = interp.ParseAllocation(tb.Allocation); err != nil {
			return 0, err
		}
	}

	var q *interp.Quantization
	if qb := tb.Quantization; qb != nil {
		q = &interp.Quantization{ZeroPoint: qb.ZeroPoint, QuantizedDimension: qb.Axis}
		for _, s := range qb.Scale {
			q.Scale = append(q.Scale, float32(s))
		}
	}

	var data []byte
	if tb.Data != nil {
		if len(tb.Data) != shape.Size() {
			return 0, fmt.Errorf("%d data values for shape %v", len(tb.Data), tb.Shape)
		}
		var err error
		if data, err = encodeData(dtype, tb.Data); err != nil {
			return 0, err
		}
	}
	return m.AddTensor(tb.Name, shape, alloc, q, data), nil
}

// encodeData lays out vals as a little-endian buffer of dtype.
func encodeData(dtype dtypes.DType, vals []float64) ([]byte, error) {
	size := interp.ElementSize(dtype)
	buf := make([]byte, size*len(vals))
	for i, v := range vals {
		switch dtype {
		case dtypes.Float32:
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		case dtypes.Float16:
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(float32(v)).Bits())
		case dtypes.Int8:
			buf[i] = byte(int8(v))
		case dtypes.Uint8:
			buf[i] = uint8(v)
		case dtypes.Int16:
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
		case dtypes.Int32:
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(v)))
		case dtypes.Int64:
			binary.LittleEndian.PutUint64(buf[8*i:], uint64(int64(v)))
		default:
			return nil, fmt.Errorf("cannot encode %s data", dtype)
		}
	}
	return buf, nil
}

func decodeOptions(op interp.OpKind, val cty.Value) (any, error) {
	var o nodeOptions
	if !val.IsNull() {
		if !val.Type().IsObjectType() {
			return nil, fmt.Errorf("must be an object, got %s", val.Type().FriendlyName())
		}
		if err := gocty.FromCtyValue(val, &o); err != nil {
			return nil, err
		}
	}

	activation := interp.ActNone
	if o.Activation != nil {
		var err error
		if activation, err = interp.ParseActivation(*o.Activation); err != nil {
			return nil, err
		}
	}
	padding := interp.PaddingSame
	if o.Padding != nil {
		var err error
		if padding, err = interp.ParsePadding(*o.Padding); err != nil {
			return nil, err
		}
	}

	switch op {
	case interp.OpAdd, interp.OpSub, interp.OpMul, interp.OpDiv:
		return &interp.ElementwiseOptions{Activation: activation}, nil
	case interp.OpConcatenation:
		return &interp.ConcatenationOptions{Axis: intOr(o.Axis, 0), Activation: activation}, nil
	case interp.OpConv2D:
		return &interp.Conv2DOptions{
			Padding:    padding,
			StrideH:    intOr(o.StrideH, 1),
			StrideW:    intOr(o.StrideW, 1),
			DilationH:  intOr(o.DilationH, 1),
			DilationW:  intOr(o.DilationW, 1),
			Activation: activation,
		}, nil
	case interp.OpTransposeConv:
		return &interp.TransposeConvOptions{
			Padding:    padding,
			StrideH:    intOr(o.StrideH, 1),
			StrideW:    intOr(o.StrideW, 1),
			Activation: activation,
		}, nil
	case interp.OpMean:
		return &interp.ReducerOptions{KeepDims: o.KeepDims != nil && *o.KeepDims}, nil
	case interp.OpResizeBilinear:
		return &interp.ResizeBilinearOptions{
			AlignCorners:     o.AlignCorners != nil && *o.AlignCorners,
			HalfPixelCenters: o.HalfPixelCenters != nil && *o.HalfPixelCenters,
		}, nil
	case interp.OpSoftmax:
		beta := float32(1)
		if o.Beta != nil {
			beta = float32(*o.Beta)
		}
		return &interp.SoftmaxOptions{Beta: beta}, nil
	case interp.OpSplit:
		if o.NumSplits == nil {
			return nil, nil
		}
		return &interp.SplitOptions{NumSplits: *o.NumSplits}, nil
	}
	if !val.IsNull() {
		return nil, fmt.Errorf("%s takes no options", op)
	}
	return nil, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
