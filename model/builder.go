// Package model provides a fluent API for constructing MIL programs, the dataflow
// graph format consumed by the inference engine.
//
// A delegated partition is lowered into one program: inputs become function
// inputs, interpreter constants become const operations and every lowered
// operator appends one or more operations to the single block of the function.
//
// Example usage:
//
//	b := model.NewBuilder("main")
//	x := b.Input("x", model.Float32, 1, 3)
//	y := b.Input("y", model.Float32, 1, 3)
//	b.Output("z", b.Add(x, y))
//	program := b.Build()
package model

import (
	"fmt"

	"github.com/gomlx/go-coreml/proto/coreml/milspec"
)

// DType represents a data type for tensors.
type DType = milspec.DataType

// Common data type constants.
const (
	Float16 = milspec.DataType_FLOAT16
	Float32 = milspec.DataType_FLOAT32
	Float64 = milspec.DataType_FLOAT64
	Int8    = milspec.DataType_INT8
	UInt8   = milspec.DataType_UINT8
	Int16   = milspec.DataType_INT16
	Int32   = milspec.DataType_INT32
	Int64   = milspec.DataType_INT64
	Bool    = milspec.DataType_BOOL
	String  = milspec.DataType_STRING
)

// DTypeSize returns the number of bytes of one element of dtype, or 0 for
// types without a fixed-size encoding.
func DTypeSize(dtype DType) int {
	switch dtype {
	case Int8, UInt8, Bool:
		return 1
	case Float16, Int16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	}
	return 0
}

// FeatureSpec describes one input or output of a program.
type FeatureSpec struct {
	Name  string
	DType DType
	Shape []int64
}

// NumElements returns the number of elements of the feature.
func (f FeatureSpec) NumElements() int64 {
	n := int64(1)
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// ByteSize returns the size in bytes of the feature's dense little-endian buffer.
func (f FeatureSpec) ByteSize() int {
	return int(f.NumElements()) * DTypeSize(f.DType)
}

// Value represents a named value in the MIL graph.
// It can be an input, an operation output, or an inline constant.
type Value struct {
	name     string
	dtype    DType
	shape    []int64
	builder  *Builder
	isConst  bool
	constVal *milspec.Value
}

// Name returns the value's name.
func (v *Value) Name() string {
	return v.name
}

// Shape returns the value's shape.
func (v *Value) Shape() []int64 {
	return v.shape
}

// DType returns the value's data type.
func (v *Value) DType() DType {
	return v.dtype
}

// IsConst returns true if this value is an inline constant.
func (v *Value) IsConst() bool {
	return v.isConst
}

// Builder constructs MIL programs.
type Builder struct {
	name       string
	opset      string
	inputs     []*Value
	outputs    []string
	operations []*milspec.Operation
	values     map[string]*Value
	nextID     int
	err        error // first error encountered during building
}

// Err returns the first error encountered during building, if any.
// Callers should check this after constructing a graph to ensure
// all operations were valid.
func (b *Builder) Err() error {
	return b.err
}

// setErr records the first error encountered.
func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// NewBuilder creates a new MIL program builder.
// The name is used as the function name in the program.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		opset:  "CoreML7",
		values: make(map[string]*Value),
	}
}

// Name returns the function name of the program being built.
func (b *Builder) Name() string {
	return b.name
}

// genName generates a unique name for intermediate values.
func (b *Builder) genName(prefix string) string {
	name := fmt.Sprintf("%s_%d", prefix, b.nextID)
	b.nextID++
	return name
}

// Input adds an input to the program.
func (b *Builder) Input(name string, dtype DType, shape ...int64) *Value {
	if _, dup := b.values[name]; dup {
		b.setErr(fmt.Errorf("duplicate value name %q", name))
	}
	v := &Value{
		name:    name,
		dtype:   dtype,
		shape:   shape,
		builder: b,
	}
	b.inputs = append(b.inputs, v)
	b.values[name] = v
	return v
}

// Output marks a value as an output of the program.
// The output will be named with the given name, which can be different
// from the value's internal name.
func (b *Builder) Output(name string, v *Value) {
	if v == nil {
		b.setErr(fmt.Errorf("output %q: nil value", name))
		return
	}
	if name == v.name && !v.isConst {
		b.outputs = append(b.outputs, name)
		return
	}

	// Rename through an identity operation.
	renamed := b.Identity(name, v)
	b.outputs = append(b.outputs, renamed.name)
}

// Identity creates an identity operation that copies a value with a new name.
func (b *Builder) Identity(name string, x *Value) *Value {
	return b.addOp("identity", map[string]*Value{
		"x": x,
	}, name, x.dtype, x.shape)
}

// Const creates an inline constant tensor value. Inline constants are embedded
// into the arguments of the operations using them and are not operations themselves.
func (b *Builder) Const(name string, dtype DType, shape []int64, data any) *Value {
	val := createValue(dtype, shape, data)
	v := &Value{
		name:     name,
		dtype:    dtype,
		shape:    shape,
		builder:  b,
		isConst:  true,
		constVal: val,
	}
	b.values[name] = v
	return v
}

// Constant adds a const operation holding data and returns its output.
//
// Unlike Const, the result is a named graph node, so the tensor is stored once
// no matter how many operations consume it. data may be []float32, []int32,
// []int64, []bool or, for Float16, Int8 and UInt8, the raw little-endian []byte.
func (b *Builder) Constant(name string, dtype DType, shape []int64, data any) *Value {
	if name == "" {
		name = b.genName("const")
	}
	if _, dup := b.values[name]; dup {
		b.setErr(fmt.Errorf("duplicate value name %q", name))
	}
	op := &milspec.Operation{
		Type: "const",
		Attributes: map[string]*milspec.Value{
			"name": createValue(String, []int64{}, name),
			"val":  createValue(dtype, shape, data),
		},
		Outputs: []*milspec.NamedValueType{{
			Name: name,
			Type: tensorValueType(dtype, shape),
		}},
	}
	b.operations = append(b.operations, op)

	v := &Value{
		name:    name,
		dtype:   dtype,
		shape:   shape,
		builder: b,
	}
	b.values[name] = v
	return v
}

// NumOperations returns the number of operations of the given type added so far,
// or of all operations when opType is empty.
func (b *Builder) NumOperations(opType string) int {
	if opType == "" {
		return len(b.operations)
	}
	n := 0
	for _, op := range b.operations {
		if op.Type == opType {
			n++
		}
	}
	return n
}

func tensorValueType(dtype DType, shape []int64) *milspec.ValueType {
	tensorType := &milspec.TensorType{
		DataType:   dtype,
		Rank:       int64(len(shape)),
		Dimensions: make([]*milspec.Dimension, len(shape)),
	}
	for i, dim := range shape {
		tensorType.Dimensions[i] = &milspec.Dimension{
			Dimension: &milspec.Dimension_Constant{
				Constant: &milspec.Dimension_ConstantDimension{Size: uint64(dim)},
			},
		}
	}
	return &milspec.ValueType{
		Type: &milspec.ValueType_TensorType{TensorType: tensorType},
	}
}

// createValue creates a MIL Value from Go data.
func createValue(dtype DType, shape []int64, data any) *milspec.Value {
	var tensorVal *milspec.TensorValue
	switch d := data.(type) {
	case []float32:
		tensorVal = &milspec.TensorValue{
			Value: &milspec.TensorValue_Floats{
				Floats: &milspec.TensorValue_RepeatedFloats{Values: d},
			},
		}
	case []int32:
		tensorVal = &milspec.TensorValue{
			Value: &milspec.TensorValue_Ints{
				Ints: &milspec.TensorValue_RepeatedInts{Values: d},
			},
		}
	case []int64:
		tensorVal = &milspec.TensorValue{
			Value: &milspec.TensorValue_LongInts{
				LongInts: &milspec.TensorValue_RepeatedLongInts{Values: d},
			},
		}
	case []bool:
		tensorVal = &milspec.TensorValue{
			Value: &milspec.TensorValue_Bools{
				Bools: &milspec.TensorValue_RepeatedBools{Values: d},
			},
		}
	case []byte:
		tensorVal = &milspec.TensorValue{
			Value: &milspec.TensorValue_Bytes{
				Bytes: &milspec.TensorValue_RepeatedBytes{Values: d},
			},
		}
	case string:
		tensorVal = &milspec.TensorValue{
			Value: &milspec.TensorValue_Strings{
				Strings: &milspec.TensorValue_RepeatedStrings{Values: []string{d}},
			},
		}
	}

	return &milspec.Value{
		Type: tensorValueType(dtype, shape),
		Value: &milspec.Value_ImmediateValue_{
			ImmediateValue: &milspec.Value_ImmediateValue{
				Value: &milspec.Value_ImmediateValue_Tensor{Tensor: tensorVal},
			},
		},
	}
}

func (b *Builder) binding(v *Value) *milspec.Argument_Binding {
	if v.isConst {
		return &milspec.Argument_Binding{
			Binding: &milspec.Argument_Binding_Value{Value: v.constVal},
		}
	}
	return &milspec.Argument_Binding{
		Binding: &milspec.Argument_Binding_Name{Name: v.name},
	}
}

// addOpWithListArg adds an operation to the builder with support for list arguments.
// listArgs maps parameter names to slices of Values (for operations like concat).
func (b *Builder) addOpWithListArg(opType string, inputs map[string]*Value, listArgs map[string][]*Value, outputName string, outputDtype DType, outputShape []int64) *Value {
	opInputs := make(map[string]*milspec.Argument, len(inputs)+len(listArgs))
	for name, v := range inputs {
		if v == nil {
			b.setErr(fmt.Errorf("%s: nil input %q", opType, name))
			continue
		}
		opInputs[name] = &milspec.Argument{
			Arguments: []*milspec.Argument_Binding{b.binding(v)},
		}
	}
	for name, values := range listArgs {
		bindings := make([]*milspec.Argument_Binding, 0, len(values))
		for _, v := range values {
			if v == nil {
				b.setErr(fmt.Errorf("%s: nil element in list input %q", opType, name))
				continue
			}
			bindings = append(bindings, b.binding(v))
		}
		opInputs[name] = &milspec.Argument{Arguments: bindings}
	}

	op := &milspec.Operation{
		Type:   opType,
		Inputs: opInputs,
		Outputs: []*milspec.NamedValueType{{
			Name: outputName,
			Type: tensorValueType(outputDtype, outputShape),
		}},
	}
	b.operations = append(b.operations, op)

	v := &Value{
		name:    outputName,
		dtype:   outputDtype,
		shape:   outputShape,
		builder: b,
	}
	b.values[outputName] = v
	return v
}

// addOp adds an operation to the builder and returns the output value.
func (b *Builder) addOp(opType string, inputs map[string]*Value, outputName string, outputDtype DType, outputShape []int64) *Value {
	return b.addOpWithListArg(opType, inputs, nil, outputName, outputDtype, outputShape)
}

// InputSpecs returns the input feature specifications.
func (b *Builder) InputSpecs() []FeatureSpec {
	specs := make([]FeatureSpec, len(b.inputs))
	for i, v := range b.inputs {
		specs[i] = FeatureSpec{
			Name:  v.name,
			DType: v.dtype,
			Shape: v.shape,
		}
	}
	return specs
}

// OutputSpecs returns the output feature specifications.
func (b *Builder) OutputSpecs() []FeatureSpec {
	specs := make([]FeatureSpec, len(b.outputs))
	for i, name := range b.outputs {
		v := b.values[name]
		specs[i] = FeatureSpec{
			Name:  name,
			DType: v.dtype,
			Shape: v.shape,
		}
	}
	return specs
}

// Program is an alias for the MIL Program type.
type Program = milspec.Program

// Build constructs the final MIL Program.
func (b *Builder) Build() *Program {
	inputs := make([]*milspec.NamedValueType, len(b.inputs))
	for i, v := range b.inputs {
		inputs[i] = &milspec.NamedValueType{
			Name: v.name,
			Type: tensorValueType(v.dtype, v.shape),
		}
	}

	block := &milspec.Block{
		Outputs:    b.outputs,
		Operations: b.operations,
	}

	function := &milspec.Function{
		Inputs: inputs,
		Opset:  b.opset,
		BlockSpecializations: map[string]*milspec.Block{
			b.opset: block,
		},
	}

	return &milspec.Program{
		Version: 1,
		Functions: map[string]*milspec.Function{
			b.name: function,
		},
	}
}
