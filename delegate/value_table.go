package delegate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// valueTable maps interpreter tensor indices to the graph values producing
// them. One table belongs to one build pass.
type valueTable struct {
	g         interp.Graph
	b         *model.Builder
	forceFP16 bool
	values    map[int]*model.Value
}

func newValueTable(g interp.Graph, b *model.Builder, forceFP16 bool) *valueTable {
	return &valueTable{g: g, b: b, forceFP16: forceFP16, values: make(map[int]*model.Value)}
}

func tensorName(index int) string {
	return fmt.Sprintf("tensor_%d", index)
}

// Publish records v as the producer of tensor index.
func (vt *valueTable) Publish(index int, v *model.Value) error {
	if v == nil {
		return errors.Errorf("tensor %d: publishing a nil value", index)
	}
	if _, found := vt.values[index]; found {
		return errors.Wrapf(ErrDoublePublish, "tensor %d", index)
	}
	vt.values[index] = v
	return nil
}

// Published returns the value published for tensor index, if any.
func (vt *valueTable) Published(index int) (*model.Value, bool) {
	v, ok := vt.values[index]
	return v, ok
}

// Value returns the producer of tensor index. A read-only tensor with no
// producer is materialized as a const operation on first use.
func (vt *valueTable) Value(index int) (*model.Value, error) {
	if v, ok := vt.values[index]; ok {
		return v, nil
	}
	t, err := vt.g.Tensor(index)
	if err != nil {
		return nil, err
	}
	if !t.IsConstant() {
		return nil, errors.Wrapf(ErrDanglingEdge, "%s", t)
	}
	v, err := vt.materialize(t)
	if err != nil {
		return nil, err
	}
	vt.values[index] = v
	return v, nil
}

func (vt *valueTable) materialize(t *interp.TensorDescriptor) (*model.Value, error) {
	shape := dims(t)
	n := t.Shape.Size()
	if len(t.Data) != t.ByteLength() {
		return nil, errors.Errorf("%s: holds %d bytes, want %d", t, len(t.Data), t.ByteLength())
	}
	name := tensorName(t.Index)
	switch t.DType() {
	case dtypes.Float32:
		if vt.forceFP16 {
			half := make([]byte, 2*n)
			for i := 0; i < n; i++ {
				f := math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
				binary.LittleEndian.PutUint16(half[2*i:], float16.Fromfloat32(f).Bits())
			}
			return vt.b.Cast(vt.b.Constant(name, model.Float16, shape, half), model.Float32), nil
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return vt.b.Constant(name, model.Float32, shape, vals), nil
	case dtypes.Int8:
		return vt.b.Constant(name, model.Int8, shape, t.Data), nil
	case dtypes.Uint8:
		return vt.b.Constant(name, model.UInt8, shape, t.Data), nil
	case dtypes.Int32:
		vals := make([]int32, n)
		for i := range vals {
			vals[i] = int32(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return vt.b.Constant(name, model.Int32, shape, vals), nil
	}
	return nil, errors.Errorf("%s: cannot materialize %s constants", t, t.DType())
}

func dims(t *interp.TensorDescriptor) []int64 {
	shape := make([]int64, t.Shape.Rank())
	for i, d := range t.Shape.Dimensions {
		shape[i] = int64(d)
	}
	return shape
}

func milDType(dtype dtypes.DType) (model.DType, error) {
	switch dtype {
	case dtypes.Float32:
		return model.Float32, nil
	case dtypes.Float16:
		return model.Float16, nil
	case dtypes.Int8:
		return model.Int8, nil
	case dtypes.Uint8:
		return model.UInt8, nil
	case dtypes.Int32:
		return model.Int32, nil
	}
	return 0, errors.Errorf("no graph element type for %s", dtype)
}

// zeroPoint returns the first zero point of q, 0 when none is given.
func zeroPoint(q *interp.Quantization) int64 {
	if len(q.ZeroPoint) == 0 {
		return 0
	}
	return q.ZeroPoint[0]
}

// BuildContext is what a visitor builder works with: the graph under
// construction and the value table of the current build pass.
type BuildContext struct {
	g      interp.Graph
	b      *model.Builder
	values *valueTable
	floats map[int]*model.Value
}

// Builder returns the graph under construction.
func (bc *BuildContext) Builder() *model.Builder { return bc.b }

// Tensor resolves a tensor index.
func (bc *BuildContext) Tensor(index int) (*interp.TensorDescriptor, error) {
	return bc.g.Tensor(index)
}

// Float returns the float32 value of tensor index, dequantizing quantized
// tensors. The dequantization is shared by every consumer.
func (bc *BuildContext) Float(index int) (*model.Value, error) {
	if v, ok := bc.floats[index]; ok {
		return v, nil
	}
	v, err := bc.values.Value(index)
	if err != nil {
		return nil, err
	}
	t, err := bc.g.Tensor(index)
	if err != nil {
		return nil, err
	}
	if t.IsQuantized() {
		q := t.Quantization
		v = bc.b.Dequantize(v, q.Scale[0], zeroPoint(q))
	}
	bc.floats[index] = v
	return v, nil
}

// Publish records the float32 value v as tensor index, quantizing it first
// when the tensor is quantized.
func (bc *BuildContext) Publish(index int, v *model.Value) error {
	t, err := bc.g.Tensor(index)
	if err != nil {
		return err
	}
	if t.IsQuantized() && v != nil {
		dtype, err := milDType(t.DType())
		if err != nil {
			return err
		}
		q := t.Quantization
		v = bc.b.Quantize(v, q.Scale[0], zeroPoint(q), dtype)
	}
	return bc.values.Publish(index, v)
}
