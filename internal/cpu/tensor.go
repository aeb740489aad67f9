package cpu

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/go-coreml/proto/coreml/milspec"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// tensor is the evaluator's value representation. Every numeric element type
// is held widened to float64; results are narrowed back to the element type
// by round after each operation.
type tensor struct {
	dtype model.DType
	shape []int64
	data  []float64
	strs  []string
}

func newTensor(dtype model.DType, shape []int64) *tensor {
	return &tensor{dtype: dtype, shape: shape, data: make([]float64, numElements(shape))}
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// strides returns the row-major strides of shape.
func strides(shape []int64) []int64 {
	s := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// nextIndex advances a multi-dimensional index in row-major order.
func nextIndex(idx, shape []int64) {
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

// round narrows every element to the precision of the tensor's element type.
func (t *tensor) round() *tensor {
	switch t.dtype {
	case model.Float32:
		for i, v := range t.data {
			t.data[i] = float64(float32(v))
		}
	case model.Float16:
		for i, v := range t.data {
			t.data[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case model.Int8, model.UInt8, model.Int16, model.Int32, model.Int64:
		lo, hi := intRange(t.dtype)
		for i, v := range t.data {
			t.data[i] = math.Max(lo, math.Min(hi, math.Trunc(v)))
		}
	case model.Bool:
		for i, v := range t.data {
			if v != 0 {
				t.data[i] = 1
			}
		}
	}
	return t
}

func intRange(dtype model.DType) (lo, hi float64) {
	switch dtype {
	case model.Int8:
		return math.MinInt8, math.MaxInt8
	case model.UInt8:
		return 0, math.MaxUint8
	case model.Int16:
		return math.MinInt16, math.MaxInt16
	case model.Int32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}

// decodeBuffer reads a dense little-endian buffer of the given type.
func decodeBuffer(dtype model.DType, shape []int64, raw []byte) (*tensor, error) {
	size := model.DTypeSize(dtype)
	if size == 0 {
		return nil, errors.Errorf("unsupported element type %s", model.DTypeName(dtype))
	}
	n := numElements(shape)
	if int64(len(raw)) != n*int64(size) {
		return nil, errors.Errorf("buffer holds %d bytes, want %d for %s%v", len(raw), n*int64(size), model.DTypeName(dtype), shape)
	}
	t := newTensor(dtype, shape)
	for i := range t.data {
		b := raw[i*size:]
		switch dtype {
		case model.Float32:
			t.data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case model.Float16:
			t.data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case model.Float64:
			t.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case model.Int8:
			t.data[i] = float64(int8(b[0]))
		case model.UInt8, model.Bool:
			t.data[i] = float64(b[0])
		case model.Int16:
			t.data[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case model.Int32:
			t.data[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case model.Int64:
			t.data[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		}
	}
	return t, nil
}

// encodeBuffer writes t into dst as a dense little-endian buffer of dtype.
func encodeBuffer(t *tensor, dtype model.DType, dst []byte) error {
	size := model.DTypeSize(dtype)
	if size == 0 {
		return errors.Errorf("unsupported element type %s", model.DTypeName(dtype))
	}
	if len(dst) != len(t.data)*size {
		return errors.Errorf("output buffer holds %d bytes, want %d", len(dst), len(t.data)*size)
	}
	for i, v := range t.data {
		b := dst[i*size:]
		switch dtype {
		case model.Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case model.Float16:
			binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
		case model.Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		case model.Int8:
			b[0] = byte(int8(v))
		case model.UInt8, model.Bool:
			b[0] = byte(v)
		case model.Int16:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case model.Int32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case model.Int64:
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		}
	}
	return nil
}

// decodeValue converts an immediate MIL value into a tensor.
func decodeValue(v *milspec.Value) (*tensor, error) {
	tt := v.GetType().GetTensorType()
	if tt == nil {
		return nil, errors.New("value is not a tensor")
	}
	shape := make([]int64, len(tt.GetDimensions()))
	for i, d := range tt.GetDimensions() {
		c := d.GetConstant()
		if c == nil {
			return nil, errors.New("value has a non-constant dimension")
		}
		shape[i] = int64(c.GetSize())
	}
	if v.GetBlobFileValue() != nil {
		return nil, errors.New("weights file references must be resolved before loading")
	}
	tv := v.GetImmediateValue().GetTensor()
	if tv == nil {
		return nil, errors.New("value has no immediate tensor")
	}

	t := &tensor{dtype: tt.GetDataType(), shape: shape}
	switch {
	case tv.GetFloats() != nil:
		for _, x := range tv.GetFloats().GetValues() {
			t.data = append(t.data, float64(x))
		}
	case tv.GetDoubles() != nil:
		t.data = append(t.data, tv.GetDoubles().GetValues()...)
	case tv.GetInts() != nil:
		for _, x := range tv.GetInts().GetValues() {
			t.data = append(t.data, float64(x))
		}
	case tv.GetLongInts() != nil:
		for _, x := range tv.GetLongInts().GetValues() {
			t.data = append(t.data, float64(x))
		}
	case tv.GetBools() != nil:
		for _, x := range tv.GetBools().GetValues() {
			if x {
				t.data = append(t.data, 1)
			} else {
				t.data = append(t.data, 0)
			}
		}
	case tv.GetStrings() != nil:
		t.strs = tv.GetStrings().GetValues()
		return t, nil
	case tv.GetBytes() != nil:
		return decodeBuffer(t.dtype, shape, tv.GetBytes().GetValues())
	default:
		return nil, errors.New("value has an empty tensor")
	}
	if int64(len(t.data)) != numElements(shape) {
		return nil, errors.Errorf("value holds %d elements, type declares %v", len(t.data), shape)
	}
	return t, nil
}

// broadcastShapes returns the numpy-style broadcast shape of a and b.
func broadcastShapes(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)
	for i := 0; i < rank; i++ {
		da, db := int64(1), int64(1)
		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, errors.Errorf("shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// broadcastStrides returns strides that read a tensor of shape src as if it had shape dst.
func broadcastStrides(src, dst []int64) []int64 {
	s := strides(src)
	out := make([]int64, len(dst))
	offset := len(dst) - len(src)
	for i := range src {
		if src[i] != 1 {
			out[offset+i] = s[i]
		}
	}
	return out
}
