package delegate

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32Bytes(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func bytesF32(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out
}

func i32Bytes(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

func f32Tensor(m *interp.Model, dims ...int) int {
	return m.AddTensor("", shapes.Make(dtypes.Float32, dims...), interp.AllocArena, nil, nil)
}

func f32Const(m *interp.Model, data []float32, dims ...int) int {
	return m.AddTensor("", shapes.Make(dtypes.Float32, dims...), interp.AllocReadOnly, nil, f32Bytes(data...))
}

func i32Const(m *interp.Model, data []int32, dims ...int) int {
	return m.AddTensor("", shapes.Make(dtypes.Int32, dims...), interp.AllocReadOnly, nil, i32Bytes(data...))
}

func newDelegate(t *testing.T, flags Flag) (*Delegate, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	d, err := New(Options{Device: "CPU", Flags: flags, CacheDir: t.TempDir(), Logger: log})
	require.NoError(t, err)
	return d, hook
}

// apply delegates m and fails the test unless exactly want is taken over.
func apply(t *testing.T, d *Delegate, m *interp.Model, want ...int) *Subgraph {
	t.Helper()
	nodes, err := d.Apply(m)
	require.NoError(t, err)
	require.Equal(t, want, nodes)
	t.Cleanup(func() { _ = m.Close() })
	partitions := m.Partitions()
	require.Len(t, partitions, 1)
	return partitions[0].Kernel.(*Subgraph)
}

func addGraph(act interp.Activation) *interp.Model {
	m := interp.NewModel()
	x := f32Tensor(m, 3)
	y := f32Tensor(m, 3)
	z := f32Tensor(m, 3)
	m.AddNode(interp.OpAdd, []int{x, y}, []int{z}, &interp.ElementwiseOptions{Activation: act})
	m.SetOutputs(z)
	return m
}

func TestAdd(t *testing.T) {
	d, _ := newDelegate(t, 0)
	m := addGraph(interp.ActNone)
	sub := apply(t, d, m, 0)
	assert.Equal(t, []int{0, 1}, sub.Inputs())
	assert.Equal(t, []int{2}, sub.Outputs())

	require.NoError(t, m.SetTensorData(0, f32Bytes(1, 2, 3)))
	require.NoError(t, m.SetTensorData(1, f32Bytes(4, 5, 6)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{5, 7, 9}, bytesF32(m.TensorData(2)))

	// Every invocation reads the current buffers.
	require.NoError(t, m.SetTensorData(0, f32Bytes(0, 0, 0)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{4, 5, 6}, bytesF32(m.TensorData(2)))
}

func TestFusedActivationClamps(t *testing.T) {
	for _, act := range []interp.Activation{interp.ActRelu6, interp.ActReluN1To1} {
		t.Run(act.String(), func(t *testing.T) {
			d, _ := newDelegate(t, 0)
			m := addGraph(act)
			apply(t, d, m, 0)
			require.NoError(t, m.SetTensorData(0, f32Bytes(-5, 3, 4)))
			require.NoError(t, m.SetTensorData(1, f32Bytes(1, 1, 4)))
			require.NoError(t, m.Invoke())
			assert.Equal(t, []float32{0, 4, 6}, bytesF32(m.TensorData(2)))
		})
	}
}

func TestSelectNodes(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	y := f32Tensor(m, 2)
	sum := f32Tensor(m, 2)
	m.AddNode(interp.OpAdd, []int{x, y}, []int{sum}, nil) // 0: accepted

	signed := f32Tensor(m, 2)
	m.AddNode(interp.OpAdd, []int{sum, y}, []int{signed}, &interp.ElementwiseOptions{Activation: interp.ActSignBit}) // 1

	a16 := m.AddTensor("", shapes.Make(dtypes.Int16, 2), interp.AllocArena, nil, nil)
	b16 := m.AddTensor("", shapes.Make(dtypes.Int16, 2), interp.AllocArena, nil, nil)
	c16 := m.AddTensor("", shapes.Make(dtypes.Int16, 2), interp.AllocArena, nil, nil)
	m.AddNode(interp.OpAdd, []int{a16, b16}, []int{c16}, nil) // 2

	pooled := f32Tensor(m, 2)
	m.AddNode(interp.OpAveragePool2D, []int{sum}, []int{pooled}, nil) // 3: no visitor

	dyn := m.AddTensor("", shapes.Make(dtypes.Float32, 2), interp.AllocDynamic, nil, nil)
	m.AddNode(interp.OpRelu, []int{dyn}, []int{f32Tensor(m, 2)}, nil) // 4

	m.AddNode(interp.OpRelu, []int{sum}, []int{f32Tensor(m, 2)}, nil)               // 5: accepted
	m.AddNode(interp.OpRelu, []int{sum, y}, []int{f32Tensor(m, 2)}, nil)            // 6: arity
	m.AddNode(interp.OpAdd, []int{x, f32Tensor(m, 3)}, []int{f32Tensor(m, 3)}, nil) // 7: broadcast

	d, hook := newDelegate(t, 0)
	got := d.SelectNodes(m)
	if diff := cmp.Diff([]int{0, 5}, got); diff != "" {
		t.Fatalf("SelectNodes() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(got, d.SelectNodes(m)); diff != "" {
		t.Errorf("SelectNodes() is not deterministic:\n%s", diff)
	}

	rejected := map[int]bool{}
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.DebugLevel {
			rejected[e.Data["node"].(int)] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true, 6: true, 7: true}, rejected)
}

func TestSelectNodesEmptyPlan(t *testing.T) {
	d, _ := newDelegate(t, 0)
	m := interp.NewModel()
	assert.Empty(t, d.SelectNodes(m))
	nodes, err := d.Apply(m)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Empty(t, m.Partitions())
}

func quantizedAddGraph(dtype dtypes.DType, q *interp.Quantization) *interp.Model {
	m := interp.NewModel()
	x := m.AddTensor("", shapes.Make(dtype, 3), interp.AllocArena, q, nil)
	y := m.AddTensor("", shapes.Make(dtype, 3), interp.AllocArena, q, nil)
	z := m.AddTensor("", shapes.Make(dtype, 3), interp.AllocArena, q, nil)
	m.AddNode(interp.OpAdd, []int{x, y}, []int{z}, nil)
	m.SetOutputs(z)
	return m
}

func TestQuantizedTypesNeedFlags(t *testing.T) {
	perTensor := &interp.Quantization{Scale: []float32{0.5}, ZeroPoint: []int64{10}}
	perChannel := &interp.Quantization{Scale: []float32{0.5, 0.25}, ZeroPoint: []int64{0, 0}, QuantizedDimension: 0}

	tests := []struct {
		name  string
		dtype dtypes.DType
		q     *interp.Quantization
		flags Flag
		want  []int
	}{
		{"uint8 without flag", dtypes.Uint8, perTensor, 0, nil},
		{"uint8 with signed flag", dtypes.Uint8, perTensor, FlagQuantizedSigned, nil},
		{"uint8", dtypes.Uint8, perTensor, FlagQuantizedUnsigned, []int{0}},
		{"int8 without flag", dtypes.Int8, perTensor, FlagQuantizedUnsigned, nil},
		{"int8", dtypes.Int8, perTensor, FlagQuantizedSigned, []int{0}},
		{"int8 unquantized", dtypes.Int8, nil, FlagQuantizedSigned, nil},
		{"int8 per channel", dtypes.Int8, perChannel, FlagQuantizedSigned, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newDelegate(t, tc.flags)
			got := d.SelectNodes(quantizedAddGraph(tc.dtype, tc.q))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("SelectNodes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuantizedAdd(t *testing.T) {
	d, _ := newDelegate(t, FlagQuantizedUnsigned)
	m := quantizedAddGraph(dtypes.Uint8, &interp.Quantization{Scale: []float32{0.5}, ZeroPoint: []int64{10}})
	apply(t, d, m, 0)
	// Real values 1, 2, -5 doubled, then requantized with the same parameters.
	require.NoError(t, m.SetTensorData(0, []byte{12, 14, 0}))
	require.NoError(t, m.SetTensorData(1, []byte{12, 14, 0}))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []byte{14, 18, 0}, m.TensorData(2))
}

func TestMaskedInputsAreNotEdges(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2, 3)
	shape := i32Const(m, []int32{3, 2}, 2)
	y := f32Tensor(m, 3, 2)
	m.AddNode(interp.OpReshape, []int{x, shape}, []int{y}, nil)
	m.SetOutputs(y)

	d, _ := newDelegate(t, 0)
	sub := apply(t, d, m, 0)
	assert.Equal(t, []int{x}, sub.Inputs())

	fn := sub.Executable().Program().Functions["main"]
	for _, in := range fn.Inputs {
		assert.NotEqual(t, tensorName(shape), in.Name)
	}
	for _, op := range fn.BlockSpecializations[fn.Opset].Operations {
		for _, out := range op.Outputs {
			assert.NotEqual(t, tensorName(shape), out.Name, "masked input materialized by %s", op.Type)
		}
	}

	require.NoError(t, m.SetTensorData(x, f32Bytes(1, 2, 3, 4, 5, 6)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, bytesF32(m.TensorData(y)))
}

func TestMaskedParametersMustBeConstant(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2, 3)
	axes := m.AddTensor("", shapes.Make(dtypes.Int32, 1), interp.AllocArena, nil, nil)
	m.AddNode(interp.OpMean, []int{x, axes}, []int{f32Tensor(m, 2)}, nil)

	d, _ := newDelegate(t, 0)
	assert.Empty(t, d.SelectNodes(m))
}

func TestMeanAndPad(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2, 3)
	mean := f32Tensor(m, 2, 1)
	m.AddNode(interp.OpMean, []int{x, i32Const(m, []int32{-1}, 1)}, []int{mean}, &interp.ReducerOptions{KeepDims: true})
	padded := f32Tensor(m, 3, 2)
	m.AddNode(interp.OpPad, []int{mean, i32Const(m, []int32{1, 0, 0, 1}, 2, 2)}, []int{padded}, nil)
	m.SetOutputs(padded)

	d, _ := newDelegate(t, 0)
	sub := apply(t, d, m, 0, 1)
	assert.Equal(t, []int{padded}, sub.Outputs())
	require.NoError(t, m.SetTensorData(x, f32Bytes(1, 2, 3, 4, 5, 6)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{0, 0, 2, 0, 5, 0}, bytesF32(m.TensorData(padded)))
}

func TestSplitConcat(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2, 4)
	left := f32Tensor(m, 2, 2)
	right := f32Tensor(m, 2, 2)
	m.AddNode(interp.OpSplit, []int{i32Const(m, []int32{1}), x}, []int{left, right}, &interp.SplitOptions{NumSplits: 2})
	y := f32Tensor(m, 2, 4)
	m.AddNode(interp.OpConcatenation, []int{right, left}, []int{y}, &interp.ConcatenationOptions{Axis: -1})
	m.SetOutputs(y)

	d, _ := newDelegate(t, 0)
	sub := apply(t, d, m, 0, 1)
	assert.Equal(t, []int{x}, sub.Inputs())
	assert.Equal(t, []int{y}, sub.Outputs())
	require.NoError(t, m.SetTensorData(x, f32Bytes(1, 2, 3, 4, 5, 6, 7, 8)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{3, 4, 1, 2, 7, 8, 5, 6}, bytesF32(m.TensorData(y)))
}

func TestSoftmaxBeta(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 1, 2)
	y := f32Tensor(m, 1, 2)
	m.AddNode(interp.OpSoftmax, []int{x}, []int{y}, &interp.SoftmaxOptions{Beta: 2})
	m.SetOutputs(y)

	d, _ := newDelegate(t, 0)
	apply(t, d, m, 0)
	require.NoError(t, m.SetTensorData(x, f32Bytes(0, float32(math.Log(3)/2))))
	require.NoError(t, m.Invoke())
	assert.InDeltaSlice(t, []float32{0.25, 0.75}, bytesF32(m.TensorData(y)), 1e-6)
}

func TestConv2D(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 1, 3, 3, 1)
	w := f32Const(m, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}, 1, 3, 3, 1)
	bias := f32Const(m, []float32{1}, 1)
	y := f32Tensor(m, 1, 3, 3, 1)
	m.AddNode(interp.OpConv2D, []int{x, w, bias}, []int{y}, &interp.Conv2DOptions{
		Padding: interp.PaddingSame, StrideH: 1, StrideW: 1, Activation: interp.ActRelu6,
	})
	m.SetOutputs(y)

	d, _ := newDelegate(t, 0)
	apply(t, d, m, 0)
	require.NoError(t, m.SetTensorData(x, f32Bytes(1, 1, 1, 1, 1, 1, 1, 1, 1)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{5, 6, 5, 6, 6, 6, 5, 6, 5}, bytesF32(m.TensorData(y)))
}

func TestTransposeConv(t *testing.T) {
	m := interp.NewModel()
	outShape := i32Const(m, []int32{1, 4, 4, 1}, 4)
	w := f32Const(m, []float32{1, 1, 1, 1}, 1, 2, 2, 1)
	x := f32Tensor(m, 1, 2, 2, 1)
	y := f32Tensor(m, 1, 4, 4, 1)
	m.AddNode(interp.OpTransposeConv, []int{outShape, w, x}, []int{y}, &interp.TransposeConvOptions{
		Padding: interp.PaddingValid, StrideH: 2, StrideW: 2,
	})
	m.SetOutputs(y)

	d, _ := newDelegate(t, 0)
	sub := apply(t, d, m, 0)
	assert.Equal(t, []int{x}, sub.Inputs())
	require.NoError(t, m.SetTensorData(x, f32Bytes(1, 2, 3, 4)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, bytesF32(m.TensorData(y)))
}

func TestResizeBilinearAlignCorners(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 1, 2, 2, 1)
	y := f32Tensor(m, 1, 3, 3, 1)
	m.AddNode(interp.OpResizeBilinear, []int{x, i32Const(m, []int32{3, 3}, 2)}, []int{y}, &interp.ResizeBilinearOptions{AlignCorners: true})
	m.SetOutputs(y)

	d, _ := newDelegate(t, 0)
	apply(t, d, m, 0)
	require.NoError(t, m.SetTensorData(x, f32Bytes(0, 2, 4, 6)))
	require.NoError(t, m.Invoke())
	assert.InDeltaSlice(t, []float32{0, 1, 2, 2, 3, 4, 4, 5, 6}, bytesF32(m.TensorData(y)), 1e-6)
}

func TestForceFP16(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	c := f32Const(m, []float32{0.5, -1.25}, 2)
	y := f32Tensor(m, 2)
	m.AddNode(interp.OpMul, []int{x, c}, []int{y}, nil)
	m.SetOutputs(y)

	d, _ := newDelegate(t, FlagForceFP16)
	sub := apply(t, d, m, 0)
	fn := sub.Executable().Program().Functions["main"]
	var types []string
	for _, op := range fn.BlockSpecializations[fn.Opset].Operations {
		types = append(types, op.Type)
	}
	assert.Contains(t, types, "cast")

	require.NoError(t, m.SetTensorData(x, f32Bytes(2, 2)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{1, -2.5}, bytesF32(m.TensorData(y)))
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "none", Flag(0).String())
	assert.Equal(t, "quantized_signed|force_fp16", (FlagQuantizedSigned | FlagForceFP16).String())
	f, err := ParseFlag("QUANTIZED_UNSIGNED")
	require.NoError(t, err)
	assert.Equal(t, FlagQuantizedUnsigned, f)
	_, err = ParseFlag("fast")
	assert.Error(t, err)
}
