package delegate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-tflite-delegate/artifacts"
	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueTable(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	c := f32Const(m, []float32{1, 2}, 2)
	b := model.NewBuilder("main")
	vt := newValueTable(m, b, false)

	t.Run("constant materialized once", func(t *testing.T) {
		v1, err := vt.Value(c)
		require.NoError(t, err)
		v2, err := vt.Value(c)
		require.NoError(t, err)
		assert.Same(t, v1, v2)
		assert.Equal(t, 1, b.NumOperations("const"))
		assert.Equal(t, tensorName(c), v1.Name())
	})

	t.Run("dangling edge", func(t *testing.T) {
		_, err := vt.Value(x)
		assert.True(t, errors.Is(err, ErrDanglingEdge), "got %v", err)
	})

	t.Run("double publish", func(t *testing.T) {
		in := b.Input(tensorName(x), model.Float32, 2)
		require.NoError(t, vt.Publish(x, in))
		got, err := vt.Value(x)
		require.NoError(t, err)
		assert.Same(t, in, got)
		err = vt.Publish(x, b.Relu(in))
		assert.True(t, errors.Is(err, ErrDoublePublish), "got %v", err)
		// A materialized constant counts as published.
		err = vt.Publish(c, in)
		assert.True(t, errors.Is(err, ErrDoublePublish), "got %v", err)
	})
}

func TestSharedConstantMaterializedOnce(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	c := f32Const(m, []float32{10, 20}, 2)
	y := f32Tensor(m, 2)
	m.AddNode(interp.OpAdd, []int{x, c}, []int{y}, nil)
	z := f32Tensor(m, 2)
	m.AddNode(interp.OpMul, []int{y, c}, []int{z}, nil)
	m.SetOutputs(z)

	d, _ := newDelegate(t, 0)
	sub := apply(t, d, m, 0, 1)
	fn := sub.Executable().Program().Functions["main"]
	consts := 0
	for _, op := range fn.BlockSpecializations[fn.Opset].Operations {
		if op.Type == "const" {
			consts++
		}
	}
	assert.Equal(t, 1, consts)

	require.NoError(t, m.SetTensorData(x, f32Bytes(1, 2)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{110, 440}, bytesF32(m.TensorData(z)))
}

func TestPartitionTensors(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	c := f32Const(m, []float32{1, 1}, 2)
	sum := f32Tensor(m, 2)
	relu := f32Tensor(m, 2)
	pooled := f32Tensor(m, 2)
	m.AddNode(interp.OpAdd, []int{x, c}, []int{sum}, nil)
	m.AddNode(interp.OpRelu, []int{sum}, []int{relu}, nil)
	m.AddNode(interp.OpAveragePool2D, []int{sum}, []int{pooled}, nil)
	m.SetOutputs(relu, pooled)

	n0, _ := m.Node(0)
	n1, _ := m.Node(1)
	p, err := partitionTensors(m, []*interp.NodeDescriptor{n0, n1}, nil)
	require.NoError(t, err)
	want := &tensorPartition{
		Touched:   []int{x, c, sum, relu},
		Inputs:    []int{x},
		Constants: []int{c},
		Outputs:   []int{sum, relu},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("partitionTensors() mismatch (-want +got):\n%s", diff)
	}

	// The pooling node still consumes sum, so it stays an output.
	m.SetOutputs(relu)
	d, _ := newDelegate(t, 0)
	sub, err := d.buildSubgraph(m, []int{0, 1})
	require.NoError(t, err)
	defer sub.Free()
	assert.Equal(t, []int{x}, sub.Inputs())
	assert.Equal(t, []int{sum, relu}, sub.Outputs())
}

func TestBuildRejectsUnsupportedOp(t *testing.T) {
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	m.AddNode(interp.OpAveragePool2D, []int{x}, []int{f32Tensor(m, 2)}, nil)
	d, _ := newDelegate(t, 0)
	_, err := d.buildSubgraph(m, []int{0})
	assert.True(t, errors.Is(err, ErrUnsupportedOp), "got %v", err)
}

func TestBuildRejectsDanglingEdge(t *testing.T) {
	// The second node consumes a tensor produced after it, so the builder
	// reaches it before anything publishes it.
	m := interp.NewModel()
	x := f32Tensor(m, 2)
	early := f32Tensor(m, 2)
	late := f32Tensor(m, 2)
	m.AddNode(interp.OpRelu, []int{late}, []int{early}, nil)
	m.AddNode(interp.OpRelu, []int{x}, []int{late}, nil)
	m.SetOutputs(early)

	d, _ := newDelegate(t, 0)
	_, err := d.buildSubgraph(m, []int{0, 1})
	assert.True(t, errors.Is(err, ErrDanglingEdge), "got %v", err)
}

type failingDevice struct{}

func (failingDevice) Name() string { return "FAILING" }

func (failingDevice) Load(*model.Program, string, []model.FeatureSpec, []model.FeatureSpec) (runtime.Kernel, error) {
	return nil, errors.New("compiler crashed")
}

func TestCompileFailureReplacesNothing(t *testing.T) {
	runtime.RegisterDevice(failingDevice{})
	d, err := New(Options{Device: "FAILING", CacheDir: t.TempDir()})
	require.NoError(t, err)

	m := addGraph(interp.ActNone)
	_, err = d.Apply(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiler crashed")
	assert.Empty(t, m.Partitions())
}

func TestNewValidatesDevice(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Device: "NPU"})
	assert.True(t, errors.Is(err, runtime.ErrUnknownDevice), "got %v", err)

	_, err = New(Options{Device: "CPU", Store: &artifacts.LocalStore{Dir: t.TempDir()}})
	assert.Error(t, err)
}

func TestInvokeByteLengthMismatch(t *testing.T) {
	d, _ := newDelegate(t, 0)
	m := addGraph(interp.ActNone)
	sub := apply(t, d, m, 0)

	require.NoError(t, m.SetTensorData(1, f32Bytes(4, 5, 6)))
	require.NoError(t, m.SetTensorData(2, f32Bytes(-1, -1, -1)))
	x, err := m.Tensor(0)
	require.NoError(t, err)
	x.Data = f32Bytes(1, 2)

	err = m.Invoke()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrByteLength), "got %v", err)
	assert.Equal(t, make([]byte, 12), sub.session.Input(1), "input slot was written")
	assert.Equal(t, []float32{-1, -1, -1}, bytesF32(m.TensorData(2)), "output was written")
}

func TestInvokeOutputByteLengthMismatch(t *testing.T) {
	d, _ := newDelegate(t, 0)
	m := addGraph(interp.ActNone)
	apply(t, d, m, 0)

	z, err := m.Tensor(2)
	require.NoError(t, err)
	z.Data = f32Bytes(7, 7)
	err = m.Invoke()
	assert.True(t, errors.Is(err, ErrByteLength), "got %v", err)
	assert.Equal(t, []float32{7, 7}, bytesF32(z.Data))
}

func TestFreeReleasesPartition(t *testing.T) {
	d, _ := newDelegate(t, 0)
	m := addGraph(interp.ActNone)
	sub := apply(t, d, m, 0)
	exec := sub.Executable()

	require.NoError(t, sub.Free())
	require.NoError(t, sub.Free())
	assert.Error(t, sub.Invoke(m))
	_, err := exec.NewSession()
	assert.Error(t, err)
}

func TestArtifactsPublished(t *testing.T) {
	artifactsDir := t.TempDir()
	store := &artifacts.LocalStore{Dir: t.TempDir()}
	d, err := New(Options{Device: "CPU", ArtifactsDir: artifactsDir, Store: store, CacheDir: t.TempDir()})
	require.NoError(t, err)

	m := addGraph(interp.ActRelu)
	sub := apply(t, d, m, 0)
	id := sub.Executable().ID().String()

	assert.FileExists(t, filepath.Join(artifactsDir, id, model.StructureFilename))
	assert.FileExists(t, filepath.Join(artifactsDir, id, model.WeightsDir, model.WeightsFilename))
	assert.FileExists(t, filepath.Join(store.Dir, id, model.ManifestFilename))

	loaded, err := runtime.New().Load(filepath.Join(artifactsDir, id), "main", "CPU")
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, sub.Executable().InputSpecs(), loaded.InputSpecs())
}

func TestArtifactsFailureIsNotFatal(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))
	d, err := New(Options{Device: "CPU", ArtifactsDir: blocked, CacheDir: t.TempDir()})
	require.NoError(t, err)

	m := addGraph(interp.ActNone)
	apply(t, d, m, 0)
	require.NoError(t, m.SetTensorData(0, f32Bytes(1, 2, 3)))
	require.NoError(t, m.SetTensorData(1, f32Bytes(4, 5, 6)))
	require.NoError(t, m.Invoke())
	assert.Equal(t, []float32{5, 7, 9}, bytesF32(m.TensorData(2)))
}
