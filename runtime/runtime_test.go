package runtime_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-tflite-delegate/blob"
	"github.com/gomlx/go-tflite-delegate/internal/cpu"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/pkg/errors"
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

func weightedProgram(n int) (*model.Builder, []float32) {
	b := model.NewBuilder("main")
	weights := make([]float32, n)
	for i := range weights {
		weights[i] = float32(i) * 0.001
	}
	x := b.Input("x", model.Float32, 1, int64(n))
	w := b.Constant("weights", model.Float32, []int64{1, int64(n)}, weights)
	b.Output("y", b.Mul(x, w))
	return b, weights
}

func TestCompileUnknownDevice(t *testing.T) {
	b, _ := weightedProgram(4)
	_, err := runtime.New().Compile(b, "NPU")
	require.Error(t, err)
	assert.True(t, errors.Is(err, runtime.ErrUnknownDevice))
	assert.Contains(t, runtime.Devices(), cpu.DeviceName)
}

func TestCompileRejectsBuilderError(t *testing.T) {
	b := model.NewBuilder("main")
	x := b.Input("x", model.Float32, 2, 3)
	b.Output("y", b.Reshape(x, []int64{4}))
	_, err := runtime.New().Compile(b, cpu.DeviceName)
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	b := model.NewBuilder("main")
	x := b.Input("x", model.Float32, 3)
	b.Output("y", b.Relu(x))
	exec, err := runtime.New().Compile(b, cpu.DeviceName)
	require.NoError(t, err)
	defer exec.Close()

	sess, err := exec.NewSession()
	require.NoError(t, err)
	assert.Equal(t, 1, sess.NumInputs())
	assert.Equal(t, 12, sess.InputSize(0))
	assert.Equal(t, 12, sess.OutputSize(0))
	assert.Error(t, sess.SetInput(0, make([]byte, 8)))
	assert.ErrorIs(t, sess.Wait(), runtime.ErrNotStarted)

	require.NoError(t, sess.SetInput(0, f32Bytes(-1, 2, -3)))
	require.NoError(t, sess.Start())
	require.NoError(t, sess.Wait())
	assert.Equal(t, f32Bytes(0, 2, 0), sess.Output(0))

	// A session can be reused once waited for.
	copy(sess.Input(0), f32Bytes(4, -5, 6))
	require.NoError(t, sess.Start())
	require.NoError(t, sess.Wait())
	assert.Equal(t, f32Bytes(4, 0, 6), sess.Output(0))
}

func TestStartWhileRunning(t *testing.T) {
	b := model.NewBuilder("main")
	x := b.Input("x", model.Float32, 1)
	b.Output("y", b.Relu(x))
	exec, err := runtime.New().Compile(b, cpu.DeviceName)
	require.NoError(t, err)
	defer exec.Close()
	sess, err := exec.NewSession()
	require.NoError(t, err)

	require.NoError(t, sess.Start())
	assert.ErrorIs(t, sess.Start(), runtime.ErrSessionBusy)
	require.NoError(t, sess.Wait())
}

func TestClosedExecutable(t *testing.T) {
	b, _ := weightedProgram(4)
	exec, err := runtime.New().Compile(b, cpu.DeviceName)
	require.NoError(t, err)
	require.NoError(t, exec.Close())
	require.NoError(t, exec.Close())
	_, err = exec.NewSession()
	assert.Error(t, err)
}

func TestSerializeAndLoad(t *testing.T) {
	// 1024 float32 weights (4KB) cross the default blob threshold.
	b, weights := weightedProgram(1024)
	rt := runtime.New(runtime.WithCacheDir(t.TempDir()))
	exec, err := rt.Compile(b, cpu.DeviceName)
	require.NoError(t, err)
	defer exec.Close()

	structurePath, weightsPath, err := exec.Serialize("")
	require.NoError(t, err)
	assert.FileExists(t, structurePath)

	blobData, err := os.ReadFile(weightsPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(blobData), 4096+64+64)
	assert.Equal(t, blob.BlobVersion, binary.LittleEndian.Uint32(blobData[4:8]))
	assert.Equal(t, blob.BlobMetadataSentinel, binary.LittleEndian.Uint32(blobData[64:68]))
	assert.Equal(t, uint32(blob.DataTypeFloat32), binary.LittleEndian.Uint32(blobData[68:72]))
	assert.Equal(t, uint64(1024*4), binary.LittleEndian.Uint64(blobData[72:80]))

	loaded, err := rt.Load(filepath.Dir(structurePath), "main", cpu.DeviceName)
	require.NoError(t, err)
	defer loaded.Close()
	assert.NotEqual(t, exec.ID(), loaded.ID())
	assert.Equal(t, exec.InputSpecs(), loaded.InputSpecs())

	sess, err := loaded.NewSession()
	require.NoError(t, err)
	ones := make([]float32, 1024)
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, sess.SetInput(0, f32Bytes(ones...)))
	require.NoError(t, sess.Start())
	require.NoError(t, sess.Wait())
	assert.Equal(t, f32Bytes(weights...), sess.Output(0))
}

func TestExecutableKeepsProgramSnapshot(t *testing.T) {
	b := model.NewBuilder("main")
	x := b.Input("x", model.Float32, 1)
	b.Output("y", b.Relu(x))
	program := b.Build()
	exec, err := runtime.New().CompileProgram(program, "main", b.InputSpecs(), b.OutputSpecs(), cpu.DeviceName)
	require.NoError(t, err)
	defer exec.Close()

	program.Functions["main"].BlockSpecializations["CoreML7"].Operations[0].Type = "tanh"
	assert.Equal(t, "relu", exec.Program().Functions["main"].BlockSpecializations["CoreML7"].Operations[0].Type)
}

func TestCompileTracesProgram(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	b := model.NewBuilder("main")
	x := b.Input("x", model.Float32, 1)
	b.Output("y", b.Relu(x))
	exec, err := runtime.New(runtime.WithLogger(log)).Compile(b, cpu.DeviceName)
	require.NoError(t, err)
	defer exec.Close()

	var traced int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.TraceLevel {
			traced++
			assert.Contains(t, e.Message, "relu")
		}
	}
	assert.Equal(t, 1, traced)

	hook.Reset()
	log.SetLevel(logrus.DebugLevel)
	exec2, err := runtime.New(runtime.WithLogger(log)).Compile(b, cpu.DeviceName)
	require.NoError(t, err)
	defer exec2.Close()
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.TraceLevel, e.Level)
	}
}
