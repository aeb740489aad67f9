package delegate

import (
	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/pkg/errors"
)

// Subgraph is the interpreter kernel of one delegated partition. It owns the
// compiled executable and its only session.
//
// Invoke is not safe for concurrent use.
type Subgraph struct {
	nodes   []int
	inputs  []int
	outputs []int
	exec    *runtime.Executable
	session *runtime.Session
}

var _ interp.Kernel = &Subgraph{}

// Nodes returns the interpreter nodes the partition replaces.
func (s *Subgraph) Nodes() []int { return s.nodes }

// Inputs returns the tensor behind each input slot, in slot order.
func (s *Subgraph) Inputs() []int { return s.inputs }

// Outputs returns the tensor behind each output slot, in slot order.
func (s *Subgraph) Outputs() []int { return s.outputs }

// Executable returns the compiled partition.
func (s *Subgraph) Executable() *runtime.Executable { return s.exec }

// Prepare implements interp.Kernel. Shapes are fixed at build time.
func (s *Subgraph) Prepare(g interp.Graph) error { return nil }

// Invoke implements interp.Kernel. Buffers are checked before anything is
// copied, so a size mismatch leaves both sides untouched.
func (s *Subgraph) Invoke(g interp.Graph) error {
	if s.session == nil {
		return errors.New("partition was freed")
	}
	for pos, index := range s.inputs {
		if got, want := len(g.TensorData(index)), s.session.InputSize(pos); got != want {
			return errors.Wrapf(ErrByteLength, "input %d (tensor %d): interpreter has %d bytes, slot has %d", pos, index, got, want)
		}
	}
	for pos, index := range s.inputs {
		copy(s.session.Input(pos), g.TensorData(index))
	}

	if err := s.session.Start(); err != nil {
		return err
	}
	if err := s.session.Wait(); err != nil {
		return err
	}

	for pos, index := range s.outputs {
		if got, want := len(g.TensorData(index)), s.session.OutputSize(pos); got != want {
			return errors.Wrapf(ErrByteLength, "output %d (tensor %d): interpreter has %d bytes, slot has %d", pos, index, got, want)
		}
	}
	for pos, index := range s.outputs {
		copy(g.TensorData(index), s.session.Output(pos))
	}
	return nil
}

// Free implements interp.Kernel, releasing the session and the executable.
func (s *Subgraph) Free() error {
	s.session = nil
	if s.exec == nil {
		return nil
	}
	err := s.exec.Close()
	s.exec = nil
	return err
}
