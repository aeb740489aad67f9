// Package runtime compiles MIL programs for a named device and executes them.
//
// Example usage:
//
//	// Build a MIL program
//	b := model.NewBuilder("main")
//	x := b.Input("x", model.Float32, 2, 3)
//	b.Output("y", b.Relu(x))
//
//	// Compile for a device
//	rt := runtime.New()
//	exec, err := rt.Compile(b, "CPU")
//	if err != nil { ... }
//	defer exec.Close()
//
//	// Execute through a session with positional byte buffers
//	sess, err := exec.NewSession()
//	copy(sess.Input(0), inputBytes)
//	if err := sess.Start(); err != nil { ... }
//	if err := sess.Wait(); err != nil { ... }
//	result := sess.Output(0)
package runtime

import (
	"os"
	"slices"
	"sync"

	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrUnknownDevice is returned when compiling for a device nobody registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrSessionBusy is returned by Session.Start while a previous run has not been waited for.
	ErrSessionBusy = errors.New("session is already running")
	// ErrNotStarted is returned by Session.Wait when no run is in flight.
	ErrNotStarted = errors.New("session was not started")
)

// Device loads programs into executable kernels.
type Device interface {
	// Name is the device name programs are compiled for.
	Name() string
	// Load validates and prepares program for execution. inputs and outputs
	// describe the positional buffers Kernel.Execute will receive.
	Load(program *model.Program, function string, inputs, outputs []model.FeatureSpec) (Kernel, error)
}

// Kernel is a program loaded on a device.
type Kernel interface {
	// Execute reads inputs and writes outputs, both dense little-endian buffers
	// sized exactly as the feature specs given to Device.Load.
	Execute(inputs, outputs [][]byte) error
	Close() error
}

var (
	devicesMu sync.RWMutex
	devices   = make(map[string]Device)
)

// RegisterDevice makes d available to Compile under d.Name(). Registering a
// name twice replaces the previous device.
func RegisterDevice(d Device) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices[d.Name()] = d
}

// Devices returns the names of the registered devices, sorted.
func Devices() []string {
	devicesMu.RLock()
	defer devicesMu.RUnlock()
	return devicesLocked()
}

func lookupDevice(name string) (Device, error) {
	devicesMu.RLock()
	defer devicesMu.RUnlock()
	d, ok := devices[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "device %q (registered: %v)", name, devicesLocked())
	}
	return d, nil
}

func devicesLocked() []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Runtime manages program compilation.
type Runtime struct {
	cacheDir string
	log      logrus.FieldLogger
}

// Option configures the runtime.
type Option func(*Runtime)

// WithCacheDir sets the directory under which executables serialize
// their artifacts when no explicit directory is given.
func WithCacheDir(dir string) Option {
	return func(r *Runtime) {
		r.cacheDir = dir
	}
}

// WithLogger sets the logger used for compilation events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runtime) {
		r.log = log
	}
}

// New creates a new runtime with the given options.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		cacheDir: os.TempDir(),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Executable is a program compiled for one device, with a fixed positional
// layout of inputs and outputs.
type Executable struct {
	id       uuid.UUID
	device   string
	function string
	program  *model.Program
	inputs   []model.FeatureSpec
	outputs  []model.FeatureSpec
	cacheDir string

	mu     sync.Mutex
	kernel Kernel
}

// Compile compiles a MIL program builder into an executable for device.
func (r *Runtime) Compile(b *model.Builder, device string) (*Executable, error) {
	if err := b.Err(); err != nil {
		return nil, errors.WithMessage(err, "invalid program")
	}
	return r.CompileProgram(b.Build(), b.Name(), b.InputSpecs(), b.OutputSpecs(), device)
}

// CompileProgram compiles function of program into an executable for device.
// The executable keeps its own copy of program.
func (r *Runtime) CompileProgram(program *model.Program, function string, inputs, outputs []model.FeatureSpec, device string) (*Executable, error) {
	d, err := lookupDevice(device)
	if err != nil {
		return nil, err
	}
	snapshot := proto.Clone(program).(*model.Program)
	kernel, err := d.Load(snapshot, function, inputs, outputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "load program on device %q", device)
	}
	e := &Executable{
		id:       uuid.New(),
		device:   device,
		function: function,
		program:  snapshot,
		inputs:   slices.Clone(inputs),
		outputs:  slices.Clone(outputs),
		cacheDir: r.cacheDir,
		kernel:   kernel,
	}
	r.log.WithFields(logrus.Fields{
		"executable": e.id,
		"device":     device,
		"inputs":     len(inputs),
		"outputs":    len(outputs),
	}).Debug("compiled program")
	if traceEnabled(r.log) {
		if dump, err := model.DumpJSON(snapshot); err == nil {
			r.log.WithField("executable", e.id).Trace(string(dump))
		}
	}
	return e, nil
}

func traceEnabled(log logrus.FieldLogger) bool {
	switch l := log.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.TraceLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.TraceLevel)
	}
	return false
}

// Load compiles a program previously written by Executable.Serialize.
func (r *Runtime) Load(dir, function, device string) (*Executable, error) {
	program, err := model.LoadArtifacts(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "load artifacts from %s", dir)
	}
	inputs, outputs, err := model.ProgramSpecs(program, function)
	if err != nil {
		return nil, err
	}
	return r.CompileProgram(program, function, inputs, outputs, device)
}

// ID uniquely identifies the executable.
func (e *Executable) ID() uuid.UUID { return e.id }

// Device returns the device the executable was compiled for.
func (e *Executable) Device() string { return e.device }

// Program returns the compiled program. It must not be modified.
func (e *Executable) Program() *model.Program { return e.program }

// InputSpecs returns the positional inputs of the executable.
func (e *Executable) InputSpecs() []model.FeatureSpec { return e.inputs }

// OutputSpecs returns the positional outputs of the executable.
func (e *Executable) OutputSpecs() []model.FeatureSpec { return e.outputs }

// Serialize writes the executable's structure/weights pair into dir. With an
// empty dir a fresh directory is created under the runtime's cache dir.
func (e *Executable) Serialize(dir string) (structurePath, weightsPath string, err error) {
	if dir == "" {
		if dir, err = os.MkdirTemp(e.cacheDir, "partition-"); err != nil {
			return "", "", errors.Wrap(err, "create artifacts dir")
		}
	}
	return model.SaveArtifacts(e.program, dir, model.DefaultSerializeOptions())
}

// NewSession creates an inference session with buffers for every input and output.
func (e *Executable) NewSession() (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kernel == nil {
		return nil, errors.New("executable is closed")
	}
	s := &Session{
		exec:    e,
		kernel:  e.kernel,
		inputs:  make([][]byte, len(e.inputs)),
		outputs: make([][]byte, len(e.outputs)),
	}
	for i, spec := range e.inputs {
		s.inputs[i] = make([]byte, spec.ByteSize())
	}
	for i, spec := range e.outputs {
		s.outputs[i] = make([]byte, spec.ByteSize())
	}
	return s, nil
}

// Close releases resources associated with the executable.
func (e *Executable) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kernel == nil {
		return nil
	}
	err := e.kernel.Close()
	e.kernel = nil
	return err
}

// Session holds the input and output buffers of one executable and runs it
// asynchronously.
type Session struct {
	exec    *Executable
	kernel  Kernel
	inputs  [][]byte
	outputs [][]byte

	mu   sync.Mutex
	done chan error
}

// NumInputs returns the number of input slots.
func (s *Session) NumInputs() int { return len(s.inputs) }

// NumOutputs returns the number of output slots.
func (s *Session) NumOutputs() int { return len(s.outputs) }

// InputSize returns the byte length of input slot i.
func (s *Session) InputSize(i int) int { return len(s.inputs[i]) }

// OutputSize returns the byte length of output slot i.
func (s *Session) OutputSize(i int) int { return len(s.outputs[i]) }

// Input returns the buffer of input slot i, to be filled before Start.
func (s *Session) Input(i int) []byte { return s.inputs[i] }

// Output returns the buffer of output slot i, valid after Wait.
func (s *Session) Output(i int) []byte { return s.outputs[i] }

// SetInput copies data into input slot i. data must match the slot size exactly.
func (s *Session) SetInput(i int, data []byte) error {
	if i < 0 || i >= len(s.inputs) {
		return errors.Errorf("input slot %d out of range [0, %d)", i, len(s.inputs))
	}
	if len(data) != len(s.inputs[i]) {
		return errors.Errorf("input slot %d (%s) holds %d bytes, got %d", i, s.exec.inputs[i].Name, len(s.inputs[i]), len(data))
	}
	copy(s.inputs[i], data)
	return nil
}

// Start launches one execution in the background.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrSessionBusy
	}
	done := make(chan error, 1)
	s.done = done
	go func() {
		done <- s.kernel.Execute(s.inputs, s.outputs)
	}()
	return nil
}

// Wait blocks until the execution launched by Start completes and returns its error.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}
	err := <-done
	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()
	if err != nil {
		return errors.WithMessagef(err, "execute on %s", s.exec.device)
	}
	return nil
}
