// Package cpu is the reference "CPU" device: a pure-Go evaluator of MIL
// programs. It executes operations one at a time in program order.
package cpu

import (
	"github.com/gomlx/go-coreml/proto/coreml/milspec"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/pkg/errors"
)

// DeviceName is the name the evaluator registers under.
const DeviceName = "CPU"

func init() {
	runtime.RegisterDevice(Device{})
}

// Device loads programs for evaluation on the host CPU.
type Device struct{}

// Name implements runtime.Device.
func (Device) Name() string { return DeviceName }

type step struct {
	op   *milspec.Operation
	eval opFunc
}

// Kernel is a loaded program.
type Kernel struct {
	inputs    []model.FeatureSpec
	outputs   []model.FeatureSpec
	constants map[string]*tensor
	steps     []step
}

// Load implements runtime.Device. Every operation type and every const payload
// is validated here, so Execute only fails on data-dependent errors.
func (Device) Load(program *model.Program, function string, inputs, outputs []model.FeatureSpec) (runtime.Kernel, error) {
	fn := program.GetFunctions()[function]
	if fn == nil {
		return nil, errors.Errorf("program has no function %q", function)
	}
	block := fn.GetBlockSpecializations()[fn.GetOpset()]
	if block == nil {
		return nil, errors.Errorf("function %q has no block for opset %q", function, fn.GetOpset())
	}
	if len(fn.GetInputs()) != len(inputs) {
		return nil, errors.Errorf("function %q takes %d inputs, got %d specs", function, len(fn.GetInputs()), len(inputs))
	}
	for i, in := range fn.GetInputs() {
		if in.GetName() != inputs[i].Name {
			return nil, errors.Errorf("input %d is %q, spec names %q", i, in.GetName(), inputs[i].Name)
		}
		if model.DTypeSize(inputs[i].DType) == 0 {
			return nil, errors.Errorf("input %q has unsupported element type %s", in.GetName(), model.DTypeName(inputs[i].DType))
		}
	}
	if len(block.GetOutputs()) != len(outputs) {
		return nil, errors.Errorf("function %q returns %d outputs, got %d specs", function, len(block.GetOutputs()), len(outputs))
	}
	for i, name := range block.GetOutputs() {
		if name != outputs[i].Name {
			return nil, errors.Errorf("output %d is %q, spec names %q", i, name, outputs[i].Name)
		}
	}

	k := &Kernel{
		inputs:    inputs,
		outputs:   outputs,
		constants: make(map[string]*tensor),
	}
	for _, op := range block.GetOperations() {
		eval, ok := opTable[op.GetType()]
		if !ok {
			return nil, errors.Errorf("unsupported operation %q", op.GetType())
		}
		if len(op.GetOutputs()) != 1 {
			return nil, errors.Errorf("operation %q declares %d outputs, want 1", op.GetType(), len(op.GetOutputs()))
		}
		name := op.GetOutputs()[0].GetName()
		switch op.GetType() {
		case "const":
			t, err := decodeValue(op.GetAttributes()["val"])
			if err != nil {
				return nil, errors.WithMessagef(err, "const %q", name)
			}
			k.constants[name] = t
			continue
		case "pad":
			if mode, err := (&opArgs{op: op}).strOr("mode", "constant"); err != nil || mode != "constant" {
				return nil, errors.Errorf("pad %q: only constant mode is supported", name)
			}
		}
		k.steps = append(k.steps, step{op: op, eval: eval})
	}
	return k, nil
}

// Execute implements runtime.Kernel.
func (k *Kernel) Execute(inputs, outputs [][]byte) error {
	if len(inputs) != len(k.inputs) || len(outputs) != len(k.outputs) {
		return errors.Errorf("got %d inputs and %d outputs, want %d and %d", len(inputs), len(outputs), len(k.inputs), len(k.outputs))
	}
	env := make(map[string]*tensor, len(k.constants)+len(k.steps)+len(inputs))
	for name, t := range k.constants {
		env[name] = t
	}
	for i, spec := range k.inputs {
		t, err := decodeBuffer(spec.DType, spec.Shape, inputs[i])
		if err != nil {
			return errors.WithMessagef(err, "input %q", spec.Name)
		}
		env[spec.Name] = t
	}

	for _, s := range k.steps {
		args := &opArgs{op: s.op, env: env}
		name := s.op.GetOutputs()[0].GetName()
		t, err := s.eval(args)
		if err != nil {
			return errors.WithMessagef(err, "%s %q", s.op.GetType(), name)
		}
		dtype, shape := args.declared()
		if numElements(shape) != int64(len(t.data)) && t.strs == nil {
			return errors.Errorf("%s %q produced %v, declared %v", s.op.GetType(), name, t.shape, shape)
		}
		t.shape = shape
		if t.dtype != dtype {
			t = (&tensor{dtype: dtype, shape: shape, data: append([]float64(nil), t.data...)}).round()
		}
		env[name] = t
	}

	for i, spec := range k.outputs {
		t, ok := env[spec.Name]
		if !ok {
			return errors.Errorf("output %q was not computed", spec.Name)
		}
		if err := encodeBuffer(t, spec.DType, outputs[i]); err != nil {
			return errors.WithMessagef(err, "output %q", spec.Name)
		}
	}
	return nil
}

// Close implements runtime.Kernel.
func (k *Kernel) Close() error {
	k.steps = nil
	k.constants = nil
	return nil
}
