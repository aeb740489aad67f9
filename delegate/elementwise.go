package delegate

import (
	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/pkg/errors"
)

type binaryFunc func(b *model.Builder, x, y *model.Value) *model.Value

type unaryFunc func(b *model.Builder, x *model.Value) *model.Value

func init() {
	RegisterVisitor(interp.OpAdd, binaryVisitor((*model.Builder).Add, true))
	RegisterVisitor(interp.OpSub, binaryVisitor((*model.Builder).Sub, true))
	RegisterVisitor(interp.OpMul, binaryVisitor((*model.Builder).Mul, true))
	RegisterVisitor(interp.OpDiv, binaryVisitor((*model.Builder).Div, true))
	RegisterVisitor(interp.OpMaximum, binaryVisitor((*model.Builder).Maximum, false))
	RegisterVisitor(interp.OpMinimum, binaryVisitor((*model.Builder).Minimum, false))

	RegisterVisitor(interp.OpRelu, unaryVisitor((*model.Builder).Relu))
	RegisterVisitor(interp.OpRelu6, unaryVisitor(relu6))
	RegisterVisitor(interp.OpTanh, unaryVisitor((*model.Builder).Tanh))
	RegisterVisitor(interp.OpLogistic, unaryVisitor((*model.Builder).Sigmoid))
	RegisterVisitor(interp.OpSoftmax, &visitor{
		numInputs:  1,
		numOutputs: 1,
		check:      checkSoftmax,
		build:      buildSoftmax,
	})
}

func relu6(b *model.Builder, x *model.Value) *model.Value {
	return b.Clip(x, 0, 6)
}

func fusedActivation(node *interp.NodeDescriptor) interp.Activation {
	switch o := node.Options.(type) {
	case *interp.ElementwiseOptions:
		if o != nil {
			return o.Activation
		}
	case *interp.ConcatenationOptions:
		if o != nil {
			return o.Activation
		}
	case *interp.Conv2DOptions:
		if o != nil {
			return o.Activation
		}
	case *interp.TransposeConvOptions:
		if o != nil {
			return o.Activation
		}
	}
	return interp.ActNone
}

// applyActivation appends the fused activation of a node to its raw result.
// RELU_N1_TO_1 clamps to [0, 6], like RELU6.
func applyActivation(b *model.Builder, v *model.Value, act interp.Activation) (*model.Value, error) {
	switch act {
	case interp.ActNone:
		return v, nil
	case interp.ActRelu:
		return b.Relu(v), nil
	case interp.ActReluN1To1, interp.ActRelu6:
		return b.Clip(v, 0, 6), nil
	case interp.ActTanh:
		return b.Tanh(v), nil
	case interp.ActSigmoid:
		return b.Sigmoid(v), nil
	}
	return nil, errors.Errorf("unsupported fused activation %s", act)
}

func binaryVisitor(fn binaryFunc, fused bool) *visitor {
	return &visitor{
		numInputs:  2,
		numOutputs: 1,
		check: func(c *CheckContext, node *interp.NodeDescriptor) error {
			x, err := c.Tensor(node.Inputs[0])
			if err != nil {
				return err
			}
			y, err := c.Tensor(node.Inputs[1])
			if err != nil {
				return err
			}
			if !broadcastable(x.Shape.Dimensions, y.Shape.Dimensions) {
				return errors.Errorf("shapes %v and %v do not broadcast", x.Shape.Dimensions, y.Shape.Dimensions)
			}
			if fused {
				return checkActivation(fusedActivation(node))
			}
			return nil
		},
		build: func(bc *BuildContext, node *interp.NodeDescriptor) error {
			x, err := bc.Float(node.Inputs[0])
			if err != nil {
				return err
			}
			y, err := bc.Float(node.Inputs[1])
			if err != nil {
				return err
			}
			z := fn(bc.b, x, y)
			if fused {
				if z, err = applyActivation(bc.b, z, fusedActivation(node)); err != nil {
					return err
				}
			}
			return bc.Publish(node.Outputs[0], z)
		},
	}
}

func unaryVisitor(fn unaryFunc) *visitor {
	return &visitor{
		numInputs:  1,
		numOutputs: 1,
		build: func(bc *BuildContext, node *interp.NodeDescriptor) error {
			x, err := bc.Float(node.Inputs[0])
			if err != nil {
				return err
			}
			return bc.Publish(node.Outputs[0], fn(bc.b, x))
		},
	}
}

func softmaxBeta(node *interp.NodeDescriptor) float32 {
	if o, ok := node.Options.(*interp.SoftmaxOptions); ok && o != nil {
		return o.Beta
	}
	return 1
}

func checkSoftmax(c *CheckContext, node *interp.NodeDescriptor) error {
	x, err := c.Tensor(node.Inputs[0])
	if err != nil {
		return err
	}
	if x.Shape.Rank() == 0 {
		return errors.New("softmax of a scalar")
	}
	if beta := softmaxBeta(node); beta <= 0 {
		return errors.Errorf("softmax beta %g must be positive", beta)
	}
	return nil
}

// buildSoftmax computes softmax(beta * x) over the last axis.
func buildSoftmax(bc *BuildContext, node *interp.NodeDescriptor) error {
	x, err := bc.Float(node.Inputs[0])
	if err != nil {
		return err
	}
	if beta := softmaxBeta(node); beta != 1 {
		scale := bc.b.Const(tensorName(node.Outputs[0])+"_beta", model.Float32, []int64{}, []float32{beta})
		x = bc.b.Mul(x, scale)
	}
	return bc.Publish(node.Outputs[0], bc.b.Softmax(x, -1))
}
