package delegate

import (
	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/pkg/errors"
)

func init() {
	RegisterVisitor(interp.OpConv2D, &visitor{
		numInputs:  anyCount,
		numOutputs: 1,
		check:      checkConv2D,
		build:      buildConv2D,
	})
	RegisterVisitor(interp.OpTransposeConv, &visitor{
		numInputs:  anyCount,
		numOutputs: 1,
		masked:     []int{0},
		check:      checkTransposeConv,
		build:      buildTransposeConv,
	})
}

// Filter permutations from the interpreter's OHWI layout.
var (
	ohwiToOIHW = []int64{0, 3, 1, 2}
	ohwiToIOHW = []int64{3, 0, 1, 2}
)

func convPadType(p interp.Padding) model.ConvPadType {
	if p == interp.PaddingValid {
		return model.ConvPadValid
	}
	return model.ConvPadSame
}

func orOne(v int) int64 {
	if v <= 0 {
		return 1
	}
	return int64(v)
}

// checkBias accepts an absent bias or a vector with one entry per output channel.
func checkBias(c *CheckContext, node *interp.NodeDescriptor, pos, channels int) error {
	index := node.Input(pos)
	if index < 0 {
		return nil
	}
	bias, err := c.Tensor(index)
	if err != nil {
		return err
	}
	if bias.Shape.Rank() != 1 || bias.Shape.Dimensions[0] != channels {
		return errors.Errorf("bias shape %v, want [%d]", bias.Shape.Dimensions, channels)
	}
	return nil
}

// addBias adds the optional bias at input pos to an NCHW value.
func addBias(bc *BuildContext, node *interp.NodeDescriptor, pos int, y *model.Value) (*model.Value, error) {
	index := node.Input(pos)
	if index < 0 {
		return y, nil
	}
	bias, err := bc.Float(index)
	if err != nil {
		return nil, err
	}
	return bc.b.BiasAddNCHW(y, bias), nil
}

func checkConv2D(c *CheckContext, node *interp.NodeDescriptor) error {
	if n := len(node.Inputs); n != 2 && n != 3 {
		return errors.Errorf("expected 2 or 3 inputs, got %d", n)
	}
	opts, ok := node.Options.(*interp.Conv2DOptions)
	if !ok || opts == nil {
		return errors.New("missing conv options")
	}
	x, err := c.Tensor(node.Inputs[0])
	if err != nil {
		return err
	}
	w, err := c.Tensor(node.Inputs[1])
	if err != nil {
		return err
	}
	if x.Shape.Rank() != 4 || w.Shape.Rank() != 4 {
		return errors.Errorf("conv of %v with filter %v, want rank 4", x.Shape.Dimensions, w.Shape.Dimensions)
	}
	if w.Shape.Dimensions[3] != x.Shape.Dimensions[3] {
		return errors.Errorf("filter has %d input channels, input has %d", w.Shape.Dimensions[3], x.Shape.Dimensions[3])
	}
	if err := checkBias(c, node, 2, w.Shape.Dimensions[0]); err != nil {
		return err
	}
	return checkActivation(opts.Activation)
}

func buildConv2D(bc *BuildContext, node *interp.NodeDescriptor) error {
	opts := node.Options.(*interp.Conv2DOptions)
	x, err := bc.Float(node.Inputs[0])
	if err != nil {
		return err
	}
	w, err := bc.Float(node.Inputs[1])
	if err != nil {
		return err
	}
	b := bc.b
	strides := []int64{orOne(opts.StrideH), orOne(opts.StrideW)}
	dilations := []int64{orOne(opts.DilationH), orOne(opts.DilationW)}
	y := b.Conv(b.Transpose(x, nhwcToNCHW), b.Transpose(w, ohwiToOIHW), strides, dilations, convPadType(opts.Padding), nil, nil, 1)
	if y, err = addBias(bc, node, 2, y); err != nil {
		return err
	}
	z, err := applyActivation(b, b.Transpose(y, nchwToNHWC), opts.Activation)
	if err != nil {
		return err
	}
	return bc.Publish(node.Outputs[0], z)
}

// TRANSPOSE_CONV inputs are (output_shape, weights, input, bias).
func checkTransposeConv(c *CheckContext, node *interp.NodeDescriptor) error {
	if n := len(node.Inputs); n != 3 && n != 4 {
		return errors.Errorf("expected 3 or 4 inputs, got %d", n)
	}
	opts, ok := node.Options.(*interp.TransposeConvOptions)
	if !ok || opts == nil {
		return errors.New("missing transpose conv options")
	}
	w, err := c.Tensor(node.Inputs[1])
	if err != nil {
		return err
	}
	x, err := c.Tensor(node.Inputs[2])
	if err != nil {
		return err
	}
	out, err := c.Tensor(node.Outputs[0])
	if err != nil {
		return err
	}
	if x.Shape.Rank() != 4 || w.Shape.Rank() != 4 || out.Shape.Rank() != 4 {
		return errors.Errorf("transpose conv of %v with filter %v into %v, want rank 4",
			x.Shape.Dimensions, w.Shape.Dimensions, out.Shape.Dimensions)
	}
	if w.Shape.Dimensions[3] != x.Shape.Dimensions[3] || w.Shape.Dimensions[0] != out.Shape.Dimensions[3] {
		return errors.Errorf("filter %v does not map %v to %v", w.Shape.Dimensions, x.Shape.Dimensions, out.Shape.Dimensions)
	}
	if shapeTensor, err := c.Tensor(node.Inputs[0]); err == nil && shapeTensor.IsConstant() {
		declared, err := constInts(shapeTensor)
		if err != nil {
			return err
		}
		for i, d := range out.Shape.Dimensions {
			if i >= len(declared) || declared[i] != int64(d) {
				return errors.Errorf("output_shape %v does not match output %v", declared, out.Shape.Dimensions)
			}
		}
	}
	if err := checkBias(c, node, 3, w.Shape.Dimensions[0]); err != nil {
		return err
	}
	return checkActivation(opts.Activation)
}

func buildTransposeConv(bc *BuildContext, node *interp.NodeDescriptor) error {
	opts := node.Options.(*interp.TransposeConvOptions)
	w, err := bc.Float(node.Inputs[1])
	if err != nil {
		return err
	}
	x, err := bc.Float(node.Inputs[2])
	if err != nil {
		return err
	}
	out, err := bc.Tensor(node.Outputs[0])
	if err != nil {
		return err
	}
	d := dims(out)
	b := bc.b
	strides := []int64{orOne(opts.StrideH), orOne(opts.StrideW)}
	y := b.ConvTranspose(b.Transpose(x, nhwcToNCHW), b.Transpose(w, ohwiToIOHW), strides,
		convPadType(opts.Padding), []int64{d[0], d[3], d[1], d[2]})
	if y, err = addBias(bc, node, 3, y); err != nil {
		return err
	}
	z, err := applyActivation(b, b.Transpose(y, nchwToNHWC), opts.Activation)
	if err != nil {
		return err
	}
	return bc.Publish(node.Outputs[0], z)
}
