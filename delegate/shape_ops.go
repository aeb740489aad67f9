package delegate

import (
	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/pkg/errors"
)

func init() {
	RegisterVisitor(interp.OpConcatenation, &visitor{
		numInputs:  anyCount,
		numOutputs: 1,
		check:      checkConcatenation,
		build:      buildConcatenation,
	})
	RegisterVisitor(interp.OpReshape, &visitor{
		numInputs:  anyCount,
		numOutputs: 1,
		masked:     []int{1},
		check:      checkReshape,
		build:      buildReshape,
	})
	RegisterVisitor(interp.OpMean, &visitor{
		numInputs:  2,
		numOutputs: 1,
		masked:     []int{1},
		check: func(c *CheckContext, node *interp.NodeDescriptor) error {
			_, err := meanAxes(c.g, node)
			return err
		},
		build: buildMean,
	})
	RegisterVisitor(interp.OpPad, &visitor{
		numInputs:  2,
		numOutputs: 1,
		masked:     []int{1},
		check: func(c *CheckContext, node *interp.NodeDescriptor) error {
			_, _, err := padAmounts(c.g, node)
			return err
		},
		build: buildPad,
	})
	RegisterVisitor(interp.OpSplit, &visitor{
		numInputs:  2,
		numOutputs: anyCount,
		masked:     []int{0},
		check: func(c *CheckContext, node *interp.NodeDescriptor) error {
			_, err := splitAxis(c.g, node)
			return err
		},
		build: buildSplit,
	})
	RegisterVisitor(interp.OpResizeBilinear, &visitor{
		numInputs:  2,
		numOutputs: 1,
		masked:     []int{1},
		check: func(c *CheckContext, node *interp.NodeDescriptor) error {
			_, _, _, err := resizeParams(c.g, node)
			return err
		},
		build: buildResizeBilinear,
	})
}

// Layout permutations between the interpreter's NHWC and the graph's NCHW.
var (
	nhwcToNCHW = []int64{0, 3, 1, 2}
	nchwToNHWC = []int64{0, 2, 3, 1}
)

func concatenationOptions(node *interp.NodeDescriptor) interp.ConcatenationOptions {
	if o, ok := node.Options.(*interp.ConcatenationOptions); ok && o != nil {
		return *o
	}
	return interp.ConcatenationOptions{}
}

func checkConcatenation(c *CheckContext, node *interp.NodeDescriptor) error {
	if len(node.Inputs) == 0 {
		return errors.New("concatenation without inputs")
	}
	out, err := c.Tensor(node.Outputs[0])
	if err != nil {
		return err
	}
	opts := concatenationOptions(node)
	if _, err := normalizeAxis(int64(opts.Axis), out.Shape.Rank()); err != nil {
		return err
	}
	for pos, index := range node.Inputs {
		if index < 0 {
			return errors.Errorf("input %d is absent", pos)
		}
		t, err := c.Tensor(index)
		if err != nil {
			return err
		}
		if t.Shape.Rank() != out.Shape.Rank() {
			return errors.Errorf("input %d has rank %d, output has rank %d", pos, t.Shape.Rank(), out.Shape.Rank())
		}
	}
	return checkActivation(opts.Activation)
}

func buildConcatenation(bc *BuildContext, node *interp.NodeDescriptor) error {
	values := make([]*model.Value, len(node.Inputs))
	for i, index := range node.Inputs {
		v, err := bc.Float(index)
		if err != nil {
			return err
		}
		values[i] = v
	}
	opts := concatenationOptions(node)
	z, err := applyActivation(bc.b, bc.b.Concat(values, int64(opts.Axis)), opts.Activation)
	if err != nil {
		return err
	}
	return bc.Publish(node.Outputs[0], z)
}

// checkReshape accepts the shape tensor as an optional second input; the
// target shape always comes from the output tensor.
func checkReshape(c *CheckContext, node *interp.NodeDescriptor) error {
	if n := len(node.Inputs); n != 1 && n != 2 {
		return errors.Errorf("expected 1 or 2 inputs, got %d", n)
	}
	x, err := c.Tensor(node.Inputs[0])
	if err != nil {
		return err
	}
	out, err := c.Tensor(node.Outputs[0])
	if err != nil {
		return err
	}
	if x.Shape.Size() != out.Shape.Size() {
		return errors.Errorf("cannot reshape %v into %v", x.Shape.Dimensions, out.Shape.Dimensions)
	}
	return nil
}

func buildReshape(bc *BuildContext, node *interp.NodeDescriptor) error {
	x, err := bc.Float(node.Inputs[0])
	if err != nil {
		return err
	}
	out, err := bc.Tensor(node.Outputs[0])
	if err != nil {
		return err
	}
	return bc.Publish(node.Outputs[0], bc.b.Reshape(x, dims(out)))
}

func meanAxes(g interp.Graph, node *interp.NodeDescriptor) ([]int64, error) {
	x, err := g.Tensor(node.Inputs[0])
	if err != nil {
		return nil, err
	}
	axesTensor, err := g.Tensor(node.Inputs[1])
	if err != nil {
		return nil, err
	}
	axes, err := constInts(axesTensor)
	if err != nil {
		return nil, err
	}
	if len(axes) == 0 {
		return nil, errors.New("mean over no axes")
	}
	seen := make(map[int]bool, len(axes))
	for i, a := range axes {
		axis, err := normalizeAxis(a, x.Shape.Rank())
		if err != nil {
			return nil, err
		}
		if seen[axis] {
			return nil, errors.Errorf("axis %d repeated", axis)
		}
		seen[axis] = true
		axes[i] = int64(axis)
	}
	return axes, nil
}

func buildMean(bc *BuildContext, node *interp.NodeDescriptor) error {
	axes, err := meanAxes(bc.g, node)
	if err != nil {
		return err
	}
	x, err := bc.Float(node.Inputs[0])
	if err != nil {
		return err
	}
	keepDims := false
	if o, ok := node.Options.(*interp.ReducerOptions); ok && o != nil {
		keepDims = o.KeepDims
	}
	return bc.Publish(node.Outputs[0], bc.b.ReduceMean(x, axes, keepDims))
}

// padAmounts reads the [rank, 2] paddings tensor.
func padAmounts(g interp.Graph, node *interp.NodeDescriptor) (before, after []int64, err error) {
	x, err := g.Tensor(node.Inputs[0])
	if err != nil {
		return nil, nil, err
	}
	paddings, err := g.Tensor(node.Inputs[1])
	if err != nil {
		return nil, nil, err
	}
	amounts, err := constInts(paddings)
	if err != nil {
		return nil, nil, err
	}
	rank := x.Shape.Rank()
	if len(amounts) != 2*rank {
		return nil, nil, errors.Errorf("%d paddings for rank %d", len(amounts), rank)
	}
	before = make([]int64, rank)
	after = make([]int64, rank)
	for i := 0; i < rank; i++ {
		before[i], after[i] = amounts[2*i], amounts[2*i+1]
		if before[i] < 0 || after[i] < 0 {
			return nil, nil, errors.Errorf("negative padding on axis %d", i)
		}
	}
	return before, after, nil
}

func buildPad(bc *BuildContext, node *interp.NodeDescriptor) error {
	before, after, err := padAmounts(bc.g, node)
	if err != nil {
		return err
	}
	x, err := bc.Float(node.Inputs[0])
	if err != nil {
		return err
	}
	return bc.Publish(node.Outputs[0], bc.b.Pad(x, before, after, 0))
}

// splitAxis reads the constant axis of SPLIT, whose inputs are (axis, x).
func splitAxis(g interp.Graph, node *interp.NodeDescriptor) (int, error) {
	axisTensor, err := g.Tensor(node.Inputs[0])
	if err != nil {
		return 0, err
	}
	vals, err := constInts(axisTensor)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, errors.Errorf("split axis has %d values", len(vals))
	}
	x, err := g.Tensor(node.Inputs[1])
	if err != nil {
		return 0, err
	}
	axis, err := normalizeAxis(vals[0], x.Shape.Rank())
	if err != nil {
		return 0, err
	}
	n := len(node.Outputs)
	if o, ok := node.Options.(*interp.SplitOptions); ok && o != nil && o.NumSplits != n {
		return 0, errors.Errorf("num_splits %d but %d outputs", o.NumSplits, n)
	}
	if n == 0 || x.Shape.Dimensions[axis]%n != 0 {
		return 0, errors.Errorf("cannot split dimension %d of size %d into %d parts", axis, x.Shape.Dimensions[axis], n)
	}
	return axis, nil
}

func buildSplit(bc *BuildContext, node *interp.NodeDescriptor) error {
	axis, err := splitAxis(bc.g, node)
	if err != nil {
		return err
	}
	x, err := bc.Float(node.Inputs[1])
	if err != nil {
		return err
	}
	parts := bc.b.Split(x, int64(axis), len(node.Outputs))
	if parts == nil {
		return bc.b.Err()
	}
	for i, index := range node.Outputs {
		if err := bc.Publish(index, parts[i]); err != nil {
			return err
		}
	}
	return nil
}

func resizeParams(g interp.Graph, node *interp.NodeDescriptor) (height, width int64, mode model.ResizeSamplingMode, err error) {
	x, err := g.Tensor(node.Inputs[0])
	if err != nil {
		return 0, 0, "", err
	}
	if x.Shape.Rank() != 4 {
		return 0, 0, "", errors.Errorf("resize of rank-%d input, want NHWC", x.Shape.Rank())
	}
	sizeTensor, err := g.Tensor(node.Inputs[1])
	if err != nil {
		return 0, 0, "", err
	}
	size, err := constInts(sizeTensor)
	if err != nil {
		return 0, 0, "", err
	}
	if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
		return 0, 0, "", errors.Errorf("invalid resize size %v", size)
	}
	mode = model.ResizeDefault
	if o, ok := node.Options.(*interp.ResizeBilinearOptions); ok && o != nil {
		switch {
		case o.AlignCorners && o.HalfPixelCenters:
			return 0, 0, "", errors.New("align_corners and half_pixel_centers are exclusive")
		case o.AlignCorners:
			mode = model.ResizeStrictAlignCorners
		case o.HalfPixelCenters:
			mode = model.ResizeUnalignCorners
		}
	}
	return size[0], size[1], mode, nil
}

func buildResizeBilinear(bc *BuildContext, node *interp.NodeDescriptor) error {
	height, width, mode, err := resizeParams(bc.g, node)
	if err != nil {
		return err
	}
	x, err := bc.Float(node.Inputs[0])
	if err != nil {
		return err
	}
	y := bc.b.ResizeBilinear(bc.b.Transpose(x, nhwcToNCHW), height, width, mode)
	return bc.Publish(node.Outputs[0], bc.b.Transpose(y, nchwToNHWC))
}
