package cpu

import (
	"math"

	"github.com/gomlx/go-coreml/proto/coreml/milspec"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/pkg/errors"
)

// opFunc evaluates one operation.
type opFunc func(a *opArgs) (*tensor, error)

var opTable = map[string]opFunc{
	"const":           nil, // pre-decoded at load time
	"identity":        evalIdentity,
	"add":             binaryOp(func(x, y float64) float64 { return x + y }),
	"sub":             binaryOp(func(x, y float64) float64 { return x - y }),
	"mul":             binaryOp(func(x, y float64) float64 { return x * y }),
	"real_div":        binaryOp(func(x, y float64) float64 { return x / y }),
	"maximum":         binaryOp(math.Max),
	"minimum":         binaryOp(math.Min),
	"relu":            unaryOp(func(x float64) float64 { return math.Max(x, 0) }),
	"tanh":            unaryOp(math.Tanh),
	"sigmoid":         unaryOp(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }),
	"softmax":         evalSoftmax,
	"reshape":         evalReshape,
	"transpose":       evalTranspose,
	"reduce_mean":     evalReduceMean,
	"pad":             evalPad,
	"slice_by_index":  evalSliceByIndex,
	"concat":          evalConcat,
	"conv":            evalConv,
	"conv_transpose":  evalConvTranspose,
	"resize_bilinear": evalResizeBilinear,
	"cast":            evalCast,
	"quantize":        evalQuantize,
	"dequantize":      evalDequantize,
}

// opArgs resolves the arguments of one operation against the current environment.
type opArgs struct {
	op  *milspec.Operation
	env map[string]*tensor
}

func (a *opArgs) has(name string) bool {
	return len(a.op.GetInputs()[name].GetArguments()) > 0
}

func (a *opArgs) resolve(binding *milspec.Argument_Binding) (*tensor, error) {
	if name := binding.GetName(); name != "" {
		t, ok := a.env[name]
		if !ok {
			return nil, errors.Errorf("undefined value %q", name)
		}
		return t, nil
	}
	if v := binding.GetValue(); v != nil {
		return decodeValue(v)
	}
	return nil, errors.New("empty argument binding")
}

func (a *opArgs) tensor(name string) (*tensor, error) {
	args := a.op.GetInputs()[name].GetArguments()
	if len(args) != 1 {
		return nil, errors.Errorf("argument %q: want exactly one binding, got %d", name, len(args))
	}
	t, err := a.resolve(args[0])
	return t, errors.WithMessagef(err, "argument %q", name)
}

func (a *opArgs) list(name string) ([]*tensor, error) {
	args := a.op.GetInputs()[name].GetArguments()
	out := make([]*tensor, len(args))
	for i, b := range args {
		t, err := a.resolve(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "argument %q[%d]", name, i)
		}
		out[i] = t
	}
	return out, nil
}

func (a *opArgs) ints(name string) ([]int64, error) {
	t, err := a.tensor(name)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(t.data))
	for i, v := range t.data {
		out[i] = int64(v)
	}
	return out, nil
}

func (a *opArgs) scalar(name string) (float64, error) {
	t, err := a.tensor(name)
	if err != nil {
		return 0, err
	}
	if len(t.data) != 1 {
		return 0, errors.Errorf("argument %q: want a scalar, got %d elements", name, len(t.data))
	}
	return t.data[0], nil
}

func (a *opArgs) str(name string) (string, error) {
	t, err := a.tensor(name)
	if err != nil {
		return "", err
	}
	if len(t.strs) != 1 {
		return "", errors.Errorf("argument %q: want a string", name)
	}
	return t.strs[0], nil
}

// strOr returns the string argument name, or def if the operation does not set it.
func (a *opArgs) strOr(name, def string) (string, error) {
	if !a.has(name) {
		return def, nil
	}
	return a.str(name)
}

// declared returns the output type the builder recorded for the operation.
func (a *opArgs) declared() (model.DType, []int64) {
	tt := a.op.GetOutputs()[0].GetType().GetTensorType()
	shape := make([]int64, len(tt.GetDimensions()))
	for i, d := range tt.GetDimensions() {
		shape[i] = int64(d.GetConstant().GetSize())
	}
	return tt.GetDataType(), shape
}

func normalizeAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return int(axis), nil
}

func evalIdentity(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	out := &tensor{dtype: x.dtype, shape: x.shape, data: append([]float64(nil), x.data...), strs: x.strs}
	return out, nil
}

func unaryOp(f func(float64) float64) opFunc {
	return func(a *opArgs) (*tensor, error) {
		x, err := a.tensor("x")
		if err != nil {
			return nil, err
		}
		out := newTensor(x.dtype, x.shape)
		for i, v := range x.data {
			out.data[i] = f(v)
		}
		return out.round(), nil
	}
}

func binaryOp(f func(x, y float64) float64) opFunc {
	return func(a *opArgs) (*tensor, error) {
		x, err := a.tensor("x")
		if err != nil {
			return nil, err
		}
		y, err := a.tensor("y")
		if err != nil {
			return nil, err
		}
		shape, err := broadcastShapes(x.shape, y.shape)
		if err != nil {
			return nil, err
		}
		out := newTensor(x.dtype, shape)
		xs, ys := broadcastStrides(x.shape, shape), broadcastStrides(y.shape, shape)
		idx := make([]int64, len(shape))
		for i := range out.data {
			var xo, yo int64
			for d := range shape {
				xo += idx[d] * xs[d]
				yo += idx[d] * ys[d]
			}
			out.data[i] = f(x.data[xo], y.data[yo])
			nextIndex(idx, shape)
		}
		return out.round(), nil
	}
}

func evalSoftmax(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	axisArg := -1.0
	if a.has("axis") {
		if axisArg, err = a.scalar("axis"); err != nil {
			return nil, err
		}
	}
	axis, err := normalizeAxis(int64(axisArg), len(x.shape))
	if err != nil {
		return nil, err
	}
	out := newTensor(x.dtype, x.shape)
	n := x.shape[axis]
	inner := strides(x.shape)[axis]
	outer := numElements(x.shape) / (n * inner)
	for o := int64(0); o < outer; o++ {
		for in := int64(0); in < inner; in++ {
			base := o*n*inner + in
			maxV := math.Inf(-1)
			for k := int64(0); k < n; k++ {
				maxV = math.Max(maxV, x.data[base+k*inner])
			}
			sum := 0.0
			for k := int64(0); k < n; k++ {
				e := math.Exp(x.data[base+k*inner] - maxV)
				out.data[base+k*inner] = e
				sum += e
			}
			for k := int64(0); k < n; k++ {
				out.data[base+k*inner] /= sum
			}
		}
	}
	return out.round(), nil
}

func evalReshape(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	shape, err := a.ints("shape")
	if err != nil {
		return nil, err
	}
	if numElements(shape) != int64(len(x.data)) {
		return nil, errors.Errorf("cannot reshape %v into %v", x.shape, shape)
	}
	return &tensor{dtype: x.dtype, shape: shape, data: x.data}, nil
}

func evalTranspose(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	perm, err := a.ints("perm")
	if err != nil {
		return nil, err
	}
	if len(perm) != len(x.shape) {
		return nil, errors.Errorf("permutation %v does not match rank %d", perm, len(x.shape))
	}
	shape := make([]int64, len(perm))
	for i, p := range perm {
		shape[i] = x.shape[p]
	}
	src := strides(x.shape)
	out := newTensor(x.dtype, shape)
	idx := make([]int64, len(shape))
	for i := range out.data {
		var off int64
		for d, p := range perm {
			off += idx[d] * src[p]
		}
		out.data[i] = x.data[off]
		nextIndex(idx, shape)
	}
	return out, nil
}

func evalReduceMean(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	axes, err := a.ints("axes")
	if err != nil {
		return nil, err
	}
	keep := 0.0
	if a.has("keep_dims") {
		if keep, err = a.scalar("keep_dims"); err != nil {
			return nil, err
		}
	}
	reduced := make([]bool, len(x.shape))
	for _, ax := range axes {
		d, err := normalizeAxis(ax, len(x.shape))
		if err != nil {
			return nil, err
		}
		reduced[d] = true
	}
	// Accumulate into the keep-dims shape, then drop reduced axes if asked.
	kept := make([]int64, len(x.shape))
	count := int64(1)
	for d, n := range x.shape {
		if reduced[d] {
			kept[d] = 1
			count *= n
		} else {
			kept[d] = n
		}
	}
	out := newTensor(x.dtype, kept)
	dst := broadcastStrides(kept, x.shape)
	idx := make([]int64, len(x.shape))
	for _, v := range x.data {
		var off int64
		for d := range idx {
			off += idx[d] * dst[d]
		}
		out.data[off] += v
		nextIndex(idx, x.shape)
	}
	for i := range out.data {
		out.data[i] /= float64(count)
	}
	if keep == 0 {
		var shape []int64
		for d, n := range kept {
			if !reduced[d] {
				shape = append(shape, n)
			}
		}
		out.shape = shape
	}
	return out.round(), nil
}

func evalPad(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	pad, err := a.ints("pad")
	if err != nil {
		return nil, err
	}
	if len(pad) != 2*len(x.shape) {
		return nil, errors.Errorf("pad has %d entries, want %d", len(pad), 2*len(x.shape))
	}
	constant := 0.0
	if a.has("constant_val") {
		if constant, err = a.scalar("constant_val"); err != nil {
			return nil, err
		}
	}
	shape := make([]int64, len(x.shape))
	for d := range shape {
		shape[d] = x.shape[d] + pad[2*d] + pad[2*d+1]
	}
	out := newTensor(x.dtype, shape)
	for i := range out.data {
		out.data[i] = constant
	}
	dst := strides(shape)
	idx := make([]int64, len(x.shape))
	for _, v := range x.data {
		var off int64
		for d := range idx {
			off += (idx[d] + pad[2*d]) * dst[d]
		}
		out.data[off] = v
		nextIndex(idx, x.shape)
	}
	return out.round(), nil
}

func evalSliceByIndex(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	begin, err := a.ints("begin")
	if err != nil {
		return nil, err
	}
	end, err := a.ints("end")
	if err != nil {
		return nil, err
	}
	stride := make([]int64, len(x.shape))
	for i := range stride {
		stride[i] = 1
	}
	if a.has("stride") {
		if stride, err = a.ints("stride"); err != nil {
			return nil, err
		}
	}
	if len(begin) != len(x.shape) || len(end) != len(x.shape) || len(stride) != len(x.shape) {
		return nil, errors.Errorf("slice bounds do not match rank %d", len(x.shape))
	}
	shape := make([]int64, len(x.shape))
	for d := range shape {
		if begin[d] < 0 {
			begin[d] += x.shape[d]
		}
		if end[d] < 0 {
			end[d] += x.shape[d]
		}
		if stride[d] <= 0 || begin[d] < 0 || end[d] > x.shape[d] || begin[d] > end[d] {
			return nil, errors.Errorf("invalid slice [%d:%d:%d] of axis %d with size %d", begin[d], end[d], stride[d], d, x.shape[d])
		}
		shape[d] = (end[d] - begin[d] + stride[d] - 1) / stride[d]
	}
	src := strides(x.shape)
	out := newTensor(x.dtype, shape)
	idx := make([]int64, len(shape))
	for i := range out.data {
		var off int64
		for d := range idx {
			off += (begin[d] + idx[d]*stride[d]) * src[d]
		}
		out.data[i] = x.data[off]
		nextIndex(idx, shape)
	}
	return out, nil
}

func evalConcat(a *opArgs) (*tensor, error) {
	values, err := a.list("values")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("concat of no values")
	}
	axisArg, err := a.scalar("axis")
	if err != nil {
		return nil, err
	}
	first := values[0]
	axis, err := normalizeAxis(int64(axisArg), len(first.shape))
	if err != nil {
		return nil, err
	}
	shape := append([]int64(nil), first.shape...)
	shape[axis] = 0
	for _, v := range values {
		if len(v.shape) != len(first.shape) {
			return nil, errors.Errorf("concat of ranks %d and %d", len(first.shape), len(v.shape))
		}
		for d := range v.shape {
			if d != axis && v.shape[d] != first.shape[d] {
				return nil, errors.Errorf("concat of shapes %v and %v on axis %d", first.shape, v.shape, axis)
			}
		}
		shape[axis] += v.shape[axis]
	}
	out := newTensor(first.dtype, shape)
	inner := strides(shape)[axis]
	outer := numElements(shape[:axis])
	pos := 0
	for o := int64(0); o < outer; o++ {
		for _, v := range values {
			chunk := v.shape[axis] * inner
			copy(out.data[pos:], v.data[o*chunk:(o+1)*chunk])
			pos += int(chunk)
		}
	}
	return out, nil
}

// convParams reads the parameters shared by conv and conv_transpose.
func convParams(a *opArgs) (strideHW, dilationHW []int64, padType string, err error) {
	strideHW, dilationHW = []int64{1, 1}, []int64{1, 1}
	if a.has("strides") {
		if strideHW, err = a.ints("strides"); err != nil {
			return
		}
	}
	if a.has("dilations") {
		if dilationHW, err = a.ints("dilations"); err != nil {
			return
		}
	}
	if padType, err = a.strOr("pad_type", "valid"); err != nil {
		return
	}
	if len(strideHW) != 2 || len(dilationHW) != 2 {
		err = errors.Errorf("want 2 strides and 2 dilations, got %v and %v", strideHW, dilationHW)
		return
	}
	if a.has("groups") {
		var groups float64
		if groups, err = a.scalar("groups"); err != nil {
			return
		}
		if groups != 1 {
			err = errors.Errorf("grouped convolution (groups=%v) is not supported", groups)
		}
	}
	return
}

func evalConv(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	w, err := a.tensor("weight")
	if err != nil {
		return nil, err
	}
	if len(x.shape) != 4 || len(w.shape) != 4 || w.shape[1] != x.shape[1] {
		return nil, errors.Errorf("conv of input %v with weight %v", x.shape, w.shape)
	}
	s, dl, padType, err := convParams(a)
	if err != nil {
		return nil, err
	}
	N, C, H, W := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	O, KH, KW := w.shape[0], w.shape[2], w.shape[3]
	effH, effW := dl[0]*(KH-1)+1, dl[1]*(KW-1)+1

	var outH, outW, top, left int64
	switch padType {
	case "valid":
		outH, outW = (H-effH)/s[0]+1, (W-effW)/s[1]+1
	case "same":
		outH, outW = (H+s[0]-1)/s[0], (W+s[1]-1)/s[1]
		top = max((outH-1)*s[0]+effH-H, 0) / 2
		left = max((outW-1)*s[1]+effW-W, 0) / 2
	case "custom":
		pad, err := a.ints("pad")
		if err != nil {
			return nil, err
		}
		if len(pad) != 4 {
			return nil, errors.Errorf("custom pad has %d entries, want 4", len(pad))
		}
		top, left = pad[0], pad[2]
		outH = (H+pad[0]+pad[1]-effH)/s[0] + 1
		outW = (W+pad[2]+pad[3]-effW)/s[1] + 1
	default:
		return nil, errors.Errorf("unknown pad_type %q", padType)
	}

	out := newTensor(x.dtype, []int64{N, O, outH, outW})
	i := 0
	for n := int64(0); n < N; n++ {
		for o := int64(0); o < O; o++ {
			for oh := int64(0); oh < outH; oh++ {
				for ow := int64(0); ow < outW; ow++ {
					sum := 0.0
					for c := int64(0); c < C; c++ {
						for kh := int64(0); kh < KH; kh++ {
							ih := oh*s[0] - top + kh*dl[0]
							if ih < 0 || ih >= H {
								continue
							}
							for kw := int64(0); kw < KW; kw++ {
								iw := ow*s[1] - left + kw*dl[1]
								if iw < 0 || iw >= W {
									continue
								}
								sum += x.data[((n*C+c)*H+ih)*W+iw] * w.data[((o*C+c)*KH+kh)*KW+kw]
							}
						}
					}
					out.data[i] = sum
					i++
				}
			}
		}
	}
	return out.round(), nil
}

func evalConvTranspose(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	w, err := a.tensor("weight")
	if err != nil {
		return nil, err
	}
	if len(x.shape) != 4 || len(w.shape) != 4 || w.shape[0] != x.shape[1] {
		return nil, errors.Errorf("conv_transpose of input %v with weight %v", x.shape, w.shape)
	}
	s, _, padType, err := convParams(a)
	if err != nil {
		return nil, err
	}
	_, outShape := a.declared()
	if a.has("output_shape") {
		if outShape, err = a.ints("output_shape"); err != nil {
			return nil, err
		}
	}
	N, C, H, W := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	O, KH, KW := w.shape[1], w.shape[2], w.shape[3]
	if len(outShape) != 4 || outShape[0] != N || outShape[1] != O {
		return nil, errors.Errorf("conv_transpose output shape %v does not fit input %v and weight %v", outShape, x.shape, w.shape)
	}
	outH, outW := outShape[2], outShape[3]

	var top, left int64
	switch padType {
	case "valid":
	case "same":
		top = max((H-1)*s[0]+KH-outH, 0) / 2
		left = max((W-1)*s[1]+KW-outW, 0) / 2
	default:
		return nil, errors.Errorf("unsupported pad_type %q", padType)
	}

	out := newTensor(x.dtype, outShape)
	for n := int64(0); n < N; n++ {
		for c := int64(0); c < C; c++ {
			for ih := int64(0); ih < H; ih++ {
				for iw := int64(0); iw < W; iw++ {
					v := x.data[((n*C+c)*H+ih)*W+iw]
					for o := int64(0); o < O; o++ {
						for kh := int64(0); kh < KH; kh++ {
							oh := ih*s[0] - top + kh
							if oh < 0 || oh >= outH {
								continue
							}
							for kw := int64(0); kw < KW; kw++ {
								ow := iw*s[1] - left + kw
								if ow < 0 || ow >= outW {
									continue
								}
								out.data[((n*O+o)*outH+oh)*outW+ow] += v * w.data[((c*O+o)*KH+kh)*KW+kw]
							}
						}
					}
				}
			}
		}
	}
	return out.round(), nil
}

// sourceCoord maps an output pixel to a fractional input coordinate.
func sourceCoord(dst, in, out int64, mode string) float64 {
	switch mode {
	case string(model.ResizeStrictAlignCorners):
		if out <= 1 {
			return 0
		}
		return float64(dst) * float64(in-1) / float64(out-1)
	case string(model.ResizeUnalignCorners):
		return math.Max((float64(dst)+0.5)*float64(in)/float64(out)-0.5, 0)
	}
	return float64(dst) * float64(in) / float64(out)
}

func evalResizeBilinear(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	if len(x.shape) != 4 {
		return nil, errors.Errorf("resize_bilinear of rank-%d input", len(x.shape))
	}
	th, err := a.scalar("target_size_height")
	if err != nil {
		return nil, err
	}
	tw, err := a.scalar("target_size_width")
	if err != nil {
		return nil, err
	}
	mode, err := a.strOr("sampling_mode", string(model.ResizeDefault))
	if err != nil {
		return nil, err
	}
	N, C, H, W := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	outH, outW := int64(th), int64(tw)
	out := newTensor(x.dtype, []int64{N, C, outH, outW})
	i := 0
	for nc := int64(0); nc < N*C; nc++ {
		plane := x.data[nc*H*W : (nc+1)*H*W]
		for oh := int64(0); oh < outH; oh++ {
			fy := sourceCoord(oh, H, outH, mode)
			y0 := min(int64(math.Floor(fy)), H-1)
			y1 := min(y0+1, H-1)
			dy := fy - float64(y0)
			for ow := int64(0); ow < outW; ow++ {
				fx := sourceCoord(ow, W, outW, mode)
				x0 := min(int64(math.Floor(fx)), W-1)
				x1 := min(x0+1, W-1)
				dx := fx - float64(x0)
				top := plane[y0*W+x0]*(1-dx) + plane[y0*W+x1]*dx
				bottom := plane[y1*W+x0]*(1-dx) + plane[y1*W+x1]*dx
				out.data[i] = top*(1-dy) + bottom*dy
				i++
			}
		}
	}
	return out.round(), nil
}

func evalCast(a *opArgs) (*tensor, error) {
	x, err := a.tensor("x")
	if err != nil {
		return nil, err
	}
	name, err := a.str("dtype")
	if err != nil {
		return nil, err
	}
	dtype, ok := model.ParseDTypeName(name)
	if !ok {
		return nil, errors.Errorf("unknown cast dtype %q", name)
	}
	out := &tensor{dtype: dtype, shape: x.shape, data: append([]float64(nil), x.data...)}
	return out.round(), nil
}

func quantParams(a *opArgs) (scale, zeroPoint float64, err error) {
	if scale, err = a.scalar("scale"); err != nil {
		return
	}
	if a.has("zero_point") {
		zeroPoint, err = a.scalar("zero_point")
	}
	return
}

func evalQuantize(a *opArgs) (*tensor, error) {
	x, err := a.tensor("input")
	if err != nil {
		return nil, err
	}
	scale, zeroPoint, err := quantParams(a)
	if err != nil {
		return nil, err
	}
	name, err := a.str("output_dtype")
	if err != nil {
		return nil, err
	}
	dtype, ok := model.ParseDTypeName(name)
	if !ok || (dtype != model.Int8 && dtype != model.UInt8) {
		return nil, errors.Errorf("unsupported quantize output dtype %q", name)
	}
	out := newTensor(dtype, x.shape)
	for i, v := range x.data {
		out.data[i] = math.Round(v/scale) + zeroPoint
	}
	return out.round(), nil
}

func evalDequantize(a *opArgs) (*tensor, error) {
	q, err := a.tensor("input")
	if err != nil {
		return nil, err
	}
	scale, zeroPoint, err := quantParams(a)
	if err != nil {
		return nil, err
	}
	out := newTensor(model.Float32, q.shape)
	for i, v := range q.data {
		out.data[i] = (v - zeroPoint) * scale
	}
	return out.round(), nil
}
