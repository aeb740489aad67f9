package model

import "fmt"

// This file contains MIL operation builders.
// MIL operations are documented at:
// https://apple.github.io/coremltools/docs-guides/source/ops-reference.html

// ConvPadType represents convolution padding type.
type ConvPadType int

const (
	// ConvPadValid means no padding (only valid positions).
	ConvPadValid ConvPadType = iota
	// ConvPadSame means output size equals input size divided by the stride, rounded up.
	ConvPadSame
	// ConvPadCustom means custom padding specified by padBefore and padAfter.
	ConvPadCustom
)

// ResizeSamplingMode selects how output pixel centers map to input coordinates
// in ResizeBilinear.
type ResizeSamplingMode string

const (
	// ResizeDefault maps output index i to input coordinate i*in/out.
	ResizeDefault ResizeSamplingMode = "DEFAULT"
	// ResizeStrictAlignCorners aligns the corner pixels of input and output.
	ResizeStrictAlignCorners ResizeSamplingMode = "STRICT_ALIGN_CORNERS"
	// ResizeUnalignCorners uses half-pixel centers.
	ResizeUnalignCorners ResizeSamplingMode = "UNALIGN_CORNERS"
)

// Add performs element-wise addition: z = x + y.
func (b *Builder) Add(x, y *Value) *Value {
	return b.binary("add", "add", x, y)
}

// Sub performs element-wise subtraction: z = x - y.
func (b *Builder) Sub(x, y *Value) *Value {
	return b.binary("sub", "sub", x, y)
}

// Mul performs element-wise multiplication: z = x * y.
func (b *Builder) Mul(x, y *Value) *Value {
	return b.binary("mul", "mul", x, y)
}

// Div performs element-wise division: z = x / y.
func (b *Builder) Div(x, y *Value) *Value {
	return b.binary("real_div", "div", x, y)
}

// Maximum computes element-wise maximum: z = max(x, y).
func (b *Builder) Maximum(x, y *Value) *Value {
	return b.binary("maximum", "maximum", x, y)
}

// Minimum computes element-wise minimum: z = min(x, y).
func (b *Builder) Minimum(x, y *Value) *Value {
	return b.binary("minimum", "minimum", x, y)
}

func (b *Builder) binary(opType, prefix string, x, y *Value) *Value {
	outShape, ok := broadcastShape(x.shape, y.shape)
	if !ok {
		b.setErr(fmt.Errorf("%s: shapes %v and %v are not broadcastable", opType, x.shape, y.shape))
	}
	return b.addOp(opType, map[string]*Value{
		"x": x,
		"y": y,
	}, b.genName(prefix), x.dtype, outShape)
}

// Relu applies rectified linear unit: z = max(x, 0).
func (b *Builder) Relu(x *Value) *Value {
	return b.addOp("relu", map[string]*Value{
		"x": x,
	}, b.genName("relu"), x.dtype, x.shape)
}

// Sigmoid applies sigmoid activation: z = 1 / (1 + exp(-x)).
func (b *Builder) Sigmoid(x *Value) *Value {
	return b.addOp("sigmoid", map[string]*Value{
		"x": x,
	}, b.genName("sigmoid"), x.dtype, x.shape)
}

// Tanh applies hyperbolic tangent: z = tanh(x).
func (b *Builder) Tanh(x *Value) *Value {
	return b.addOp("tanh", map[string]*Value{
		"x": x,
	}, b.genName("tanh"), x.dtype, x.shape)
}

// Softmax applies softmax along the specified axis.
func (b *Builder) Softmax(x *Value, axis int) *Value {
	axisVal := b.Const(b.genName("axis"), Int32, []int64{}, []int32{int32(axis)})
	return b.addOp("softmax", map[string]*Value{
		"x":    x,
		"axis": axisVal,
	}, b.genName("softmax"), x.dtype, x.shape)
}

// Clip clamps values to the range [minVal, maxVal].
// Implementation: clamp(x, min, max) = minimum(maximum(x, min), max)
func (b *Builder) Clip(x *Value, minVal, maxVal float32) *Value {
	lo := b.Const(b.genName("clip_min"), x.dtype, []int64{}, []float32{minVal})
	hi := b.Const(b.genName("clip_max"), x.dtype, []int64{}, []float32{maxVal})
	return b.Minimum(b.Maximum(x, lo), hi)
}

// Reshape changes the shape of a tensor. The number of elements must not change.
func (b *Builder) Reshape(x *Value, shape []int64) *Value {
	if numElements(shape) != numElements(x.shape) {
		b.setErr(fmt.Errorf("reshape: cannot reshape %v into %v", x.shape, shape))
	}
	shapeVal := b.Const(b.genName("shape"), Int32, []int64{int64(len(shape))}, toInt32Slice(shape))
	return b.addOp("reshape", map[string]*Value{
		"x":     x,
		"shape": shapeVal,
	}, b.genName("reshape"), x.dtype, shape)
}

// Transpose permutes the dimensions of a tensor.
func (b *Builder) Transpose(x *Value, perm []int64) *Value {
	if len(perm) != len(x.shape) {
		b.setErr(fmt.Errorf("transpose: permutation %v does not match rank %d", perm, len(x.shape)))
		return b.Identity(b.genName("transpose"), x)
	}
	permVal := b.Const(b.genName("perm"), Int32, []int64{int64(len(perm))}, toInt32Slice(perm))

	outShape := make([]int64, len(perm))
	for i, p := range perm {
		outShape[i] = x.shape[p]
	}

	return b.addOp("transpose", map[string]*Value{
		"x":    x,
		"perm": permVal,
	}, b.genName("transpose"), x.dtype, outShape)
}

// ReduceMean computes mean along specified axes.
func (b *Builder) ReduceMean(x *Value, axes []int64, keepDims bool) *Value {
	axesVal := b.Const(b.genName("axes"), Int32, []int64{int64(len(axes))}, toInt32Slice(axes))
	keepVal := b.Const(b.genName("keep"), Bool, []int64{}, []bool{keepDims})

	outShape := computeReduceShape(x.shape, axes, keepDims)

	return b.addOp("reduce_mean", map[string]*Value{
		"x":         x,
		"axes":      axesVal,
		"keep_dims": keepVal,
	}, b.genName("reduce_mean"), x.dtype, outShape)
}

// SliceByIndex extracts a sub-tensor using start/end indices along each axis.
// begin: starting indices for each dimension (inclusive)
// end: ending indices for each dimension (exclusive)
// strides: step size for each dimension (nil or empty defaults to 1)
func (b *Builder) SliceByIndex(x *Value, begin, end, strides []int64) *Value {
	if len(strides) == 0 {
		strides = make([]int64, len(begin))
		for i := range strides {
			strides[i] = 1
		}
	}

	outShape := make([]int64, len(x.shape))
	for i := range outShape {
		start := begin[i]
		stop := end[i]
		stride := strides[i]
		if stride == 0 {
			stride = 1
		}
		if start < 0 {
			start = x.shape[i] + start
		}
		if stop < 0 {
			stop = x.shape[i] + stop
		}
		outShape[i] = (stop - start + stride - 1) / stride
	}

	beginVal := b.Const(b.genName("begin"), Int32, []int64{int64(len(begin))}, toInt32Slice(begin))
	endVal := b.Const(b.genName("end"), Int32, []int64{int64(len(end))}, toInt32Slice(end))
	stridesVal := b.Const(b.genName("strides"), Int32, []int64{int64(len(strides))}, toInt32Slice(strides))

	return b.addOp("slice_by_index", map[string]*Value{
		"x":      x,
		"begin":  beginVal,
		"end":    endVal,
		"stride": stridesVal,
	}, b.genName("slice"), x.dtype, outShape)
}

// Split cuts x into numSplits equal slices along axis.
func (b *Builder) Split(x *Value, axis int64, numSplits int) []*Value {
	rank := int64(len(x.shape))
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank || numSplits <= 0 || x.shape[axis]%int64(numSplits) != 0 {
		b.setErr(fmt.Errorf("split: cannot split %v into %d parts along axis %d", x.shape, numSplits, axis))
		return nil
	}
	step := x.shape[axis] / int64(numSplits)
	parts := make([]*Value, numSplits)
	for i := range parts {
		begin := make([]int64, rank)
		end := append([]int64(nil), x.shape...)
		begin[axis] = int64(i) * step
		end[axis] = int64(i+1) * step
		parts[i] = b.SliceByIndex(x, begin, end, nil)
	}
	return parts
}

// Pad adds constant padding to a tensor.
// padBefore: number of values to pad before each dimension
// padAfter: number of values to pad after each dimension
// Output shape: [x.shape[i] + padBefore[i] + padAfter[i] for i in range(rank)]
func (b *Builder) Pad(x *Value, padBefore, padAfter []int64, constantValue float32) *Value {
	outShape := make([]int64, len(x.shape))
	for i := range outShape {
		outShape[i] = x.shape[i] + padBefore[i] + padAfter[i]
	}

	// Pad specification: [before_0, after_0, before_1, after_1, ...]
	padSpec := make([]int32, 2*len(padBefore))
	for i := range padBefore {
		padSpec[2*i] = int32(padBefore[i])
		padSpec[2*i+1] = int32(padAfter[i])
	}
	padVal := b.Const(b.genName("pad"), Int32, []int64{int64(len(padSpec))}, padSpec)
	modeVal := b.Const(b.genName("mode"), String, []int64{}, "constant")
	constVal := b.Const(b.genName("constant_val"), Float32, []int64{}, []float32{constantValue})

	return b.addOp("pad", map[string]*Value{
		"x":            x,
		"pad":          padVal,
		"mode":         modeVal,
		"constant_val": constVal,
	}, b.genName("pad"), x.dtype, outShape)
}

// Conv performs 2D convolution on input tensor x with filter weights.
// x: Input tensor in NCHW format [batch, channels_in, height, width]
// weight: Filter tensor [channels_out, channels_in/groups, kernel_height, kernel_width]
// strides: Stride for each spatial dimension [stride_h, stride_w]
// dilations: Dilation for each spatial dimension [dilation_h, dilation_w]
// padType: Padding type (ConvPadValid, ConvPadSame, or ConvPadCustom)
// padBefore, padAfter: per spatial dimension, used only if padType is ConvPadCustom
// groups: Number of groups for grouped convolution (1 for standard convolution)
func (b *Builder) Conv(x, weight *Value, strides, dilations []int64, padType ConvPadType, padBefore, padAfter []int64, groups int64) *Value {
	if len(x.shape) != 4 || len(weight.shape) != 4 {
		b.setErr(fmt.Errorf("conv: want rank-4 input and weight, got %v and %v", x.shape, weight.shape))
		return b.Identity(b.genName("conv"), x)
	}
	// Input shape: [N, C_in, H, W]
	// Weight shape: [C_out, C_in/groups, kH, kW]
	N := x.shape[0]
	Cout := weight.shape[0]
	kH := weight.shape[2]
	kW := weight.shape[3]
	inH := x.shape[2]
	inW := x.shape[3]

	if len(strides) == 0 {
		strides = []int64{1, 1}
	}
	if len(dilations) == 0 {
		dilations = []int64{1, 1}
	}

	var outH, outW int64
	var padTypeStr string

	switch padType {
	case ConvPadValid:
		padTypeStr = "valid"
		outH = (inH-dilations[0]*(kH-1)-1)/strides[0] + 1
		outW = (inW-dilations[1]*(kW-1)-1)/strides[1] + 1

	case ConvPadSame:
		padTypeStr = "same"
		outH = (inH + strides[0] - 1) / strides[0]
		outW = (inW + strides[1] - 1) / strides[1]

	case ConvPadCustom:
		padTypeStr = "custom"
		if len(padBefore) == 0 {
			padBefore = []int64{0, 0}
		}
		if len(padAfter) == 0 {
			padAfter = []int64{0, 0}
		}
		paddedH := inH + padBefore[0] + padAfter[0]
		paddedW := inW + padBefore[1] + padAfter[1]
		outH = (paddedH-dilations[0]*(kH-1)-1)/strides[0] + 1
		outW = (paddedW-dilations[1]*(kW-1)-1)/strides[1] + 1
	}

	outShape := []int64{N, Cout, outH, outW}

	inputs := map[string]*Value{
		"x":      x,
		"weight": weight,
	}
	inputs["strides"] = b.Const(b.genName("strides"), Int32, []int64{int64(len(strides))}, toInt32Slice(strides))
	inputs["dilations"] = b.Const(b.genName("dilations"), Int32, []int64{int64(len(dilations))}, toInt32Slice(dilations))
	inputs["groups"] = b.Const(b.genName("groups"), Int32, []int64{}, []int32{int32(groups)})
	inputs["pad_type"] = b.Const(b.genName("pad_type"), String, []int64{}, padTypeStr)

	if padType == ConvPadCustom {
		// Flattened as [pad_h_before, pad_h_after, pad_w_before, pad_w_after].
		pad := []int64{padBefore[0], padAfter[0], padBefore[1], padAfter[1]}
		inputs["pad"] = b.Const(b.genName("pad"), Int32, []int64{4}, toInt32Slice(pad))
	}

	return b.addOp("conv", inputs, b.genName("conv"), x.dtype, outShape)
}

// ConvTranspose performs 2D transposed convolution (also known as deconvolution)
// producing a tensor of the given NCHW outputShape.
// x: Input tensor in NCHW format [batch, channels_in, height, width]
// weight: Filter tensor [channels_in, channels_out/groups, kernel_height, kernel_width]
// padType: ConvPadValid or ConvPadSame; with ConvPadSame the total padding is
// derived from outputShape and split with the extra pixel at the end.
func (b *Builder) ConvTranspose(x, weight *Value, strides []int64, padType ConvPadType, outputShape []int64) *Value {
	if len(x.shape) != 4 || len(weight.shape) != 4 || len(outputShape) != 4 {
		b.setErr(fmt.Errorf("conv_transpose: want rank-4 input, weight and output, got %v, %v and %v", x.shape, weight.shape, outputShape))
		return b.Identity(b.genName("conv_transpose"), x)
	}
	if len(strides) == 0 {
		strides = []int64{1, 1}
	}
	padTypeStr := "valid"
	if padType == ConvPadSame {
		padTypeStr = "same"
	}

	inputs := map[string]*Value{
		"x":      x,
		"weight": weight,
	}
	inputs["strides"] = b.Const(b.genName("strides"), Int32, []int64{int64(len(strides))}, toInt32Slice(strides))
	inputs["dilations"] = b.Const(b.genName("dilations"), Int32, []int64{2}, []int32{1, 1})
	inputs["groups"] = b.Const(b.genName("groups"), Int32, []int64{}, []int32{1})
	inputs["pad_type"] = b.Const(b.genName("pad_type"), String, []int64{}, padTypeStr)
	inputs["output_shape"] = b.Const(b.genName("output_shape"), Int32, []int64{4}, toInt32Slice(outputShape))

	return b.addOp("conv_transpose", inputs, b.genName("conv_transpose"), x.dtype, outputShape)
}

// BiasAddNCHW adds a per-channel bias of shape [C] to an NCHW tensor.
func (b *Builder) BiasAddNCHW(x, bias *Value) *Value {
	biasShape := []int64{1, bias.shape[0], 1, 1}
	return b.Add(x, b.Reshape(bias, biasShape))
}

// Concat concatenates a list of tensors along a specified axis.
// values: List of tensors to concatenate. All must have the same shape except along the concat axis.
// axis: Axis along which to concatenate. Must be in range [-rank, rank).
// Returns nil and sets builder error if called with no inputs.
func (b *Builder) Concat(values []*Value, axis int64) *Value {
	if len(values) == 0 {
		b.setErr(fmt.Errorf("concat requires at least one input tensor"))
		return nil
	}

	firstValue := values[0]
	dtype := firstValue.dtype
	rank := len(firstValue.shape)

	if axis < 0 {
		axis = int64(rank) + axis
	}
	if axis < 0 || axis >= int64(rank) {
		b.setErr(fmt.Errorf("concat: axis %d out of range for rank %d", axis, rank))
		return nil
	}

	outShape := make([]int64, rank)
	copy(outShape, firstValue.shape)
	concatDim := int64(0)
	for _, v := range values {
		concatDim += v.shape[axis]
	}
	outShape[axis] = concatDim

	axisVal := b.Const(b.genName("axis"), Int32, []int64{}, []int32{int32(axis)})
	interleaveVal := b.Const(b.genName("interleave"), Bool, []int64{}, []bool{false})

	return b.addOpWithListArg("concat",
		map[string]*Value{
			"axis":       axisVal,
			"interleave": interleaveVal,
		},
		map[string][]*Value{"values": values},
		b.genName("concat"),
		dtype,
		outShape)
}

// ResizeBilinear resizes the two innermost dimensions of an NCHW tensor.
func (b *Builder) ResizeBilinear(x *Value, height, width int64, mode ResizeSamplingMode) *Value {
	if len(x.shape) != 4 {
		b.setErr(fmt.Errorf("resize_bilinear: want rank-4 input, got %v", x.shape))
		return b.Identity(b.genName("resize_bilinear"), x)
	}
	outShape := []int64{x.shape[0], x.shape[1], height, width}
	return b.addOp("resize_bilinear", map[string]*Value{
		"x":                  x,
		"target_size_height": b.Const(b.genName("target_height"), Int32, []int64{}, []int32{int32(height)}),
		"target_size_width":  b.Const(b.genName("target_width"), Int32, []int64{}, []int32{int32(width)}),
		"sampling_mode":      b.Const(b.genName("sampling_mode"), String, []int64{}, string(mode)),
	}, b.genName("resize_bilinear"), x.dtype, outShape)
}

// Cast converts a tensor to a different dtype.
func (b *Builder) Cast(x *Value, dtype DType) *Value {
	dtypeVal := b.Const(b.genName("dtype"), String, []int64{}, DTypeName(dtype))
	return b.addOp("cast", map[string]*Value{
		"x":     x,
		"dtype": dtypeVal,
	}, b.genName("cast"), dtype, x.shape)
}

// Quantize converts a float tensor to Int8 or UInt8 with a per-tensor scale and
// zero point: q = clamp(round(x / scale) + zeroPoint).
func (b *Builder) Quantize(x *Value, scale float32, zeroPoint int64, dtype DType) *Value {
	if dtype != Int8 && dtype != UInt8 {
		b.setErr(fmt.Errorf("quantize: unsupported output dtype %s", DTypeName(dtype)))
	}
	return b.addOp("quantize", map[string]*Value{
		"input":        x,
		"scale":        b.Const(b.genName("scale"), Float32, []int64{}, []float32{scale}),
		"zero_point":   b.Const(b.genName("zero_point"), Int32, []int64{}, []int32{int32(zeroPoint)}),
		"output_dtype": b.Const(b.genName("output_dtype"), String, []int64{}, DTypeName(dtype)),
	}, b.genName("quantize"), dtype, x.shape)
}

// Dequantize converts an Int8 or UInt8 tensor to Float32: x = (q - zeroPoint) * scale.
func (b *Builder) Dequantize(q *Value, scale float32, zeroPoint int64) *Value {
	return b.addOp("dequantize", map[string]*Value{
		"input":      q,
		"scale":      b.Const(b.genName("scale"), Float32, []int64{}, []float32{scale}),
		"zero_point": b.Const(b.genName("zero_point"), Int32, []int64{}, []int32{int32(zeroPoint)}),
	}, b.genName("dequantize"), Float32, q.shape)
}

// DTypeName returns the MIL name of dtype, as used by cast and quantize.
func DTypeName(dtype DType) string {
	switch dtype {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case Float64:
		return "fp64"
	case Int32:
		return "int32"
	case Int16:
		return "int16"
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	}
	return "unknown"
}

// ParseDTypeName is the inverse of DTypeName.
func ParseDTypeName(name string) (DType, bool) {
	for _, dt := range []DType{Float32, Float16, Float64, Int32, Int16, Int8, UInt8, Int64, Bool} {
		if DTypeName(dt) == name {
			return dt, true
		}
	}
	return 0, false
}

// Helper functions

func toInt32Slice(s []int64) []int32 {
	result := make([]int32, len(s))
	for i, v := range s {
		result[i] = int32(v)
	}
	return result
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// broadcastShape returns the numpy-style broadcast of a and b.
func broadcastShape(a, b []int64) ([]int64, bool) {
	maxLen := max(len(a), len(b))
	result := make([]int64, maxLen)
	for i := 0; i < maxLen; i++ {
		ai := int64(1)
		bi := int64(1)
		if i < len(a) {
			ai = a[len(a)-1-i]
		}
		if i < len(b) {
			bi = b[len(b)-1-i]
		}

		switch {
		case ai == bi, bi == 1:
			result[maxLen-1-i] = ai
		case ai == 1:
			result[maxLen-1-i] = bi
		default:
			result[maxLen-1-i] = max(ai, bi)
			return result, false
		}
	}
	return result, true
}

func computeReduceShape(shape []int64, axes []int64, keepDims bool) []int64 {
	axisSet := make(map[int64]bool)
	for _, a := range axes {
		if a < 0 {
			a = int64(len(shape)) + a
		}
		axisSet[a] = true
	}

	if keepDims {
		result := make([]int64, len(shape))
		for i, dim := range shape {
			if axisSet[int64(i)] {
				result[i] = 1
			} else {
				result[i] = dim
			}
		}
		return result
	}

	result := []int64{}
	for i, dim := range shape {
		if !axisSet[int64(i)] {
			result = append(result, dim)
		}
	}
	return result
}
