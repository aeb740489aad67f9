package model

import (
	"testing"
)

// findOps returns the operations of the given type in the main block of program.
func findOps(t *testing.T, program *Program, fn, opType string) []int {
	t.Helper()
	mainFunc, ok := program.Functions[fn]
	if !ok {
		t.Fatalf("expected %q function", fn)
	}
	block, ok := mainFunc.BlockSpecializations["CoreML7"]
	if !ok {
		t.Fatal("expected block specialization for CoreML7")
	}
	var found []int
	for i, op := range block.Operations {
		if op.Type == opType {
			found = append(found, i)
		}
	}
	return found
}

func TestClip(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	clamped := b.Clip(x, 0, 6)
	b.Output("clamped", clamped)
	if err := b.Err(); err != nil {
		t.Fatalf("builder error: %v", err)
	}

	program := b.Build()
	if program.Version != 1 {
		t.Errorf("expected version 1, got %d", program.Version)
	}
	// Clip lowers to maximum then minimum, with inline bounds.
	if n := len(findOps(t, program, "main", "maximum")); n != 1 {
		t.Errorf("expected 1 maximum op, got %d", n)
	}
	if n := len(findOps(t, program, "main", "minimum")); n != 1 {
		t.Errorf("expected 1 minimum op, got %d", n)
	}
	if got := clamped.Shape(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("clip shape = %v, want [2 3]", got)
	}
}

func TestCast(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	casted := b.Cast(x, Int32)
	b.Output("casted", casted)

	program := b.Build()
	block := program.Functions["main"].BlockSpecializations["CoreML7"]
	idx := findOps(t, program, "main", "cast")
	if len(idx) != 1 {
		t.Fatalf("expected 1 cast op, got %d", len(idx))
	}
	op := block.Operations[idx[0]]
	if len(op.Inputs) != 2 {
		t.Errorf("cast should have 2 inputs (x and dtype), got %d", len(op.Inputs))
	}
	dtype := op.Inputs["dtype"].Arguments[0].GetValue().GetImmediateValue().GetTensor().GetStrings().GetValues()
	if len(dtype) != 1 || dtype[0] != "int32" {
		t.Errorf("cast dtype = %v, want [int32]", dtype)
	}
	if casted.DType() != Int32 {
		t.Errorf("cast output dtype = %v, want Int32", casted.DType())
	}
}

func TestConstantIsOperation(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 3)
	c := b.Constant("tensor_1", Float32, []int64{3}, []float32{4, 5, 6})
	b.Output("y", b.Add(x, c))

	if c.IsConst() {
		t.Error("Constant should produce a graph node, not an inline value")
	}
	if n := b.NumOperations("const"); n != 1 {
		t.Errorf("NumOperations(const) = %d, want 1", n)
	}
	program := b.Build()
	block := program.Functions["main"].BlockSpecializations["CoreML7"]
	add := block.Operations[findOps(t, program, "main", "add")[0]]
	if name := add.Inputs["y"].Arguments[0].GetName(); name != "tensor_1" {
		t.Errorf("add y binding = %q, want tensor_1", name)
	}
}

func TestBroadcastMismatch(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	y := b.Input("y", Float32, 4)
	b.Add(x, y)
	if b.Err() == nil {
		t.Error("expected an error adding [2 3] and [4]")
	}
}

func TestSplit(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 6)
	parts := b.Split(x, -1, 3)
	if err := b.Err(); err != nil {
		t.Fatalf("builder error: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	for i, p := range parts {
		if s := p.Shape(); s[0] != 2 || s[1] != 2 {
			t.Errorf("part %d shape = %v, want [2 2]", i, s)
		}
	}

	b.Split(x, 1, 4)
	if b.Err() == nil {
		t.Error("expected an error splitting 6 into 4 parts")
	}
}

func TestConcatShape(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 1, 2, 3)
	y := b.Input("y", Float32, 1, 2, 5)
	z := b.Concat([]*Value{x, y}, -1)
	if s := z.Shape(); s[2] != 8 {
		t.Errorf("concat shape = %v, want [1 2 8]", s)
	}
	if b.Concat(nil, 0) != nil || b.Err() == nil {
		t.Error("empty concat should fail")
	}
}

func TestConvShapes(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 1, 3, 8, 8)
	w := b.Constant("w", Float32, []int64{4, 3, 3, 3}, make([]float32, 4*3*3*3))
	same := b.Conv(x, w, []int64{2, 2}, nil, ConvPadSame, nil, nil, 1)
	valid := b.Conv(x, w, nil, nil, ConvPadValid, nil, nil, 1)
	if s := same.Shape(); s[1] != 4 || s[2] != 4 || s[3] != 4 {
		t.Errorf("same conv shape = %v, want [1 4 4 4]", s)
	}
	if s := valid.Shape(); s[2] != 6 || s[3] != 6 {
		t.Errorf("valid conv shape = %v, want [1 4 6 6]", s)
	}

	up := b.ConvTranspose(valid, b.Constant("wt", Float32, []int64{4, 2, 3, 3}, make([]float32, 4*2*3*3)),
		[]int64{2, 2}, ConvPadSame, []int64{1, 2, 12, 12})
	if s := up.Shape(); s[1] != 2 || s[2] != 12 {
		t.Errorf("conv_transpose shape = %v, want [1 2 12 12]", s)
	}
	if err := b.Err(); err != nil {
		t.Errorf("builder error: %v", err)
	}
}

func TestQuantizeRejectsFloatOutput(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 4)
	q := b.Quantize(x, 0.5, 3, UInt8)
	if q.DType() != UInt8 || b.Err() != nil {
		t.Fatalf("quantize to uint8 failed: dtype=%v err=%v", q.DType(), b.Err())
	}
	if d := b.Dequantize(q, 0.5, 3); d.DType() != Float32 {
		t.Errorf("dequantize dtype = %v, want Float32", d.DType())
	}
	b.Quantize(x, 1, 0, Float16)
	if b.Err() == nil {
		t.Error("quantize to fp16 should fail")
	}
}

func TestDTypeNames(t *testing.T) {
	for _, dt := range []DType{Float32, Float16, Int32, Int8, UInt8, Bool} {
		got, ok := ParseDTypeName(DTypeName(dt))
		if !ok || got != dt {
			t.Errorf("ParseDTypeName(DTypeName(%v)) = %v, %v", dt, got, ok)
		}
	}
	if _, ok := ParseDTypeName("fp8"); ok {
		t.Error("fp8 should not parse")
	}
}

func TestFeatureSpecByteSize(t *testing.T) {
	tests := []struct {
		spec FeatureSpec
		want int
	}{
		{FeatureSpec{DType: Float32, Shape: []int64{1, 3}}, 12},
		{FeatureSpec{DType: UInt8, Shape: []int64{2, 2}}, 4},
		{FeatureSpec{DType: Float16, Shape: []int64{5}}, 10},
		{FeatureSpec{DType: Int32, Shape: []int64{}}, 4},
	}
	for _, tt := range tests {
		if got := tt.spec.ByteSize(); got != tt.want {
			t.Errorf("ByteSize(%v) = %d, want %d", tt.spec, got, tt.want)
		}
	}
}
