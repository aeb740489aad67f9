package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/go-coreml/proto/coreml/milspec"
	"github.com/gomlx/go-tflite-delegate/blob"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// File names inside an artifacts directory.
const (
	StructureFilename = "model.mil"
	WeightsDir        = "weights"
	WeightsFilename   = "weight.bin"
	ManifestFilename  = "Manifest.json"
)

// SerializeOptions configures artifact serialization.
type SerializeOptions struct {
	// BlobThreshold is the minimum tensor size (bytes) to use blob storage.
	// Tensors smaller than this are kept inline in the structure file.
	BlobThreshold int64
}

// DefaultSerializeOptions returns default serialization options.
func DefaultSerializeOptions() SerializeOptions {
	return SerializeOptions{
		BlobThreshold: 1024,
	}
}

// SaveArtifacts writes program into dir as a structure/weights pair:
// the program protobuf in StructureFilename and every constant tensor of at
// least opts.BlobThreshold bytes in WeightsDir/WeightsFilename. A manifest listing
// both is written alongside. program itself is not modified.
func SaveArtifacts(program *Program, dir string, opts SerializeOptions) (structurePath, weightsPath string, err error) {
	weightsDir := filepath.Join(dir, WeightsDir)
	if err := os.MkdirAll(weightsDir, 0755); err != nil {
		return "", "", fmt.Errorf("create artifacts dir: %w", err)
	}

	program = proto.Clone(program).(*Program)
	w := blob.NewWriter()
	extractTensorsToBlob(program, w, opts.BlobThreshold)

	weightsPath = filepath.Join(weightsDir, WeightsFilename)
	if err := w.WriteFile(weightsPath); err != nil {
		return "", "", fmt.Errorf("write weights: %w", err)
	}

	structurePath = filepath.Join(dir, StructureFilename)
	data, err := proto.Marshal(program)
	if err != nil {
		return "", "", fmt.Errorf("marshal program: %w", err)
	}
	if err := os.WriteFile(structurePath, data, 0644); err != nil {
		return "", "", fmt.Errorf("write program: %w", err)
	}

	if err := writeManifest(dir, w.EntryCount()); err != nil {
		return "", "", err
	}
	return structurePath, weightsPath, nil
}

// LoadArtifacts reads a program saved by SaveArtifacts and resolves every
// weights file reference back into an immediate value.
func LoadArtifacts(dir string) (*Program, error) {
	data, err := os.ReadFile(filepath.Join(dir, StructureFilename))
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	program := &Program{}
	if err := proto.Unmarshal(data, program); err != nil {
		return nil, fmt.Errorf("unmarshal program: %w", err)
	}

	var r *blob.Reader
	openWeights := func() (*blob.Reader, error) {
		if r == nil {
			var err error
			if r, err = blob.OpenReader(filepath.Join(dir, WeightsDir, WeightsFilename)); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
	for val := range programValues(program) {
		ref := val.GetBlobFileValue()
		if ref == nil {
			continue
		}
		weights, err := openWeights()
		if err != nil {
			return nil, fmt.Errorf("open weights: %w", err)
		}
		dtype, payload, err := weights.Blob(ref.GetOffset())
		if err != nil {
			return nil, fmt.Errorf("resolve weights reference: %w", err)
		}
		val.Value = &milspec.Value_ImmediateValue_{
			ImmediateValue: &milspec.Value_ImmediateValue{
				Value: &milspec.Value_ImmediateValue_Tensor{Tensor: tensorFromBlob(dtype, payload)},
			},
		}
	}
	return program, nil
}

// ProgramSpecs recovers the input and output feature specifications of the named
// function of program: inputs from the function signature, outputs from the types
// declared by the operations producing the block outputs.
func ProgramSpecs(program *Program, function string) (inputs, outputs []FeatureSpec, err error) {
	fn := program.GetFunctions()[function]
	if fn == nil {
		return nil, nil, fmt.Errorf("program has no function %q", function)
	}
	block := fn.GetBlockSpecializations()[fn.GetOpset()]
	if block == nil {
		return nil, nil, fmt.Errorf("function %q has no block for opset %q", function, fn.GetOpset())
	}

	types := make(map[string]*milspec.ValueType)
	for _, in := range fn.GetInputs() {
		types[in.GetName()] = in.GetType()
		inputs = append(inputs, featureSpec(in.GetName(), in.GetType()))
	}
	for _, op := range block.GetOperations() {
		for _, out := range op.GetOutputs() {
			types[out.GetName()] = out.GetType()
		}
	}
	for _, name := range block.GetOutputs() {
		t, ok := types[name]
		if !ok {
			return nil, nil, fmt.Errorf("output %q is not produced by function %q", name, function)
		}
		outputs = append(outputs, featureSpec(name, t))
	}
	return inputs, outputs, nil
}

// DumpJSON renders program as indented JSON for debugging.
func DumpJSON(program *Program) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(program)
}

func featureSpec(name string, t *milspec.ValueType) FeatureSpec {
	tt := t.GetTensorType()
	shape := make([]int64, 0, len(tt.GetDimensions()))
	for _, d := range tt.GetDimensions() {
		shape = append(shape, int64(d.GetConstant().GetSize()))
	}
	return FeatureSpec{Name: name, DType: tt.GetDataType(), Shape: shape}
}

// programValues iterates over every value embedded in program: operation
// argument bindings and operation attributes, including nested blocks.
func programValues(program *Program) iter.Seq[*milspec.Value] {
	return func(yield func(*milspec.Value) bool) {
		var walkBlock func(block *milspec.Block) bool
		walkBlock = func(block *milspec.Block) bool {
			for _, op := range block.GetOperations() {
				for _, name := range sortedKeys(op.GetInputs()) {
					for _, binding := range op.GetInputs()[name].GetArguments() {
						if val := binding.GetValue(); val != nil && !yield(val) {
							return false
						}
					}
				}
				for _, name := range sortedKeys(op.GetAttributes()) {
					if !yield(op.GetAttributes()[name]) {
						return false
					}
				}
				for _, nested := range op.GetBlocks() {
					if !walkBlock(nested) {
						return false
					}
				}
			}
			return true
		}
		for _, fnName := range sortedKeys(program.GetFunctions()) {
			fn := program.GetFunctions()[fnName]
			for _, opset := range sortedKeys(fn.GetBlockSpecializations()) {
				if !walkBlock(fn.GetBlockSpecializations()[opset]) {
					return
				}
			}
		}
	}
}

// sortedKeys keeps the weights file layout deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// extractTensorsToBlob replaces large ImmediateValue tensors with BlobFileValue references.
func extractTensorsToBlob(program *Program, w *blob.Writer, threshold int64) {
	for val := range programValues(program) {
		maybeExtractValue(val, w, threshold)
	}
}

// maybeExtractValue moves val to blob storage if it is a large enough tensor.
func maybeExtractValue(val *milspec.Value, w *blob.Writer, threshold int64) {
	tensor := val.GetImmediateValue().GetTensor()
	if tensor == nil {
		return
	}
	data, dtype, ok := extractTensorData(tensor, val.GetType())
	if !ok || int64(len(data)) < threshold {
		return
	}

	offset := w.AddBlob(dtype, data)
	val.Value = &milspec.Value_BlobFileValue_{
		BlobFileValue: &milspec.Value_BlobFileValue{
			FileName: blob.DefaultBlobFilename,
			Offset:   offset,
		},
	}
}

// dataTypeToBlobType converts a milspec.DataType to a blob.DataType.
func dataTypeToBlobType(dt milspec.DataType) (blob.DataType, bool) {
	switch dt {
	case milspec.DataType_FLOAT16:
		return blob.DataTypeFloat16, true
	case milspec.DataType_FLOAT32:
		return blob.DataTypeFloat32, true
	case milspec.DataType_INT8:
		return blob.DataTypeInt8, true
	case milspec.DataType_UINT8:
		return blob.DataTypeUInt8, true
	case milspec.DataType_INT16:
		return blob.DataTypeInt16, true
	case milspec.DataType_INT32:
		return blob.DataTypeInt32, true
	}
	return 0, false
}

// extractTensorData extracts raw bytes from a TensorValue. Only encodings that
// round-trip through tensorFromBlob are extracted.
func extractTensorData(tensor *milspec.TensorValue, valType *milspec.ValueType) ([]byte, blob.DataType, bool) {
	dtype, ok := dataTypeToBlobType(valType.GetTensorType().GetDataType())
	if !ok {
		return nil, 0, false
	}
	switch {
	case tensor.GetFloats() != nil && dtype == blob.DataTypeFloat32:
		return floatsToBytes(tensor.GetFloats().GetValues()), dtype, true
	case tensor.GetInts() != nil && dtype == blob.DataTypeInt32:
		return intsToBytes(tensor.GetInts().GetValues()), dtype, true
	case tensor.GetBytes() != nil && dtype != blob.DataTypeFloat32 && dtype != blob.DataTypeInt32:
		return tensor.GetBytes().GetValues(), dtype, true
	}
	return nil, 0, false
}

// tensorFromBlob decodes a blob payload into the TensorValue encoding used by
// the builder for the same data type.
func tensorFromBlob(dtype blob.DataType, data []byte) *milspec.TensorValue {
	switch dtype {
	case blob.DataTypeFloat32:
		vals := make([]float32, len(data)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return &milspec.TensorValue{
			Value: &milspec.TensorValue_Floats{Floats: &milspec.TensorValue_RepeatedFloats{Values: vals}},
		}
	case blob.DataTypeInt32:
		vals := make([]int32, len(data)/4)
		for i := range vals {
			vals[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return &milspec.TensorValue{
			Value: &milspec.TensorValue_Ints{Ints: &milspec.TensorValue_RepeatedInts{Values: vals}},
		}
	}
	return &milspec.TensorValue{
		Value: &milspec.TensorValue_Bytes{Bytes: &milspec.TensorValue_RepeatedBytes{Values: slices.Clone(data)}},
	}
}

func floatsToBytes(vals []float32) []byte {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

func intsToBytes(vals []int32) []byte {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return data
}

// writeManifest writes the Manifest.json file describing the artifacts.
func writeManifest(dir string, numWeights int) error {
	modelUUID := uuid.New().String()
	itemEntries := map[string]any{
		modelUUID: map[string]any{
			"description": "Partition program",
			"name":        StructureFilename,
			"path":        StructureFilename,
		},
	}
	weightsUUID := uuid.New().String()
	itemEntries[weightsUUID] = map[string]any{
		"description": "Partition weights",
		"name":        WeightsFilename,
		"path":        filepath.ToSlash(filepath.Join(WeightsDir, WeightsFilename)),
		"entries":     numWeights,
	}

	manifest := map[string]any{
		"fileFormatVersion":   "1.0.0",
		"itemInfoEntries":     itemEntries,
		"rootModelIdentifier": modelUUID,
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFilename), manifestData, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
