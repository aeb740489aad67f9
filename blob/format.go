// Package blob implements the weight blob file format used to store the constant
// tensors of a compiled partition next to its serialized program.
//
// Constants above a size threshold are moved out of the program protobuf and into a
// single weights file. The program keeps a reference (file name + metadata offset) in
// place of the immediate value, so the pair of files can be inspected offline or
// loaded back into an executable.
//
// File format:
//
//	[storage_header (64B)]
//	[blob_metadata_0 (64B)] [data_0 (64B aligned)]
//	[blob_metadata_1 (64B)] [data_1 (64B aligned)]
//	...
//
// All integers are little-endian.
package blob

const (
	// DefaultAlignment is the byte alignment for all sections in the blob file.
	DefaultAlignment = 64

	// BlobMetadataSentinel is a magic number used to validate blob metadata entries.
	BlobMetadataSentinel uint32 = 0xDEADBEEF

	// BlobVersion is the current blob file format version.
	BlobVersion uint32 = 2

	// DefaultBlobFilename is the file name recorded in programs referencing the weights file.
	DefaultBlobFilename = "@model_path/weights/weight.bin"
)

// DataType represents the data type of a blob entry.
type DataType uint32

const (
	DataTypeFloat16 DataType = 1
	DataTypeFloat32 DataType = 2
	DataTypeUInt8   DataType = 3
	DataTypeInt8    DataType = 4
	DataTypeInt16   DataType = 6
	DataTypeInt32   DataType = 14
)

// String implements fmt.Stringer.
func (dt DataType) String() string {
	switch dt {
	case DataTypeFloat16:
		return "fp16"
	case DataTypeFloat32:
		return "fp32"
	case DataTypeUInt8:
		return "uint8"
	case DataTypeInt8:
		return "int8"
	case DataTypeInt16:
		return "int16"
	case DataTypeInt32:
		return "int32"
	}
	return "unknown"
}

// StorageHeader is the file header for a blob storage file.
// It is always 64 bytes and appears at the start of the file.
type StorageHeader struct {
	Count    uint32   // Number of blob entries in the file
	Version  uint32   // Format version (always BlobVersion)
	Reserved [56]byte // Must be zero
}

// BlobMetadata describes a single blob entry in the file.
// It is always 64 bytes and precedes the blob data.
type BlobMetadata struct {
	Sentinel          uint32   // BlobMetadataSentinel
	MilDType          uint32   // DataType
	SizeInBytes       uint64   // Size of the blob data in bytes
	Offset            uint64   // Absolute file offset to the blob data
	PaddingSizeInBits uint64   // Unused bits for sub-byte types (0 for byte types)
	Reserved          [32]byte // Must be zero
}

// alignTo returns the smallest multiple of alignment >= offset.
func alignTo(offset uint64, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	remainder := offset % alignment
	if remainder == 0 {
		return offset
	}
	return offset + (alignment - remainder)
}
