package blob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Reader gives access to the entries of a weights file held in memory.
type Reader struct {
	data   []byte
	header StorageHeader
}

// NewReader validates the header of data and returns a Reader over it.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < DefaultAlignment {
		return nil, fmt.Errorf("blob file too small: %d bytes", len(data))
	}
	r := &Reader{data: data}
	if err := binary.Read(bytes.NewReader(data[:DefaultAlignment]), binary.LittleEndian, &r.header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if r.header.Version != BlobVersion {
		return nil, fmt.Errorf("unsupported blob version %d (want %d)", r.header.Version, BlobVersion)
	}
	return r, nil
}

// OpenReader reads the weights file at path.
func OpenReader(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob file: %w", err)
	}
	return NewReader(data)
}

// Count returns the number of entries recorded in the header.
func (r *Reader) Count() int {
	return int(r.header.Count)
}

// Blob returns the data type and payload of the entry whose metadata lives at offset.
// The returned slice aliases the reader's buffer.
func (r *Reader) Blob(offset uint64) (DataType, []byte, error) {
	if offset+DefaultAlignment > uint64(len(r.data)) {
		return 0, nil, fmt.Errorf("metadata offset %d out of range (file has %d bytes)", offset, len(r.data))
	}
	var meta BlobMetadata
	if err := binary.Read(bytes.NewReader(r.data[offset:offset+DefaultAlignment]), binary.LittleEndian, &meta); err != nil {
		return 0, nil, fmt.Errorf("read metadata at offset %d: %w", offset, err)
	}
	if meta.Sentinel != BlobMetadataSentinel {
		return 0, nil, fmt.Errorf("bad sentinel %#x at offset %d", meta.Sentinel, offset)
	}
	end := meta.Offset + meta.SizeInBytes
	if end > uint64(len(r.data)) {
		return 0, nil, fmt.Errorf("blob at offset %d overruns file: [%d, %d) > %d", offset, meta.Offset, end, len(r.data))
	}
	return DataType(meta.MilDType), r.data[meta.Offset:end], nil
}
