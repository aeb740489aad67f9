package blob

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Writer collects blobs and lays them out in the weights file format.
//
// Usage:
//
//	w := blob.NewWriter()
//	offset := w.AddBlob(blob.DataTypeFloat32, weightData)
//	// Record offset in the program's BlobFileValue.
//	err := w.WriteFile("weights/weight.bin")
type Writer struct {
	offset  uint64 // next metadata position
	entries []blobEntry
}

type blobEntry struct {
	metadataOffset uint64
	dataOffset     uint64
	dtype          DataType
	data           []byte
}

// NewWriter creates an empty blob writer.
func NewWriter() *Writer {
	return &Writer{offset: DefaultAlignment}
}

// AddBlob appends a blob and returns its metadata offset, which is what
// programs store to reference it. The data slice is retained until written.
func (w *Writer) AddBlob(dtype DataType, data []byte) uint64 {
	metadataOffset := w.offset
	dataOffset := alignTo(metadataOffset+DefaultAlignment, DefaultAlignment)
	w.entries = append(w.entries, blobEntry{
		metadataOffset: metadataOffset,
		dataOffset:     dataOffset,
		dtype:          dtype,
		data:           data,
	})
	w.offset = alignTo(dataOffset+uint64(len(data)), DefaultAlignment)
	return metadataOffset
}

// EntryCount returns the number of blob entries added.
func (w *Writer) EntryCount() int {
	return len(w.entries)
}

// Size returns the number of bytes the file will occupy.
func (w *Writer) Size() uint64 {
	return w.offset
}

// WriteTo writes the header and every entry into dst.
func (w *Writer) WriteTo(dst io.WriterAt) error {
	header := StorageHeader{
		Count:   uint32(len(w.entries)),
		Version: BlobVersion,
	}
	if err := writeStructAt(dst, 0, &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, entry := range w.entries {
		metadata := BlobMetadata{
			Sentinel:    BlobMetadataSentinel,
			MilDType:    uint32(entry.dtype),
			SizeInBytes: uint64(len(entry.data)),
			Offset:      entry.dataOffset,
		}
		if err := writeStructAt(dst, int64(entry.metadataOffset), &metadata); err != nil {
			return fmt.Errorf("write metadata at offset %d: %w", entry.metadataOffset, err)
		}
		if _, err := dst.WriteAt(entry.data, int64(entry.dataOffset)); err != nil {
			return fmt.Errorf("write data at offset %d: %w", entry.dataOffset, err)
		}
	}
	// Pad the tail so the file size is a multiple of the alignment.
	if n := len(w.entries); n > 0 {
		last := w.entries[n-1]
		if end := last.dataOffset + uint64(len(last.data)); end < w.offset {
			if _, err := dst.WriteAt([]byte{0}, int64(w.offset)-1); err != nil {
				return fmt.Errorf("write padding: %w", err)
			}
		}
	}
	return nil
}

// WriteFile creates (or truncates) path and writes the blob file into it.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}
	if err := w.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeStructAt(dst io.WriterAt, offset int64, data any) error {
	buf := make([]byte, binary.Size(data))
	if _, err := binary.Encode(buf, binary.LittleEndian, data); err != nil {
		return err
	}
	_, err := dst.WriteAt(buf, offset)
	return err
}
