package onnx

import (
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// ExternalData describes where the contents of a tensor stored outside the model file are.
type ExternalData struct {
	// Location is the path of the data file, relative to the model file directory.
	Location string
	Offset   int64
	// Length is the number of bytes, or 0 if it is to be inferred from the tensor shape.
	Length int64
}

func parseExternalData(entries map[string]string) (*ExternalData, error) {
	info := &ExternalData{Location: entries["location"]}
	if info.Location == "" {
		return nil, errors.New("external data without a \"location\"")
	}
	var err error
	if offset, found := entries["offset"]; found {
		info.Offset, err = strconv.ParseInt(offset, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid external data offset %q", offset)
		}
	}
	if length, found := entries["length"]; found {
		info.Length, err = strconv.ParseInt(length, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid external data length %q", length)
		}
	}
	return info, nil
}

// ExternalDataReader manages memory-mapped external data files.
// It caches mmap regions by file path since multiple tensors often share the same external file.
type ExternalDataReader struct {
	baseDir  string
	mappings map[string]*mmap.ReaderAt
	mu       sync.Mutex
}

// NewExternalDataReader creates a reader for the given model directory.
func NewExternalDataReader(baseDir string) *ExternalDataReader {
	return &ExternalDataReader{
		baseDir:  baseDir,
		mappings: make(map[string]*mmap.ReaderAt),
	}
}

func (r *ExternalDataReader) mapping(location string) (*mmap.ReaderAt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.mappings[location]; ok {
		return reader, nil
	}
	externalPath := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(externalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", externalPath)
	}
	r.mappings[location] = reader
	return reader, nil
}

// Load reads the external contents of t into t.RawData and clears t.External.
// It does nothing if t is not stored externally.
func (r *ExternalDataReader) Load(t *Tensor) error {
	info := t.External
	if info == nil {
		return nil
	}
	shape, err := t.Shape()
	if err != nil {
		return err
	}
	length := info.Length
	if length == 0 {
		length = int64(shape.Size()) * int64(shape.DType.Size())
	}
	reader, err := r.mapping(info.Location)
	if err != nil {
		return err
	}
	dst := make([]byte, length)
	n, err := reader.ReadAt(dst, info.Offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes at offset %d from external data file %q",
			length, info.Offset, info.Location)
	}
	if int64(n) != length {
		return errors.Errorf("read %d bytes but expected %d from external data file %q", n, length, info.Location)
	}
	t.RawData = dst
	t.External = nil
	return nil
}

// Close unmaps all memory regions. After Close is called, the reader should not be used.
func (r *ExternalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, reader := range r.mappings {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close mmap for %q", path)
		}
	}
	r.mappings = nil
	return firstErr
}
