package chunkupload

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Source is the random access content of the file being uploaded.
// ReadAt must be safe for concurrent use.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
	Name() string
}

// FileSource reads a file from disk.
type FileSource struct {
	file *os.File
	size int64
	name string
}

// OpenFile opens the file at path as a Source. The caller must Close it.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		file: file,
		size: info.Size(),
		name: filepath.Base(path),
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *FileSource) Size() int64 {
	return s.size
}

func (s *FileSource) Name() string {
	return s.name
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

type bytesSource struct {
	*bytes.Reader
	name string
}

// NewBytesSource returns a Source over data already held in memory.
func NewBytesSource(name string, data []byte) Source {
	return bytesSource{Reader: bytes.NewReader(data), name: name}
}

func (s bytesSource) Name() string {
	return s.name
}
