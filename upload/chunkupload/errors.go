package chunkupload

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// ReadError means a chunk or the whole file could not be read or hashed.
type ReadError struct {
	// Index is the chunk index, or -1 for the whole file.
	Index int
	Err   error
}

func (e *ReadError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("read file: %s", e.Err)
	}
	return fmt.Sprintf("read chunk %d: %s", e.Index, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// UploadChunkError means a chunk upload failed on every attempt.
type UploadChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *UploadChunkError) Error() string {
	return fmt.Sprintf("upload chunk %d failed after %d attempt(s): %s", e.Index, e.Attempts, e.Err)
}

func (e *UploadChunkError) Unwrap() error {
	return e.Err
}

// MergeError means the server refused to merge the chunks.
type MergeError struct {
	Err error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge chunks: %s", e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}
