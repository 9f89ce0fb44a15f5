// Package chunkupload splits a file into fixed-size chunks, hashes them, uploads
// the chunks the server does not have yet with bounded concurrency, and asks the
// server to merge them.
package chunkupload

import (
	"context"
	"io"
)

// ChunkDescriptor is the byte range of one chunk. ChunkEnd is exclusive.
type ChunkDescriptor struct {
	Index      int
	ChunkStart int64
	ChunkEnd   int64
}

// Size returns the number of bytes in the chunk.
func (d ChunkDescriptor) Size() int64 {
	return d.ChunkEnd - d.ChunkStart
}

// ChunkHashResult is a hashed chunk together with a handle to its bytes.
type ChunkHashResult struct {
	ChunkDescriptor
	Hash string
	// Blob covers exactly the chunk's range of the source.
	Blob *io.SectionReader
}

// Open returns a reader positioned at the start of the chunk. Every upload
// attempt must use its own reader.
func (c ChunkHashResult) Open() *io.SectionReader {
	return io.NewSectionReader(c.Blob, 0, c.Blob.Size())
}

// UploadResult is emitted once a chunk's upload task settled successfully.
type UploadResult struct {
	ChunkHashResult
	Uploaded bool
	// Response is whatever the handler returned for the chunk.
	Response interface{}
}

// UploadedChunk identifies a chunk stored on the server. It is also the
// element type of the list passed to MergeChunks.
type UploadedChunk struct {
	Hash  string `json:"hash"`
	Index int    `json:"index"`
}

// Result is the outcome of a successful file upload.
type Result struct {
	FileHash string
	// UploadedChunks are the chunks uploaded by this run, in emission order.
	UploadedChunks []UploadResult
	// OldUploadedChunks are the chunks the server already had.
	OldUploadedChunks []UploadedChunk
	MergeResult       interface{}
}

// ChunkUploader stores a single chunk on the server.
type ChunkUploader interface {
	UploadChunk(ctx context.Context, chunk ChunkHashResult, fileHash string) (interface{}, error)
}

// ChunkMerger assembles the uploaded chunks into the final file.
type ChunkMerger interface {
	MergeChunks(ctx context.Context, filename, fileHash string, chunks []UploadedChunk) (interface{}, error)
}

// Handler is the server side contract of an upload.
type Handler interface {
	ChunkUploader
	ChunkMerger
}

// ResumableHandler is a Handler that can report the chunks already stored for a file.
type ResumableHandler interface {
	Handler
	GetUploadedChunks(ctx context.Context, fileHash string) ([]UploadedChunk, error)
}

// HandlerFuncs adapts plain functions to ResumableHandler. A nil
// GetUploadedChunksFunc reports no uploaded chunks.
type HandlerFuncs struct {
	GetUploadedChunksFunc func(ctx context.Context, fileHash string) ([]UploadedChunk, error)
	UploadChunkFunc       func(ctx context.Context, chunk ChunkHashResult, fileHash string) (interface{}, error)
	MergeChunksFunc       func(ctx context.Context, filename, fileHash string, chunks []UploadedChunk) (interface{}, error)
}

// GetUploadedChunks calls GetUploadedChunksFunc when set.
func (h HandlerFuncs) GetUploadedChunks(ctx context.Context, fileHash string) ([]UploadedChunk, error) {
	if h.GetUploadedChunksFunc == nil {
		return nil, nil
	}
	return h.GetUploadedChunksFunc(ctx, fileHash)
}

// UploadChunk calls UploadChunkFunc.
func (h HandlerFuncs) UploadChunk(ctx context.Context, chunk ChunkHashResult, fileHash string) (interface{}, error) {
	return h.UploadChunkFunc(ctx, chunk, fileHash)
}

// MergeChunks calls MergeChunksFunc.
func (h HandlerFuncs) MergeChunks(ctx context.Context, filename, fileHash string, chunks []UploadedChunk) (interface{}, error) {
	return h.MergeChunksFunc(ctx, filename, fileHash, chunks)
}
