package journal

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
)

type handler struct {
	next    chunkupload.Handler
	journal *Journal
	logger  log.Logger
}

// Wrap returns a handler that records every chunk next uploads and reports
// the recorded chunks on resume, merged with whatever next reports itself.
// The records of a file are dropped once it merged.
func Wrap(next chunkupload.Handler, j *Journal, logger log.Logger) chunkupload.ResumableHandler {
	return &handler{next: next, journal: j, logger: logger}
}

func (h *handler) GetUploadedChunks(ctx context.Context, fileHash string) ([]chunkupload.UploadedChunk, error) {
	var chunks []chunkupload.UploadedChunk
	if resumable, ok := h.next.(chunkupload.ResumableHandler); ok {
		remote, err := resumable.GetUploadedChunks(ctx, fileHash)
		if err != nil {
			return nil, err
		}
		chunks = remote
	}

	local, err := h.journal.UploadedChunks(fileHash)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		seen[c.Index] = true
	}
	for _, c := range local {
		if !seen[c.Index] {
			chunks = append(chunks, c)
		}
	}

	if len(local) > 0 {
		h.logger.Debugf("Journal has %d chunk(s) of %s", len(local), fileHash)
	}
	return chunks, nil
}

func (h *handler) UploadChunk(ctx context.Context, chunk chunkupload.ChunkHashResult, fileHash string) (interface{}, error) {
	resp, err := h.next.UploadChunk(ctx, chunk, fileHash)
	if err != nil {
		return nil, err
	}

	if err := h.journal.Record(fileHash, chunkupload.UploadedChunk{Hash: chunk.Hash, Index: chunk.Index}); err != nil {
		h.logger.Warnf("Failed to record chunk %d in the journal: %s", chunk.Index, err)
	}
	return resp, nil
}

func (h *handler) MergeChunks(ctx context.Context, filename, fileHash string, chunks []chunkupload.UploadedChunk) (interface{}, error) {
	resp, err := h.next.MergeChunks(ctx, filename, fileHash, chunks)
	if err != nil {
		return nil, err
	}

	if err := h.journal.Forget(fileHash); err != nil {
		h.logger.Warnf("Failed to remove %s from the journal: %s", fileHash, err)
	}
	return resp, nil
}
