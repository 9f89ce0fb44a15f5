package chunkupload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader drives the upload of whole files.
type Uploader struct {
	config Config
	logger log.Logger
}

// New creates an Uploader. Zero config fields fall back to their defaults.
func New(config Config, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Uploader{
		config: config.withDefaults(),
		logger: logger,
	}
}

// Upload hashes src, uploads the chunks handler does not have yet and merges
// them. New chunks come first in the merge list, followed by the chunks the
// server reported as already uploaded.
func (u *Uploader) Upload(ctx context.Context, src Source, handler Handler) (result *Result, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("file processing failed: %w", err)
		}
	}()

	start := time.Now()
	fileHash, err := hasher.HashFile(ctx, u.config.Hasher, src, src.Size())
	if err != nil {
		return nil, fmt.Errorf("hash file: %w", &ReadError{Index: -1, Err: err})
	}
	elapsed := time.Since(start)
	u.logger.Debugf("Hashed %s in %s: %s", src.Name(), elapsed.Round(time.Millisecond), fileHash)
	if u.config.OnFileHashed != nil {
		u.config.OnFileHashed(fileHash, elapsed)
	}

	var oldChunks []UploadedChunk
	if resumable, ok := handler.(ResumableHandler); ok {
		oldChunks, err = resumable.GetUploadedChunks(ctx, fileHash)
		if err != nil {
			return nil, fmt.Errorf("get uploaded chunks: %w", err)
		}
	}

	skip := make(map[string]bool, len(oldChunks))
	for _, c := range oldChunks {
		skip[c.Hash] = true
	}

	hashes := NewHashProducer(src, HashOptions{
		ChunkSize:     u.config.ChunkSize,
		Hasher:        u.config.Hasher,
		Skip:          skip,
		OnProgress:    u.config.OnHashProgress,
		Workers:       u.config.HashWorkers,
		WorkerRetries: u.config.WorkerRetries,
		Logger:        u.logger,
	})
	transformer := NewUploadTransformer(handler, fileHash, TransformOptions{
		Concurrency:   u.config.Concurrency,
		Retries:       u.config.Retries,
		ExitOnError:   u.config.ExitOnError,
		HungThreshold: u.config.HungThreshold,
	}, u.logger)
	uploads := transformer.Transform(hashes)

	defer func() {
		if closeErr := uploads.Close(); closeErr != nil {
			u.logger.Warnf("Failed to close upload stream: %s", closeErr)
		}
		if closeErr := hashes.Close(); closeErr != nil {
			u.logger.Warnf("Failed to close hash stream: %s", closeErr)
		}
	}()

	total := hashes.Count()
	u.logger.Debugf("%s: %d chunk(s), %d already uploaded", src.Name(), total, len(oldChunks))

	var uploaded []UploadResult
	for {
		r, err := uploads.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		uploaded = append(uploaded, r)
		if u.config.OnUploadProgress != nil && total > 0 {
			u.config.OnUploadProgress(float64(len(uploaded)+len(oldChunks)) / float64(total) * 100)
		}
	}

	chunks := make([]UploadedChunk, 0, len(uploaded)+len(oldChunks))
	for _, r := range uploaded {
		chunks = append(chunks, UploadedChunk{Hash: r.Hash, Index: r.Index})
	}
	chunks = append(chunks, oldChunks...)

	mergeResult, err := handler.MergeChunks(ctx, src.Name(), fileHash, chunks)
	if err != nil {
		return nil, &MergeError{Err: err}
	}

	stats := transformer.Stats()
	u.logger.Debugf("Uploaded %d chunk(s) of %s [avg=%v] [total=%v] [failed attempts=%d] [max pending=%d]",
		len(uploaded), src.Name(), stats.Average().Round(time.Millisecond), stats.TotalDuration().Round(time.Millisecond),
		stats.FailedAttempts(), stats.MaxQueueDepth())

	return &Result{
		FileHash:          fileHash,
		UploadedChunks:    uploaded,
		OldUploadedChunks: oldChunks,
		MergeResult:       mergeResult,
	}, nil
}
