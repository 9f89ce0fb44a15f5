package chunkupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload/limiter"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TransformOptions configures the upload tasks of an UploadTransformer.
type TransformOptions struct {
	Concurrency   int
	Retries       int
	ExitOnError   bool
	HungThreshold time.Duration
}

// UploadTransformer turns a stream of hashed chunks into a stream of upload
// results, keeping at most Concurrency uploads pending.
type UploadTransformer struct {
	uploader ChunkUploader
	fileHash string
	opts     TransformOptions
	limiter  *limiter.Limiter
	logger   log.Logger
	stats    *Stats
}

// NewUploadTransformer creates a transformer uploading chunks of the file identified by fileHash.
func NewUploadTransformer(uploader ChunkUploader, fileHash string, opts TransformOptions, logger log.Logger) *UploadTransformer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &UploadTransformer{
		uploader: uploader,
		fileHash: fileHash,
		opts:     opts,
		limiter:  limiter.New(opts.Concurrency, opts.Retries, opts.ExitOnError, logger),
		logger:   logger,
		stats:    NewStats(),
	}
}

// Stats returns the upload statistics collected so far.
func (t *UploadTransformer) Stats() *Stats {
	return t.stats
}

// Transform starts consuming in lazily: nothing is read or uploaded until the
// returned stream is pulled.
func (t *UploadTransformer) Transform(in ChunkStream) *UploadStream {
	return &UploadStream{t: t, in: in}
}

func (t *UploadTransformer) schedule(ctx context.Context, chunk ChunkHashResult) *limiter.Future[UploadResult] {
	attempts := 0
	return limiter.Schedule(ctx, t.limiter, func(ctx context.Context) (UploadResult, error) {
		attempts++
		resp, err := t.uploadAttempt(ctx, chunk, attempts)
		if err != nil {
			t.stats.Failed()
			return UploadResult{}, &UploadChunkError{Index: chunk.Index, Attempts: attempts, Err: err}
		}
		return UploadResult{ChunkHashResult: chunk, Uploaded: true, Response: resp}, nil
	})
}

func (t *UploadTransformer) uploadAttempt(ctx context.Context, chunk ChunkHashResult, attempt int) (interface{}, error) {
	t.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
		chunk.Index, attempt, t.opts.Retries+1, t.stats.FinishedCount(), t.stats.Average().Round(time.Millisecond))

	start := time.Now()
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The last attempt is never cut short.
	if t.opts.HungThreshold > 0 && attempt <= t.opts.Retries {
		go t.detectHungUpload(attemptCtx, cancel, start, chunk.Index)
	}

	resp, err := t.uploader.UploadChunk(attemptCtx, chunk, t.fileHash)
	if err != nil {
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			err = fmt.Errorf("cancelled as hung: %w", err)
		}
		t.logger.Warnf("Chunk %d attempt %d failed: %s", chunk.Index, attempt, err)
		return nil, err
	}

	took := time.Since(start)
	t.stats.Update(took)
	t.logger.Debugf("Chunk %d uploaded in %v", chunk.Index, took.Round(time.Millisecond))
	return resp, nil
}

func (t *UploadTransformer) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	interval := t.opts.HungThreshold / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := t.stats.Average()
			if elapsed-avg > t.opts.HungThreshold {
				t.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					index, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
				cancel()
				return
			}
		}
	}
}

type pendingUpload struct {
	future *limiter.Future[UploadResult]
}

// UploadStream emits upload results in the order the chunks were received.
type UploadStream struct {
	t  *UploadTransformer
	in ChunkStream

	queue     []pendingUpload
	inputDone bool
	finished  bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next upload result, io.EOF once every chunk was uploaded,
// or the error that ended the stream. A failed chunk ends the whole stream.
func (s *UploadStream) Next(ctx context.Context) (UploadResult, error) {
	if s.finished {
		return UploadResult{}, s.err
	}

	for !s.inputDone && len(s.queue) < s.t.opts.Concurrency {
		if s.t.limiter.Aborting() {
			return UploadResult{}, s.fail(s.t.limiter.Err())
		}

		chunk, err := s.in.Next(ctx)
		if err == io.EOF {
			s.inputDone = true
			break
		}
		if err != nil {
			return UploadResult{}, s.fail(err)
		}

		s.queue = append(s.queue, pendingUpload{future: s.t.schedule(ctx, chunk)})
		s.t.stats.ObserveQueueDepth(len(s.queue))
	}

	if len(s.queue) == 0 {
		s.finished = true
		s.err = io.EOF
		return UploadResult{}, io.EOF
	}

	oldest := s.queue[0]
	select {
	case <-oldest.future.Done():
	case <-ctx.Done():
		return UploadResult{}, s.fail(ctx.Err())
	}
	s.queue = s.queue[1:]

	r, err := oldest.future.Wait()
	if err != nil {
		// A chunk aborted by another chunk's failure reports that failure.
		if errors.Is(err, limiter.ErrAborted) {
			if cause := s.t.limiter.Err(); cause != nil {
				err = cause
			}
		}
		return UploadResult{}, s.fail(err)
	}
	return r, nil
}

// MaxQueueDepth returns the highest number of pending uploads seen.
func (s *UploadStream) MaxQueueDepth() int {
	return s.t.stats.MaxQueueDepth()
}

// Close closes the input stream and waits for the uploads already started.
// Uploads in flight are not cancelled.
func (s *UploadStream) Close() error {
	s.closeOnce.Do(func() {
		if !s.finished {
			s.finished = true
			s.err = ErrStreamClosed
		}
		s.closeErr = s.in.Close()
		for _, p := range s.queue {
			<-p.future.Done()
		}
		s.queue = nil
	})
	return s.closeErr
}

func (s *UploadStream) fail(err error) error {
	s.finished = true
	s.err = err
	if closeErr := s.in.Close(); closeErr != nil {
		s.t.logger.Warnf("Failed to close chunk stream: %s", closeErr)
	}
	return err
}
