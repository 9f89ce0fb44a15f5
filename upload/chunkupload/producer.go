package chunkupload

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// ChunkStream is a pull based sequence of hashed chunks.
type ChunkStream interface {
	// Next returns the next chunk, io.EOF after the last one, or the error
	// that ended the stream.
	Next(ctx context.Context) (ChunkHashResult, error)
	// Close stops production and waits for the producing goroutines to exit.
	Close() error
}

// HashOptions configures a hash producer.
type HashOptions struct {
	ChunkSize int64
	Hasher    hasher.Hasher
	// Skip holds the hashes of chunks that must not be emitted.
	Skip map[string]bool
	// OnProgress receives the cumulative share of hashed chunks in percent,
	// skipped chunks included.
	OnProgress func(percent float64)
	// Workers is the number of parallel hash workers. Parallel producers
	// default to runtime.NumCPU().
	Workers int
	// WorkerRetries is how many times a worker hashes its range again after a failure.
	WorkerRetries int
	Logger        log.Logger
}

func (o HashOptions) withDefaults() HashOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Hasher == nil {
		o.Hasher = hasher.MD5{}
	}
	if o.Logger == nil {
		o.Logger = log.NewLogger()
	}
	return o
}

// HashStream emits the hashed chunks of a Source. Production starts on the
// first Next call and hands chunks over one at a time, so a slow consumer
// stalls hashing.
type HashStream struct {
	src   Source
	opts  HashOptions
	count int
	run   func(s *HashStream)

	out     chan ChunkHashResult
	done    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	// prodErr is written by the producer before out is closed.
	prodErr  error
	finished bool
	err      error
}

// NewSequentialHashProducer hashes chunks one by one in index order.
func NewSequentialHashProducer(src Source, opts HashOptions) *HashStream {
	return newHashStream(src, opts.withDefaults(), (*HashStream).runSequential)
}

// NewParallelHashProducer splits the chunk indices into one contiguous range
// per worker. Each range is emitted as a whole once its worker finished, so
// ranges arrive in completion order.
func NewParallelHashProducer(src Source, opts HashOptions) *HashStream {
	opts = opts.withDefaults()
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return newHashStream(src, opts, (*HashStream).runParallel)
}

// NewHashProducer picks the parallel producer when more than one worker is requested.
func NewHashProducer(src Source, opts HashOptions) *HashStream {
	if opts.Workers > 1 {
		return NewParallelHashProducer(src, opts)
	}
	return NewSequentialHashProducer(src, opts)
}

func newHashStream(src Source, opts HashOptions, run func(s *HashStream)) *HashStream {
	return &HashStream{
		src:     src,
		opts:    opts,
		count:   ChunkCount(opts.ChunkSize, src.Size()),
		run:     run,
		out:     make(chan ChunkHashResult),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Count returns the number of chunks of the source, skipped ones included.
func (s *HashStream) Count() int {
	return s.count
}

// Next starts the producer on first use and returns the next hashed chunk.
// It returns io.EOF once every chunk was emitted and ErrStreamClosed after Close.
// A producer error is returned again by every later call.
func (s *HashStream) Next(ctx context.Context) (ChunkHashResult, error) {
	if s.finished {
		return ChunkHashResult{}, s.err
	}
	if s.closed() {
		return ChunkHashResult{}, ErrStreamClosed
	}

	s.startOnce.Do(func() {
		go func() {
			defer close(s.stopped)
			defer close(s.out)
			s.run(s)
		}()
	})

	select {
	case <-s.done:
		return ChunkHashResult{}, ErrStreamClosed
	case <-ctx.Done():
		return ChunkHashResult{}, ctx.Err()
	case r, ok := <-s.out:
		if ok {
			return r, nil
		}
	}

	s.finished = true
	s.err = s.prodErr
	if s.err == nil {
		s.err = io.EOF
	}
	return ChunkHashResult{}, s.err
}

// Close stops the producer and waits for it to exit. It is safe to call more than once.
func (s *HashStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	// A stream that never started has no producer to wait for.
	s.startOnce.Do(func() { close(s.stopped) })
	<-s.stopped
	return nil
}

func (s *HashStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit hands r to the consumer unless it is skipped. It reports false once the stream was closed.
func (s *HashStream) emit(r ChunkHashResult) bool {
	if s.opts.Skip[r.Hash] {
		return true
	}
	select {
	case s.out <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *HashStream) progress(completed int) {
	if s.opts.OnProgress != nil && s.count > 0 {
		s.opts.OnProgress(float64(completed) / float64(s.count) * 100)
	}
}

func (s *HashStream) runSequential() {
	for i := 0; i < s.count; i++ {
		if s.closed() {
			return
		}

		r, err := hashChunk(s.src, i, s.opts)
		if err != nil {
			s.prodErr = err
			return
		}
		s.progress(i + 1)

		if !s.emit(r) {
			return
		}
	}
}

func (s *HashStream) runParallel() {
	if s.count == 0 {
		return
	}

	workers := s.opts.Workers
	if workers > s.count {
		workers = s.count
	}
	perWorker := (s.count + workers - 1) / workers

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []ChunkHashResult)

	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if end > s.count {
			end = s.count
		}
		if start >= end {
			continue
		}

		g.Go(func() error {
			batch, err := s.hashRangeWithRetry(gctx, start, end)
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(batches)
	}()

	completed := 0
	for batch := range batches {
		completed += len(batch)
		s.progress(completed)

		for _, r := range batch {
			if !s.emit(r) {
				cancel()
				for range batches {
				}
				return
			}
		}
	}

	if waitErr != nil && !s.closed() {
		s.prodErr = waitErr
	}
}

func (s *HashStream) hashRangeWithRetry(ctx context.Context, start, end int) ([]ChunkHashResult, error) {
	var err error
	for attempt := 0; attempt <= s.opts.WorkerRetries; attempt++ {
		var batch []ChunkHashResult
		batch, err = s.hashRange(ctx, start, end)
		if err == nil {
			return batch, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt < s.opts.WorkerRetries {
			s.opts.Logger.Warnf("Hashing chunks %d-%d failed (attempt %d/%d), retrying: %s",
				start, end-1, attempt+1, s.opts.WorkerRetries+1, err)
		}
	}
	return nil, err
}

func (s *HashStream) hashRange(ctx context.Context, start, end int) ([]ChunkHashResult, error) {
	batch := make([]ChunkHashResult, 0, end-start)
	for i := start; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := hashChunk(s.src, i, s.opts)
		if err != nil {
			return nil, err
		}
		batch = append(batch, r)
	}
	return batch, nil
}

func hashChunk(src Source, index int, opts HashOptions) (ChunkHashResult, error) {
	d := ChunkBounds(index, opts.ChunkSize, src.Size())

	counter := &countingReader{r: io.NewSectionReader(src, d.ChunkStart, d.Size())}
	hash, err := opts.Hasher.HashReader(counter)
	if err != nil {
		return ChunkHashResult{}, &ReadError{Index: index, Err: err}
	}
	if counter.n != d.Size() {
		return ChunkHashResult{}, &ReadError{Index: index, Err: fmt.Errorf("read %d of %d bytes", counter.n, d.Size())}
	}

	return ChunkHashResult{
		ChunkDescriptor: d,
		Hash:            hash,
		Blob:            io.NewSectionReader(src, d.ChunkStart, d.Size()),
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// HashChunks hashes every chunk of src and returns them ordered by index.
func HashChunks(ctx context.Context, src Source, opts HashOptions) ([]ChunkHashResult, error) {
	opts.Skip = nil
	stream := NewHashProducer(src, opts)
	defer func() { _ = stream.Close() }()

	results := make([]ChunkHashResult, 0, stream.Count())
	for {
		r, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, nil
}
