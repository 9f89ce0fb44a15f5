package chunkupload

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// fakeServer keeps uploaded chunks in memory.
type fakeServer struct {
	mu       sync.Mutex
	existing []UploadedChunk
	stored   map[int][]byte
	calls    map[int]int
	// failures is the number of failing attempts per chunk index, -1 fails forever.
	failures map[int]int
	delay    time.Duration
	getErr   error
	mergeErr error

	merged       []UploadedChunk
	mergedName   string
	mergedHash   string
	uploadHashes []string

	active int32
	peak   int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		stored:   map[int][]byte{},
		calls:    map[int]int{},
		failures: map[int]int{},
	}
}

func (s *fakeServer) GetUploadedChunks(_ context.Context, _ string) ([]UploadedChunk, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.existing, nil
}

func (s *fakeServer) UploadChunk(ctx context.Context, chunk ChunkHashResult, fileHash string) (interface{}, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls[chunk.Index]++
	call := s.calls[chunk.Index]
	fail := s.failures[chunk.Index]
	s.uploadHashes = append(s.uploadHashes, fileHash)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail < 0 || call <= fail {
		return nil, errors.New("injected failure")
	}

	data, err := io.ReadAll(chunk.Open())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stored[chunk.Index] = data
	s.mu.Unlock()

	return map[string]int{"index": chunk.Index}, nil
}

func (s *fakeServer) MergeChunks(_ context.Context, filename, fileHash string, chunks []UploadedChunk) (interface{}, error) {
	if s.mergeErr != nil {
		return nil, s.mergeErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = chunks
	s.mergedName = filename
	s.mergedHash = fileHash
	return "merged", nil
}

func (s *fakeServer) callCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[index]
}

func (s *fakeServer) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.calls {
		total += c
	}
	return total
}

func (s *fakeServer) storedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var indices []int
	for i := range s.stored {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// plainHandler hides GetUploadedChunks of the wrapped server.
type plainHandler struct {
	s *fakeServer
}

func (h plainHandler) UploadChunk(ctx context.Context, chunk ChunkHashResult, fileHash string) (interface{}, error) {
	return h.s.UploadChunk(ctx, chunk, fileHash)
}

func (h plainHandler) MergeChunks(ctx context.Context, filename, fileHash string, chunks []UploadedChunk) (interface{}, error) {
	return h.s.MergeChunks(ctx, filename, fileHash, chunks)
}

// failingSource fails every read touching failAt.
type failingSource struct {
	Source
	failAt int64
	// failures is how many reads fail before the source recovers, -1 fails forever.
	failures int32
}

func (s *failingSource) ReadAt(p []byte, off int64) (int, error) {
	if off <= s.failAt && s.failAt < off+int64(len(p)) {
		if atomic.LoadInt32(&s.failures) != 0 {
			atomic.AddInt32(&s.failures, -1)
			return 0, errors.New("disk on fire")
		}
	}
	return s.Source.ReadAt(p, off)
}

// sliceStream is a ChunkStream over prepared chunks that records pulls.
type sliceStream struct {
	chunks []ChunkHashResult
	pulled int32
	closed int32
}

func (s *sliceStream) Next(_ context.Context) (ChunkHashResult, error) {
	i := int(atomic.LoadInt32(&s.pulled))
	if i >= len(s.chunks) {
		return ChunkHashResult{}, io.EOF
	}
	atomic.AddInt32(&s.pulled, 1)
	return s.chunks[i], nil
}

func (s *sliceStream) Close() error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

func chunksOf(t interface{ Helper() }, data []byte, chunkSize int64) []ChunkHashResult {
	t.Helper()
	results, err := HashChunks(context.Background(), NewBytesSource("test", data), HashOptions{ChunkSize: chunkSize})
	if err != nil {
		panic(err)
	}
	return results
}
