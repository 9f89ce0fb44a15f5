package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	chunks  map[string]map[int][]byte
	failFor string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{chunks: map[string]map[int][]byte{}}
}

func (m *memoryStore) handler(src chunkupload.Source, _ int64) chunkupload.Handler {
	name := src.Name()
	return chunkupload.HandlerFuncs{
		UploadChunkFunc: func(_ context.Context, chunk chunkupload.ChunkHashResult, _ string) (interface{}, error) {
			data, err := io.ReadAll(chunk.Open())
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.chunks[name] == nil {
				m.chunks[name] = map[int][]byte{}
			}
			m.chunks[name][chunk.Index] = data
			return nil, nil
		},
		MergeChunksFunc: func(_ context.Context, filename, _ string, chunks []chunkupload.UploadedChunk) (interface{}, error) {
			if filename == m.failFor {
				return nil, errors.New("merge rejected")
			}
			return len(chunks), nil
		},
	}
}

func (m *memoryStore) file(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var data []byte
	for i := 0; i < len(m.chunks[name]); i++ {
		data = append(data, m.chunks[name][i]...)
	}
	return data
}

func TestStep_Run(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"app.ipa":  strings.Repeat("ipa", 1000),
		"app.dSYM": strings.Repeat("symbols", 500),
	})

	store := newMemoryStore()
	logger := log.NewLogger()
	step := NewStep(fakeEnvRepo{envVars: map[string]string{
		"CHUNK_UPLOAD_PATHS":      filepath.Join(dir, "app.*"),
		"CHUNK_UPLOAD_CHUNK_SIZE": "1KB",
		"CHUNK_UPLOAD_API_URL":    "https://uploads.example.com",
		"CHUNK_UPLOAD_API_TOKEN":  "token",
	}}, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker(), store.handler)
	tracker := withFakeTracker(step, logger)

	require.NoError(t, step.Run(context.Background(), Input{StepID: "chunk-upload"}))

	assert.Equal(t, strings.Repeat("ipa", 1000), string(store.file("app.ipa")))
	assert.Equal(t, strings.Repeat("symbols", 500), string(store.file("app.dSYM")))
	assert.ElementsMatch(t, []string{
		"step_chunk_upload_file_hashed",
		"step_chunk_upload_file_uploaded",
		"step_chunk_upload_file_hashed",
		"step_chunk_upload_file_uploaded",
	}, tracker.events)
	assert.True(t, tracker.waited)
}

func TestStep_Run_ContinuesAfterFailedFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.bin": "aaaa", "b.bin": "bbbb"})

	store := newMemoryStore()
	store.failFor = "a.bin"
	logger := log.NewLogger()
	step := NewStep(fakeEnvRepo{envVars: map[string]string{
		"CHUNK_UPLOAD_PATHS":     filepath.Join(dir, "a.bin") + "|" + filepath.Join(dir, "b.bin"),
		"CHUNK_UPLOAD_API_URL":   "https://uploads.example.com",
		"CHUNK_UPLOAD_API_TOKEN": "token",
	}}, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker(), store.handler)
	tracker := withFakeTracker(step, logger)

	err := step.Run(context.Background(), Input{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 file(s) failed to upload")
	assert.Contains(t, err.Error(), "merge chunks: merge rejected")

	var mergeErr *chunkupload.MergeError
	assert.True(t, errors.As(err, &mergeErr))
	assert.Equal(t, "bbbb", string(store.file("b.bin")))
	assert.Contains(t, tracker.events, "step_chunk_upload_file_failed")
	assert.Contains(t, tracker.events, "step_chunk_upload_file_uploaded")
}

func TestStep_Run_InvalidConfig(t *testing.T) {
	step := newTestStep(map[string]string{})
	withFakeTracker(step, log.NewLogger())

	err := step.Run(context.Background(), Input{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse inputs")
	assert.Contains(t, err.Error(), "CHUNK_UPLOAD_PATHS")
}

type uploadServer struct {
	mu     sync.Mutex
	chunks map[int][]byte
	puts   int
	failAt int
	merges int
}

func (s *uploadServer) router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/uploads/{fileHash}/chunks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)
	router.HandleFunc("/uploads/{fileHash}/chunks/{index:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		index, _ := strconv.Atoi(mux.Vars(r)["index"])
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.puts++
		if index == s.failAt {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.chunks[index] = body
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("{}"))
	}).Methods(http.MethodPut)
	router.HandleFunc("/uploads/{fileHash}/merge", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.merges++
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"url":"https://files.example.com/data.bin"}`))
	}).Methods(http.MethodPost)
	return router
}

func TestStep_Run_HTTPBackendResumesFromJournal(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789abcdef"), 256)
	writeFiles(t, dir, map[string]string{"data.bin": string(data)})

	server := &uploadServer{chunks: map[int][]byte{}, failAt: 2}
	httpServer := httptest.NewServer(server.router())
	t.Cleanup(httpServer.Close)

	envs := map[string]string{
		"CHUNK_UPLOAD_PATHS":       filepath.Join(dir, "data.bin"),
		"CHUNK_UPLOAD_CHUNK_SIZE":  "1KB",
		"CHUNK_UPLOAD_CONCURRENCY": "1",
		"CHUNK_UPLOAD_RETRIES":     "0",
		"CHUNK_UPLOAD_JOURNAL_DIR": filepath.Join(dir, "journal"),
		"CHUNK_UPLOAD_API_URL":     httpServer.URL,
		"CHUNK_UPLOAD_API_TOKEN":   "token",
	}
	logger := log.NewLogger()

	step := NewStep(fakeEnvRepo{envVars: envs}, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker(), nil)
	withFakeTracker(step, logger)
	require.Error(t, step.Run(context.Background(), Input{}))

	server.mu.Lock()
	server.failAt = -1
	putsAfterFailure := server.puts
	server.mu.Unlock()

	step = NewStep(fakeEnvRepo{envVars: envs}, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker(), nil)
	withFakeTracker(step, logger)
	require.NoError(t, step.Run(context.Background(), Input{}))

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, 1, server.merges)
	assert.Equal(t, putsAfterFailure+2, server.puts)

	var assembled []byte
	for i := 0; i < 4; i++ {
		assembled = append(assembled, server.chunks[i]...)
	}
	assert.Equal(t, data, assembled)
}
