package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-token"

type fakeAPI struct {
	mu        sync.Mutex
	chunks    map[string]map[int][]byte
	hashes    map[string]map[int]string
	encodings []string
	merges    []mergeRequest
	puts      int32
	failPuts  int32
	response  MergeResponse
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		chunks: map[string]map[int][]byte{},
		hashes: map[string]map[int]string{},
	}
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+testToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	router.HandleFunc("/uploads/{fileHash}/chunks", f.listChunks).Methods(http.MethodGet)
	router.HandleFunc("/uploads/{fileHash}/chunks/{index:[0-9]+}", f.putChunk).Methods(http.MethodPut)
	router.HandleFunc("/uploads/{fileHash}/merge", f.merge).Methods(http.MethodPost)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func (f *fakeAPI) listChunks(w http.ResponseWriter, r *http.Request) {
	fileHash := mux.Vars(r)["fileHash"]

	f.mu.Lock()
	defer f.mu.Unlock()
	hashes, ok := f.hashes[fileHash]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var response uploadedChunksResponse
	for index, hash := range hashes {
		response.Chunks = append(response.Chunks, chunkupload.UploadedChunk{Hash: hash, Index: index})
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (f *fakeAPI) putChunk(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.puts, 1)
	if atomic.AddInt32(&f.failPuts, -1) >= 0 {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}

	vars := mux.Vars(r)
	index, _ := strconv.Atoi(vars["index"])

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	encoding := r.Header.Get("Content-Encoding")
	if encoding == contentEncodingZstd {
		if body, err = DecodeChunk(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	start, _ := strconv.ParseInt(r.Header.Get(chunkStartHeader), 10, 64)
	end, _ := strconv.ParseInt(r.Header.Get(chunkEndHeader), 10, 64)
	if int64(len(body)) != end-start {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks[vars["fileHash"]] == nil {
		f.chunks[vars["fileHash"]] = map[int][]byte{}
		f.hashes[vars["fileHash"]] = map[int]string{}
	}
	f.chunks[vars["fileHash"]][index] = body
	f.hashes[vars["fileHash"]][index] = r.Header.Get(chunkHashHeader)
	f.encodings = append(f.encodings, encoding)

	w.Header().Set("ETag", fmt.Sprintf("\"%d\"", index))
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"stored":true}`))
}

func (f *fakeAPI) merge(w http.ResponseWriter, r *http.Request) {
	var request mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.merges = append(f.merges, request)
	response := f.response
	f.mu.Unlock()

	if response.URL == "" {
		response.URL = "https://files.example.com/" + request.Filename
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (f *fakeAPI) assembled(fileHash string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var data []byte
	for i := 0; i < len(f.chunks[fileHash]); i++ {
		data = append(data, f.chunks[fileHash][i]...)
	}
	return data
}

func newTestClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return client
}

func newTestHandler(t *testing.T, baseURL string, compressionLevel int, logger log.Logger) *APIHandler {
	handler, err := NewAPIHandler(newTestClient(), APIParams{BaseURL: baseURL, Token: testToken, CompressionLevel: compressionLevel}, logger)
	require.NoError(t, err)
	return handler
}

func uploadConfig() chunkupload.Config {
	config := chunkupload.DefaultConfig()
	config.ChunkSize = 1024
	config.Concurrency = 3
	return config
}

func TestAPIHandler_Upload(t *testing.T) {
	api := newFakeAPI()
	server := api.server(t)
	data := bytes.Repeat([]byte("chunked upload "), 500)

	handler := newTestHandler(t, server.URL, 0, log.NewLogger())
	result, err := chunkupload.New(uploadConfig(), log.NewLogger()).Upload(context.Background(), chunkupload.NewBytesSource("data.txt", data), handler)
	require.NoError(t, err)

	assert.Equal(t, data, api.assembled(result.FileHash))
	require.Len(t, api.merges, 1)
	assert.Equal(t, "data.txt", api.merges[0].Filename)
	assert.Equal(t, result.FileHash, api.merges[0].FileHash)
	assert.Len(t, api.merges[0].Chunks, 8)

	receipt, ok := result.UploadedChunks[0].Response.(ChunkReceipt)
	require.True(t, ok)
	assert.Equal(t, `"0"`, receipt.ETag)
	assert.JSONEq(t, `{"stored":true}`, string(receipt.Body))

	merge, ok := result.MergeResult.(MergeResponse)
	require.True(t, ok)
	assert.Equal(t, "https://files.example.com/data.txt", merge.URL)
}

func TestAPIHandler_ResumesFromServerState(t *testing.T) {
	api := newFakeAPI()
	server := api.server(t)
	data := bytes.Repeat([]byte("resumable"), 400)

	handler := newTestHandler(t, server.URL, 0, log.NewLogger())
	uploader := chunkupload.New(uploadConfig(), log.NewLogger())

	first, err := uploader.Upload(context.Background(), chunkupload.NewBytesSource("r.bin", data), handler)
	require.NoError(t, err)
	putsAfterFirst := atomic.LoadInt32(&api.puts)

	second, err := uploader.Upload(context.Background(), chunkupload.NewBytesSource("r.bin", data), handler)
	require.NoError(t, err)

	assert.Equal(t, putsAfterFirst, atomic.LoadInt32(&api.puts))
	assert.Empty(t, second.UploadedChunks)
	assert.Len(t, second.OldUploadedChunks, len(first.UploadedChunks))
	require.Len(t, api.merges, 2)
	assert.ElementsMatch(t, api.merges[0].Chunks, api.merges[1].Chunks)
}

func TestAPIHandler_GetUploadedChunks_NotFound(t *testing.T) {
	server := newFakeAPI().server(t)
	handler := newTestHandler(t, server.URL, 0, log.NewLogger())

	chunks, err := handler.GetUploadedChunks(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestAPIHandler_CompressedChunks(t *testing.T) {
	api := newFakeAPI()
	server := api.server(t)
	data := bytes.Repeat([]byte("compress me "), 1000)

	handler := newTestHandler(t, server.URL, 3, log.NewLogger())
	result, err := chunkupload.New(uploadConfig(), log.NewLogger()).Upload(context.Background(), chunkupload.NewBytesSource("c.txt", data), handler)
	require.NoError(t, err)

	assert.Equal(t, data, api.assembled(result.FileHash))
	for _, encoding := range api.encodings {
		assert.Equal(t, contentEncodingZstd, encoding)
	}
}

func TestAPIHandler_UploadChunk_ServerError(t *testing.T) {
	api := newFakeAPI()
	api.failPuts = 100
	server := api.server(t)

	config := uploadConfig()
	config.Retries = 1

	handler := newTestHandler(t, server.URL, 0, log.NewLogger())
	_, err := chunkupload.New(config, log.NewLogger()).Upload(context.Background(), chunkupload.NewBytesSource("f", []byte("tiny")), handler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500: storage unavailable")
	assert.Equal(t, int32(2), atomic.LoadInt32(&api.puts))
	assert.Empty(t, api.merges)
}

func TestAPIHandler_Unauthorized(t *testing.T) {
	server := newFakeAPI().server(t)
	handler, err := NewAPIHandler(newTestClient(), APIParams{BaseURL: server.URL, Token: "wrong"}, log.NewLogger())
	require.NoError(t, err)

	_, err = handler.GetUploadedChunks(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestAPIHandler_MergeLogsServerMessage(t *testing.T) {
	api := newFakeAPI()
	api.response = MergeResponse{Message: "Storage quota almost exceeded", Severity: "warning"}
	server := api.server(t)

	mockLogger := new(mocks.Logger)
	mockLogger.On("Warnf", "Storage quota almost exceeded").Return()

	handler := newTestHandler(t, server.URL, 0, mockLogger)
	resp, err := handler.MergeChunks(context.Background(), "f", "hash", nil)
	require.NoError(t, err)

	assert.Equal(t, "Storage quota almost exceeded", resp.(MergeResponse).Message)
	mockLogger.AssertExpectations(t)
	require.Len(t, api.merges, 1)
	assert.NotNil(t, api.merges[0].Chunks)
}

func TestNewAPIHandler_InvalidParams(t *testing.T) {
	_, err := NewAPIHandler(newTestClient(), APIParams{}, log.NewLogger())
	assert.Error(t, err)

	_, err = NewAPIHandler(newTestClient(), APIParams{BaseURL: "not a url"}, log.NewLogger())
	assert.Error(t, err)
}
