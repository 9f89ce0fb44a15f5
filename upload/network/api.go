// Package network implements chunk upload handlers for the supported storage backends.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	chunkHashHeader  = "X-Chunk-Hash"
	chunkStartHeader = "X-Chunk-Start"
	chunkEndHeader   = "X-Chunk-End"
)

// APIParams configures an APIHandler.
type APIParams struct {
	BaseURL string
	Token   stepconf.Secret
	// CompressionLevel enables zstd compressed chunk bodies when positive.
	CompressionLevel int
}

type uploadedChunksResponse struct {
	Chunks []chunkupload.UploadedChunk `json:"chunks"`
}

type mergeRequest struct {
	Filename string                      `json:"filename"`
	FileHash string                      `json:"file_hash"`
	Chunks   []chunkupload.UploadedChunk `json:"chunks"`
}

// MergeResponse is the server's answer to a merge request.
type MergeResponse struct {
	URL      string `json:"url"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ChunkReceipt is the server's answer to a chunk upload.
type ChunkReceipt struct {
	Index int
	ETag  string
	Body  json.RawMessage
}

// APIHandler talks to an upload server over HTTP:
//
//	GET  {base}/uploads/{fileHash}/chunks
//	PUT  {base}/uploads/{fileHash}/chunks/{index}
//	POST {base}/uploads/{fileHash}/merge
type APIHandler struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	encoder     *chunkEncoder
	logger      log.Logger
}

// NewAPIHandler creates an APIHandler sending requests with client.
func NewAPIHandler(client *retryablehttp.Client, params APIParams, logger log.Logger) (*APIHandler, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("base URL must not be empty")
	}
	if _, err := url.ParseRequestURI(params.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	var encoder *chunkEncoder
	if params.CompressionLevel > 0 {
		var err error
		encoder, err = newChunkEncoder(params.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("create chunk encoder: %w", err)
		}
	}

	return &APIHandler{
		httpClient:  client,
		baseURL:     params.BaseURL,
		accessToken: string(params.Token),
		encoder:     encoder,
		logger:      logger,
	}, nil
}

func (h *APIHandler) GetUploadedChunks(ctx context.Context, fileHash string) ([]chunkupload.UploadedChunk, error) {
	req, err := h.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/uploads/%s/chunks", h.baseURL, url.PathEscape(fileHash)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer h.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response uploadedChunksResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode uploaded chunks: %w", err)
	}
	return response.Chunks, nil
}

func (h *APIHandler) UploadChunk(ctx context.Context, chunk chunkupload.ChunkHashResult, fileHash string) (interface{}, error) {
	var body interface{} = chunk.Open()
	size := chunk.Size()
	if h.encoder != nil {
		encoded, err := h.encoder.encode(chunk.Open())
		if err != nil {
			return nil, fmt.Errorf("compress chunk %d: %w", chunk.Index, err)
		}
		body = encoded
		size = int64(len(encoded))
	}

	chunkURL := fmt.Sprintf("%s/uploads/%s/chunks/%d", h.baseURL, url.PathEscape(fileHash), chunk.Index)
	req, err := h.newRequest(ctx, http.MethodPut, chunkURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(chunkHashHeader, chunk.Hash)
	req.Header.Set(chunkStartHeader, strconv.FormatInt(chunk.ChunkStart, 10))
	req.Header.Set(chunkEndHeader, strconv.FormatInt(chunk.ChunkEnd, 10))
	if h.encoder != nil {
		req.Header.Set("Content-Encoding", contentEncodingZstd)
	}

	// retryablehttp does not set Content-Length for reader bodies
	req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	req.ContentLength = size

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		h.logger.Warnf("error while dumping request: %s", err)
	}
	h.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer h.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, unwrapError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk response: %w", err)
	}

	receipt := ChunkReceipt{Index: chunk.Index, ETag: resp.Header.Get("ETag")}
	if len(respBody) > 0 {
		receipt.Body = respBody
	}
	return receipt, nil
}

func (h *APIHandler) MergeChunks(ctx context.Context, filename, fileHash string, chunks []chunkupload.UploadedChunk) (interface{}, error) {
	if chunks == nil {
		chunks = []chunkupload.UploadedChunk{}
	}
	body, err := json.Marshal(mergeRequest{Filename: filename, FileHash: fileHash, Chunks: chunks})
	if err != nil {
		return nil, err
	}

	req, err := h.newRequest(ctx, http.MethodPost, fmt.Sprintf("%s/uploads/%s/merge", h.baseURL, url.PathEscape(fileHash)), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer h.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, unwrapError(resp)
	}

	var response MergeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode merge response: %w", err)
	}
	logResponseMessage(response, h.logger)

	return response, nil
}

func (h *APIHandler) newRequest(ctx context.Context, method, rawURL string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if h.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", h.accessToken))
	}
	return req, nil
}

func (h *APIHandler) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		h.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

func logResponseMessage(response MergeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn(response.Message)
}
