package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/log"
)

// OSSParams configures an OSSBackend.
type OSSParams struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     stepconf.Secret
	AccessKeySecret stepconf.Secret
	Prefix          string
}

type ossBucket interface {
	InitiateMultipartUpload(objectKey string, options ...oss.Option) (oss.InitiateMultipartUploadResult, error)
	UploadPart(imur oss.InitiateMultipartUploadResult, reader io.Reader, partSize int64, partNumber int, options ...oss.Option) (oss.UploadPart, error)
	ListMultipartUploads(options ...oss.Option) (oss.ListMultipartUploadResult, error)
	ListUploadedParts(imur oss.InitiateMultipartUploadResult, options ...oss.Option) (oss.ListUploadedPartsResult, error)
	CompleteMultipartUpload(imur oss.InitiateMultipartUploadResult, parts []oss.UploadPart, options ...oss.Option) (oss.CompleteMultipartUploadResult, error)
	AbortMultipartUpload(imur oss.InitiateMultipartUploadResult, options ...oss.Option) error
	PutObject(objectKey string, reader io.Reader, options ...oss.Option) error
}

// OSSBackend creates OSSHandlers sharing one bucket client.
type OSSBackend struct {
	bucket     ossBucket
	bucketName string
	prefix     string
	logger     log.Logger
}

// NewOSSBackend connects to an Alibaba Cloud OSS bucket.
func NewOSSBackend(params OSSParams, logger log.Logger) (*OSSBackend, error) {
	if params.Endpoint == "" || params.Bucket == "" {
		return nil, fmt.Errorf("no endpoint or bucket is specified")
	}

	client, err := oss.New(params.Endpoint, string(params.AccessKeyID), string(params.AccessKeySecret))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	bucket, err := client.Bucket(params.Bucket)
	if err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &OSSBackend{bucket: bucket, bucketName: params.Bucket, prefix: params.Prefix, logger: logger}, nil
}

// Handler returns the handler uploading src cut into chunkSize parts.
func (b *OSSBackend) Handler(src chunkupload.Source, chunkSize int64) chunkupload.ResumableHandler {
	return &OSSHandler{
		bucket:     b.bucket,
		bucketName: b.bucketName,
		prefix:     b.prefix,
		name:       src.Name(),
		layout:     partLayout{src: src, chunkSize: chunkSize},
		logger:     b.logger,
		etags:      map[int]string{},
	}
}

// OSSMergeResult describes the object created by a merge.
type OSSMergeResult struct {
	Bucket   string
	Key      string
	Location string
	ETag     string
}

// OSSHandler uploads one file as an OSS multipart upload, keyed like S3Handler.
type OSSHandler struct {
	bucket     ossBucket
	bucketName string
	prefix     string
	name       string
	layout     partLayout
	logger     log.Logger

	mu    sync.Mutex
	imur  *oss.InitiateMultipartUploadResult
	etags map[int]string
}

// ObjectKey returns the key the file with fileHash is stored under.
func (h *OSSHandler) ObjectKey(fileHash string) string {
	return objectKey(h.prefix, fileHash, h.name)
}

// GetUploadedChunks resumes the latest unfinished multipart upload of the
// file and lists its parts. It starts a new upload when there is none.
func (h *OSSHandler) GetUploadedChunks(ctx context.Context, fileHash string) ([]chunkupload.UploadedChunk, error) {
	imur, resumed, err := h.ensureUpload(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if !resumed {
		return nil, nil
	}

	var chunks []chunkupload.UploadedChunk
	marker := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := h.bucket.ListUploadedParts(imur, oss.PartNumberMarker(marker))
		if err != nil {
			var serviceErr oss.ServiceError
			if errors.As(err, &serviceErr) && serviceErr.Code == "NoSuchUpload" {
				h.logger.Warnf("Multipart upload %s is gone, starting over", imur.UploadID)
				h.reset()
				if _, _, err := h.ensureUpload(ctx, fileHash); err != nil {
					return nil, err
				}
				return nil, nil
			}
			return nil, fmt.Errorf("list uploaded parts: %w", err)
		}

		for _, part := range result.UploadedParts {
			chunks = append(chunks, chunkupload.UploadedChunk{
				Hash:  normalizeETag(part.ETag),
				Index: part.PartNumber - 1,
			})
			if part.PartNumber > marker {
				marker = part.PartNumber
			}
		}

		if !result.IsTruncated || len(result.UploadedParts) == 0 {
			break
		}
	}

	h.logger.Debugf("Resuming multipart upload %s of %s with %d part(s)", imur.UploadID, imur.Key, len(chunks))
	return chunks, nil
}

func (h *OSSHandler) UploadChunk(ctx context.Context, chunk chunkupload.ChunkHashResult, fileHash string) (interface{}, error) {
	imur, _, err := h.ensureUpload(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	part, err := h.bucket.UploadPart(imur, chunk.Open(), chunk.Size(), chunk.Index+1)
	if err != nil {
		return nil, fmt.Errorf("upload part %d: %w", chunk.Index+1, err)
	}

	etag := normalizeETag(part.ETag)
	h.mu.Lock()
	h.etags[chunk.Index] = etag
	h.mu.Unlock()

	return etag, nil
}

// MergeChunks uploads the parts the merge list misses and completes the
// multipart upload. An empty file is stored as an empty object.
func (h *OSSHandler) MergeChunks(ctx context.Context, filename, fileHash string, chunks []chunkupload.UploadedChunk) (interface{}, error) {
	imur, _, err := h.ensureUpload(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept, missing, stale := h.layout.reconcile(chunks)
	if len(stale) > 0 {
		h.logger.Warnf("Ignoring part(s) %v past the end of %s", stale, h.name)
	}
	if len(missing) > 0 {
		h.logger.Debugf("Uploading part(s) %v missing from the merge list", partNumbers(missing))
	}
	for _, chunk := range missing {
		etag, err := h.UploadChunk(ctx, chunk, fileHash)
		if err != nil {
			return nil, err
		}
		kept = append(kept, chunkupload.UploadedChunk{Hash: etag.(string), Index: chunk.Index})
	}

	parts := h.uploadParts(kept)
	if len(parts) == 0 {
		if err := h.bucket.AbortMultipartUpload(imur); err != nil {
			h.logger.Warnf("Failed to abort multipart upload %s: %s", imur.UploadID, err)
		}
		if err := h.bucket.PutObject(imur.Key, bytes.NewReader(nil)); err != nil {
			return nil, fmt.Errorf("put empty object: %w", err)
		}
		h.reset()
		return OSSMergeResult{Bucket: h.bucketName, Key: imur.Key}, nil
	}

	result, err := h.bucket.CompleteMultipartUpload(imur, parts)
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	h.logger.Debugf("Merged %d part(s) of %s into oss://%s/%s", len(parts), filename, h.bucketName, imur.Key)
	h.reset()
	return OSSMergeResult{
		Bucket:   h.bucketName,
		Key:      imur.Key,
		Location: result.Location,
		ETag:     normalizeETag(result.ETag),
	}, nil
}

func (h *OSSHandler) uploadParts(chunks []chunkupload.UploadedChunk) []oss.UploadPart {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := map[int]bool{}
	parts := make([]oss.UploadPart, 0, len(chunks))
	for _, c := range chunks {
		if seen[c.Index] {
			continue
		}
		seen[c.Index] = true

		etag, ok := h.etags[c.Index]
		if !ok {
			etag = c.Hash
		}
		// OSS reports ETags upper case
		parts = append(parts, oss.UploadPart{PartNumber: c.Index + 1, ETag: fmt.Sprintf("%q", strings.ToUpper(etag))})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

func (h *OSSHandler) ensureUpload(ctx context.Context, fileHash string) (oss.InitiateMultipartUploadResult, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := objectKey(h.prefix, fileHash, h.name)
	if h.imur != nil && h.imur.Key == key {
		return *h.imur, false, nil
	}
	h.imur = nil
	h.etags = map[int]string{}

	if err := ctx.Err(); err != nil {
		return oss.InitiateMultipartUploadResult{}, false, err
	}

	list, err := h.bucket.ListMultipartUploads(oss.Prefix(key))
	if err != nil {
		return oss.InitiateMultipartUploadResult{}, false, fmt.Errorf("list multipart uploads: %w", err)
	}

	var latest *oss.UncompletedUpload
	for i := range list.Uploads {
		upload := &list.Uploads[i]
		if upload.Key != key {
			continue
		}
		if latest == nil || upload.Initiated.After(latest.Initiated) {
			latest = upload
		}
	}
	if latest != nil {
		h.imur = &oss.InitiateMultipartUploadResult{Bucket: h.bucketName, Key: key, UploadID: latest.UploadID}
		return *h.imur, true, nil
	}

	imur, err := h.bucket.InitiateMultipartUpload(key)
	if err != nil {
		return oss.InitiateMultipartUploadResult{}, false, fmt.Errorf("initiate multipart upload: %w", err)
	}
	h.imur = &imur
	return imur, false, nil
}

func (h *OSSHandler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.imur = nil
	h.etags = map[int]string{}
}
