package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// MinS3PartSize is the smallest part S3 accepts for every part but the last.
const MinS3PartSize = 5 * 1024 * 1024

// S3Params configures an S3Backend.
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     stepconf.Secret
	SecretAccessKey stepconf.Secret
	// Endpoint overrides the S3 endpoint, for S3 compatible storages.
	Endpoint string
	// Prefix is prepended to every object key.
	Prefix string
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend creates S3Handlers sharing one client.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
	logger log.Logger
}

// NewS3Backend loads the AWS configuration and creates the S3 client.
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, string(params.AccessKeyID), string(params.SecretAccessKey), logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client, bucket: params.Bucket, prefix: params.Prefix, logger: logger}, nil
}

// Handler returns the handler uploading src cut into chunkSize parts.
func (b *S3Backend) Handler(src chunkupload.Source, chunkSize int64) chunkupload.ResumableHandler {
	return &S3Handler{
		client:    b.client,
		bucket:    b.bucket,
		prefix:    b.prefix,
		name:      src.Name(),
		layout:    partLayout{src: src, chunkSize: chunkSize},
		logger:    b.logger,
		retryWait: 5 * time.Second,
		etags:     map[int]string{},
	}
}

// S3MergeResult describes the object created by a merge.
type S3MergeResult struct {
	Bucket   string
	Key      string
	Location string
	ETag     string
}

// S3Handler uploads one file as an S3 multipart upload. The object key is
// {prefix}{fileHash}/{name}, so an unfinished multipart upload found under
// the key always belongs to the same content and its parts can be reused.
// Part number is chunk index + 1.
type S3Handler struct {
	client    s3API
	bucket    string
	prefix    string
	name      string
	layout    partLayout
	logger    log.Logger
	retryWait time.Duration

	mu       sync.Mutex
	key      string
	uploadID string
	etags    map[int]string
}

// ObjectKey returns the key the file with fileHash is stored under.
func (h *S3Handler) ObjectKey(fileHash string) string {
	return objectKey(h.prefix, fileHash, h.name)
}

// GetUploadedChunks resumes the latest unfinished multipart upload of the
// file and lists its parts. It starts a new upload when there is none.
func (h *S3Handler) GetUploadedChunks(ctx context.Context, fileHash string) ([]chunkupload.UploadedChunk, error) {
	uploadID, resumed, err := h.ensureUpload(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if !resumed {
		return nil, nil
	}

	key := h.ObjectKey(fileHash)
	var chunks []chunkupload.UploadedChunk
	var marker *string
	for {
		out, err := h.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(h.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if isS3ErrorCode(err, "NoSuchUpload") {
				h.logger.Warnf("Multipart upload %s is gone, starting over", uploadID)
				h.reset()
				if _, _, err := h.ensureUpload(ctx, fileHash); err != nil {
					return nil, err
				}
				return nil, nil
			}
			return nil, fmt.Errorf("list parts: %w", err)
		}

		for _, part := range out.Parts {
			chunks = append(chunks, chunkupload.UploadedChunk{
				Hash:  normalizeETag(aws.ToString(part.ETag)),
				Index: int(aws.ToInt32(part.PartNumber)) - 1,
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	h.logger.Debugf("Resuming multipart upload %s of %s with %d part(s)", uploadID, key, len(chunks))
	return chunks, nil
}

func (h *S3Handler) UploadChunk(ctx context.Context, chunk chunkupload.ChunkHashResult, fileHash string) (interface{}, error) {
	uploadID, _, err := h.ensureUpload(ctx, fileHash)
	if err != nil {
		return nil, err
	}

	out, err := h.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(h.ObjectKey(fileHash)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          chunk.Open(),
		ContentLength: aws.Int64(chunk.Size()),
	})
	if err != nil {
		return nil, fmt.Errorf("upload part %d: %w", chunk.Index+1, err)
	}

	etag := normalizeETag(aws.ToString(out.ETag))
	h.mu.Lock()
	h.etags[chunk.Index] = etag
	h.mu.Unlock()

	return etag, nil
}

// MergeChunks uploads the parts the merge list misses and completes the
// multipart upload. An empty file is stored as an empty object.
func (h *S3Handler) MergeChunks(ctx context.Context, filename, fileHash string, chunks []chunkupload.UploadedChunk) (interface{}, error) {
	uploadID, _, err := h.ensureUpload(ctx, fileHash)
	if err != nil {
		return nil, err
	}

	key := h.ObjectKey(fileHash)
	if chunks, err = h.completeChunks(ctx, fileHash, chunks); err != nil {
		return nil, err
	}
	parts := h.completedParts(chunks)
	if len(parts) == 0 {
		return h.putEmptyObject(ctx, key, uploadID)
	}

	var result S3MergeResult
	err = retry.Times(numS3Retries).Wait(h.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := h.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(h.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			if isS3ErrorCode(err, "InvalidPart", "InvalidPartOrder", "NoSuchUpload", "EntityTooSmall") {
				return fmt.Errorf("complete multipart upload: %w", err), true
			}
			h.logger.Warnf("Complete multipart upload attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("complete multipart upload: %w", err), false
		}

		result = S3MergeResult{
			Bucket:   h.bucket,
			Key:      key,
			Location: aws.ToString(out.Location),
			ETag:     normalizeETag(aws.ToString(out.ETag)),
		}
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	h.logger.Debugf("Merged %d part(s) of %s into s3://%s/%s", len(parts), filename, h.bucket, key)
	h.reset()
	return result, nil
}

// completeChunks uploads the parts the merge list does not cover and drops
// the entries past the end of the file.
func (h *S3Handler) completeChunks(ctx context.Context, fileHash string, chunks []chunkupload.UploadedChunk) ([]chunkupload.UploadedChunk, error) {
	kept, missing, stale := h.layout.reconcile(chunks)
	if len(stale) > 0 {
		h.logger.Warnf("Ignoring part(s) %v past the end of %s", stale, h.name)
	}
	if len(missing) > 0 {
		h.logger.Debugf("Uploading part(s) %v missing from the merge list", partNumbers(missing))
	}

	for _, chunk := range missing {
		var etag string
		err := retry.Times(numS3Retries).Wait(h.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
			resp, err := h.UploadChunk(ctx, chunk, fileHash)
			if err != nil {
				if ctx.Err() != nil {
					return err, true
				}
				h.logger.Warnf("Upload part %d attempt %d failed: %s", chunk.Index+1, attempt+1, err)
				return err, false
			}
			etag = resp.(string)
			return nil, true
		})
		if err != nil {
			return nil, err
		}
		kept = append(kept, chunkupload.UploadedChunk{Hash: etag, Index: chunk.Index})
	}
	return kept, nil
}

// completedParts orders the parts by number. For a part listed twice the
// first entry wins, fresh uploads come before resumed parts.
func (h *S3Handler) completedParts(chunks []chunkupload.UploadedChunk) []types.CompletedPart {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := map[int]bool{}
	parts := make([]types.CompletedPart, 0, len(chunks))
	for _, c := range chunks {
		if seen[c.Index] {
			continue
		}
		seen[c.Index] = true

		etag, ok := h.etags[c.Index]
		if !ok {
			etag = c.Hash
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(fmt.Sprintf("%q", etag)),
			PartNumber: aws.Int32(int32(c.Index + 1)),
		})
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts
}

// putEmptyObject stores an empty file, S3 refuses to complete a multipart upload without parts.
func (h *S3Handler) putEmptyObject(ctx context.Context, key, uploadID string) (interface{}, error) {
	if _, err := h.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}); err != nil {
		h.logger.Warnf("Failed to abort multipart upload %s: %s", uploadID, err)
	}

	out, err := h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return nil, fmt.Errorf("put empty object: %w", err)
	}

	h.reset()
	return S3MergeResult{Bucket: h.bucket, Key: key, ETag: normalizeETag(aws.ToString(out.ETag))}, nil
}

// ensureUpload returns the multipart upload of the file, resuming the most
// recent unfinished one when it exists.
func (h *S3Handler) ensureUpload(ctx context.Context, fileHash string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := objectKey(h.prefix, fileHash, h.name)
	if h.uploadID != "" && h.key == key {
		return h.uploadID, false, nil
	}
	h.key = key
	h.uploadID = ""
	h.etags = map[int]string{}

	list, err := h.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return "", false, fmt.Errorf("list multipart uploads: %w", err)
	}

	var latest *types.MultipartUpload
	for i := range list.Uploads {
		upload := &list.Uploads[i]
		if aws.ToString(upload.Key) != key {
			continue
		}
		if latest == nil || aws.ToTime(upload.Initiated).After(aws.ToTime(latest.Initiated)) {
			latest = upload
		}
	}
	if latest != nil {
		h.uploadID = aws.ToString(latest.UploadId)
		return h.uploadID, true, nil
	}

	var uploadID string
	err = retry.Times(numS3Retries).Wait(h.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := h.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			h.logger.Warnf("Create multipart upload attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})
	if err != nil {
		return "", false, err
	}

	h.uploadID = uploadID
	return uploadID, false, nil
}

func (h *S3Handler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploadID = ""
	h.etags = map[int]string{}
}

func isS3ErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

func objectKey(prefix, fileHash, name string) string {
	return fmt.Sprintf("%s%s/%s", prefix, fileHash, name)
}

func normalizeETag(etag string) string {
	return strings.ToLower(strings.Trim(etag, `"`))
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
