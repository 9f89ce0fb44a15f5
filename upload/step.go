// Package upload is the step level driver of chunked uploads: it reads the
// step configuration from the environment, resolves the files to upload and
// uploads them one by one through the configured backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// Input is the information that comes from the step calling Run.
type Input struct {
	// StepID identifies the exact step. Used for analytics events.
	StepID string
}

// Step uploads the files configured in the environment.
type Step struct {
	envRepo      env.Repository
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	handlers     HandlerProvider
	newTracker   func(stepID string) stepTracker
}

// NewStep creates a new upload step. `handlers` can be nil, unless you want
// to replace the backend selected by CHUNK_UPLOAD_BACKEND.
func NewStep(
	envRepo env.Repository,
	logger log.Logger,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	handlers HandlerProvider,
) *Step {
	s := &Step{
		envRepo:      envRepo,
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		handlers:     handlers,
	}
	s.newTracker = func(stepID string) stepTracker {
		return newStepTracker(stepID, envRepo, logger)
	}
	return s
}

// Run uploads every configured file. A failing file does not stop the
// upload of the others, the returned error lists every failure.
func (s *Step) Run(ctx context.Context, input Input) error {
	s.logger.TDebugf("Upload start")
	defer func() {
		s.logger.TDebugf("Upload done")
	}()

	config, err := s.createConfig()
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}
	s.logger.EnableDebugLog(config.Verbose)
	s.logger.TDebugf("Config created")

	tracker := s.newTracker(input.StepID)
	defer tracker.wait()
	s.logger.TDebugf("Tracker created")

	handlers := s.handlers
	if handlers == nil {
		if handlers, err = s.newHandlerProvider(ctx, config); err != nil {
			return fmt.Errorf("failed to create %s backend: %w", config.Backend, err)
		}
	}
	if config.JournalDir != "" {
		var closeJournal func()
		if handlers, closeJournal, err = s.openJournal(config.JournalDir, handlers); err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer closeJournal()
	}

	var errs []error
	for _, path := range config.Paths {
		if err := s.uploadFile(ctx, path, config, handlers, &tracker); err != nil {
			s.logger.Errorf("Failed to upload %s: %s", path, err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	s.logger.Println()
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d file(s) failed to upload: %w", len(errs), len(config.Paths), errors.Join(errs...))
	}
	s.logger.Donef("Uploaded %d file(s)", len(config.Paths))
	return nil
}

func (s *Step) uploadFile(ctx context.Context, path string, config stepConfig, handlers HandlerProvider, tracker *stepTracker) error {
	src, err := chunkupload.OpenFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	s.logger.Println()
	s.logger.Infof("Uploading %s...", path)
	s.logger.Printf("File size: %s", units.HumanSizeWithPrecision(float64(src.Size()), 3))

	uploadConfig := s.uploadConfig(config, src.Size())
	s.logger.Debugf("Chunk size: %s, concurrency: %d", units.BytesSize(float64(uploadConfig.ChunkSize)), uploadConfig.Concurrency)

	uploadConfig.OnFileHashed = func(fileHash string, elapsed time.Duration) {
		s.logger.Printf("File hash (%s): %s", config.HashName, fileHash)
		tracker.logFileHashed(elapsed, src.Size(), config.HashName)
	}
	uploadConfig.OnUploadProgress = s.progressLogger()

	uploadStartTime := time.Now()
	result, err := chunkupload.New(uploadConfig, s.logger).Upload(ctx, src, handlers(src, uploadConfig.ChunkSize))
	if err != nil {
		tracker.logFileFailed(src.Size(), config.Backend, err)
		return err
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)

	s.logger.Donef("Uploaded %s in %s (%d new chunk(s), %d already uploaded)",
		src.Name(), uploadTime, len(result.UploadedChunks), len(result.OldUploadedChunks))
	tracker.logFileUploaded(uploadTime, src.Size(), len(result.UploadedChunks), len(result.OldUploadedChunks), config.Backend)
	return nil
}

func (s *Step) uploadConfig(config stepConfig, fileSize int64) chunkupload.Config {
	c := chunkupload.DefaultConfig()
	c.ChunkSize = config.ChunkSize
	if config.AutoChunk {
		c.ChunkSize = chunkupload.OptimalChunkSize(fileSize, config.Concurrency)
	}
	c.Concurrency = config.Concurrency
	c.Retries = config.Retries
	c.ExitOnError = config.ExitOnError
	c.HashWorkers = config.HashWorkers
	c.WorkerRetries = config.WorkerRetries
	c.HungThreshold = config.HungThreshold
	c.Hasher = config.Hasher
	return c
}

// progressLogger prints the upload progress in 10% steps.
func (s *Step) progressLogger() func(percent float64) {
	next := 10.0
	return func(percent float64) {
		if percent < next {
			return
		}
		for next <= percent {
			next += 10
		}
		s.logger.Printf("Upload progress: %.0f%%", percent)
	}
}
