package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const stepExecutionIDEnvKey = "BITRISE_STEP_EXECUTION_ID"

type stepTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newStepTracker(stepID string, envRepo env.Repository, logger log.Logger) stepTracker {
	p := analytics.Properties{
		"step_id":     stepID,
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	if stepExecutionID := envRepo.Get(stepExecutionIDEnvKey); stepExecutionID != "" {
		p["step_execution_id"] = stepExecutionID
	}
	return stepTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *stepTracker) logFileHashed(hashTime time.Duration, size int64, algorithm string) {
	properties := analytics.Properties{
		"hash_time_s":     hashTime.Truncate(time.Second).Seconds(),
		"file_size_bytes": size,
		"hash_algorithm":  algorithm,
	}
	t.tracker.Enqueue("step_chunk_upload_file_hashed", properties)
}

func (t *stepTracker) logFileUploaded(uploadTime time.Duration, size int64, uploadedChunks, oldChunks int, backend string) {
	properties := analytics.Properties{
		"upload_time_s":        uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes":    size,
		"uploaded_chunk_count": uploadedChunks,
		"resumed_chunk_count":  oldChunks,
		"backend":              backend,
	}
	t.tracker.Enqueue("step_chunk_upload_file_uploaded", properties)
}

func (t *stepTracker) logFileFailed(size int64, backend string, err error) {
	properties := analytics.Properties{
		"file_size_bytes": size,
		"backend":         backend,
		"error":           err.Error(),
	}
	t.tracker.Enqueue("step_chunk_upload_file_failed", properties)
}

func (t *stepTracker) wait() {
	t.tracker.Wait()
}
