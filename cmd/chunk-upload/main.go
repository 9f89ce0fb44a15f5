package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const stepID = "chunk-upload"

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()
	envRepo := env.NewRepository()
	logger.EnableDebugLog(envRepo.Get("CHUNK_UPLOAD_VERBOSE") == "true")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	step := upload.NewStep(envRepo, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker(), nil)
	if err := step.Run(ctx, upload.Input{StepID: stepID}); err != nil {
		logger.Errorf("Upload failed: %s", err)
		return 1
	}
	return 0
}
