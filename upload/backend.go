package upload

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-chunkupload/upload/journal"
	"github.com/bitrise-io/go-chunkupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// HandlerProvider returns the handler uploading src cut into chunkSize chunks.
type HandlerProvider func(src chunkupload.Source, chunkSize int64) chunkupload.Handler

func (s *Step) newHandlerProvider(ctx context.Context, config stepConfig) (HandlerProvider, error) {
	switch config.Backend {
	case backendHTTP:
		handler, err := network.NewAPIHandler(retryhttp.NewClient(s.logger), config.API, s.logger)
		if err != nil {
			return nil, err
		}
		return func(chunkupload.Source, int64) chunkupload.Handler { return handler }, nil
	case backendS3:
		backend, err := network.NewS3Backend(ctx, config.S3, s.logger)
		if err != nil {
			return nil, err
		}
		return func(src chunkupload.Source, chunkSize int64) chunkupload.Handler {
			return backend.Handler(src, chunkSize)
		}, nil
	case backendOSS:
		backend, err := network.NewOSSBackend(config.OSS, s.logger)
		if err != nil {
			return nil, err
		}
		return func(src chunkupload.Source, chunkSize int64) chunkupload.Handler {
			return backend.Handler(src, chunkSize)
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", config.Backend)
	}
}

// openJournal opens the resume journal and drops its expired records. The
// returned provider records through the journal.
func (s *Step) openJournal(dir string, provider HandlerProvider) (HandlerProvider, func(), error) {
	j, err := journal.Open(dir, journal.Options{})
	if err != nil {
		return nil, nil, err
	}

	removed, err := j.ClearExpired()
	if err != nil {
		s.logger.Warnf("Failed to clear expired journal records: %s", err)
	} else if removed > 0 {
		s.logger.Debugf("Removed %d expired upload(s) from the journal", removed)
	}

	closeFn := func() {
		if err := j.Close(); err != nil {
			s.logger.Warnf("Failed to close journal: %s", err)
		}
	}
	return func(src chunkupload.Source, chunkSize int64) chunkupload.Handler {
		return journal.Wrap(provider(src, chunkSize), j, s.logger)
	}, closeFn, nil
}
