package chunkupload

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/hasher"
)

const (
	// DefaultChunkSize is the chunk size used when Config.ChunkSize is not set.
	DefaultChunkSize = 4 * 1024 * 1024
	// DefaultConcurrency is the number of chunk uploads running at once when
	// Config.Concurrency is not set.
	DefaultConcurrency = 10

	minAutoChunkSize = 8 * 1024 * 1024
	maxAutoChunkSize = 100 * 1024 * 1024
)

// Config holds the upload parameters. Start from DefaultConfig, ExitOnError
// has no usable zero value.
type Config struct {
	// ChunkSize is the size of every chunk but the last one, in bytes.
	ChunkSize int64

	// Concurrency is the maximum number of chunk uploads in flight.
	Concurrency int

	// Retries is how many times a failed chunk upload is re-queued.
	Retries int

	// ExitOnError makes the first chunk failing all its attempts abort the
	// chunks that did not start yet.
	ExitOnError bool

	// HashWorkers enables parallel chunk hashing with that many workers when
	// greater than 1.
	HashWorkers int

	// WorkerRetries is how many times a failed hash worker range is hashed again.
	WorkerRetries int

	// HungThreshold cancels an upload attempt running this much longer than
	// the average finished attempt. Zero disables hung detection.
	HungThreshold time.Duration

	// Hasher computes chunk and file hashes. Defaults to MD5.
	Hasher hasher.Hasher

	// OnFileHashed is called with the whole file hash before any chunk is hashed.
	OnFileHashed func(fileHash string, elapsed time.Duration)

	// OnHashProgress receives the cumulative hashing progress in percent.
	OnHashProgress func(percent float64)

	// OnUploadProgress receives the upload progress in percent, counting
	// chunks the server already had as done.
	OnUploadProgress func(percent float64)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		Concurrency: DefaultConcurrency,
		Retries:     0,
		ExitOnError: true,
		Hasher:      hasher.MD5{},
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.WorkerRetries < 0 {
		c.WorkerRetries = 0
	}
	if c.Hasher == nil {
		c.Hasher = hasher.MD5{}
	}
	return c
}

// OptimalChunkSize spreads a file of totalSize bytes over concurrency chunks,
// halving very large chunks and clamping the result to [8 MiB, 100 MiB].
func OptimalChunkSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}

	cs := totalSize / int64(concurrency)
	if cs >= maxAutoChunkSize {
		cs /= 2
	}
	if cs < minAutoChunkSize {
		cs = minAutoChunkSize
	}
	if cs > maxAutoChunkSize {
		cs = maxAutoChunkSize
	}
	return cs
}
