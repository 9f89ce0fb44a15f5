package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-chunkupload/upload/network"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

const (
	backendHTTP = "http"
	backendS3   = "s3"
	backendOSS  = "oss"

	chunkSizeAuto = "auto"

	defaultRetries = 3
)

// inputs are the raw step inputs. Unset variables keep the value the
// struct was created with.
type inputs struct {
	Verbose         bool   `env:"CHUNK_UPLOAD_VERBOSE"`
	Paths           string `env:"CHUNK_UPLOAD_PATHS,required"`
	Backend         string `env:"CHUNK_UPLOAD_BACKEND"`
	ChunkSize       string `env:"CHUNK_UPLOAD_CHUNK_SIZE"`
	Concurrency     int    `env:"CHUNK_UPLOAD_CONCURRENCY"`
	Retries         int    `env:"CHUNK_UPLOAD_RETRIES"`
	HashWorkers     int    `env:"CHUNK_UPLOAD_HASH_WORKERS"`
	WorkerRetries   int    `env:"CHUNK_UPLOAD_WORKER_RETRIES"`
	HungThreshold   string `env:"CHUNK_UPLOAD_HUNG_THRESHOLD"`
	ContinueOnError bool   `env:"CHUNK_UPLOAD_CONTINUE_ON_ERROR"`
	HashAlgorithm   string `env:"CHUNK_UPLOAD_HASH_ALGORITHM"`
	JournalDir      string `env:"CHUNK_UPLOAD_JOURNAL_DIR"`

	APIBaseURL       stepconf.Secret `env:"CHUNK_UPLOAD_API_URL"`
	APIAccessToken   stepconf.Secret `env:"CHUNK_UPLOAD_API_TOKEN"`
	CompressionLevel int             `env:"CHUNK_UPLOAD_COMPRESSION_LEVEL"`

	Bucket             string          `env:"CHUNK_UPLOAD_BUCKET"`
	ObjectPrefix       string          `env:"CHUNK_UPLOAD_OBJECT_PREFIX"`
	S3Endpoint         string          `env:"CHUNK_UPLOAD_S3_ENDPOINT"`
	AWSRegion          string          `env:"AWS_REGION"`
	AWSAccessKeyID     stepconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey stepconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`

	OSSEndpoint        string          `env:"OSS_ENDPOINT"`
	OSSAccessKeyID     stepconf.Secret `env:"OSS_ACCESS_KEY_ID"`
	OSSAccessKeySecret stepconf.Secret `env:"OSS_ACCESS_KEY_SECRET"`
}

type stepConfig struct {
	Verbose       bool
	Paths         []string
	Backend       string
	ChunkSize     int64
	AutoChunk     bool
	Concurrency   int
	Retries       int
	HashWorkers   int
	WorkerRetries int
	HungThreshold time.Duration
	ExitOnError   bool
	Hasher        hasher.Hasher
	HashName      string
	JournalDir    string

	API network.APIParams
	S3  network.S3Params
	OSS network.OSSParams
}

func (s *Step) createConfig() (stepConfig, error) {
	in := inputs{
		Concurrency: chunkupload.DefaultConcurrency,
		Retries:     defaultRetries,
	}
	if err := stepconf.NewInputParser(s.envRepo).Parse(&in); err != nil {
		return stepConfig{}, err
	}
	s.logger.TDebugf("Inputs parsed")

	paths, err := s.evaluatePaths(splitPaths(in.Paths))
	s.logger.TDebugf("Paths evaluated")
	if err != nil {
		return stepConfig{}, fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(paths) == 0 {
		return stepConfig{}, fmt.Errorf("no file matches the provided paths")
	}

	config := stepConfig{
		Verbose:       in.Verbose,
		Paths:         paths,
		Backend:       strings.ToLower(strings.TrimSpace(in.Backend)),
		Concurrency:   in.Concurrency,
		Retries:       in.Retries,
		HashWorkers:   in.HashWorkers,
		WorkerRetries: in.WorkerRetries,
		ExitOnError:   !in.ContinueOnError,
		JournalDir:    in.JournalDir,
	}
	if config.Backend == "" {
		config.Backend = backendHTTP
	}

	for _, check := range []struct {
		key        string
		value, min int
	}{
		{"CHUNK_UPLOAD_CONCURRENCY", in.Concurrency, 1},
		{"CHUNK_UPLOAD_RETRIES", in.Retries, 0},
		{"CHUNK_UPLOAD_HASH_WORKERS", in.HashWorkers, 0},
		{"CHUNK_UPLOAD_WORKER_RETRIES", in.WorkerRetries, 0},
		{"CHUNK_UPLOAD_COMPRESSION_LEVEL", in.CompressionLevel, 0},
	} {
		if check.value < check.min {
			return stepConfig{}, fmt.Errorf("'%s' should be at least %d, got %d", check.key, check.min, check.value)
		}
	}

	rawChunkSize := strings.TrimSpace(in.ChunkSize)
	switch rawChunkSize {
	case "":
		config.ChunkSize = chunkupload.DefaultChunkSize
	case chunkSizeAuto:
		config.AutoChunk = true
	default:
		size, err := units.RAMInBytes(rawChunkSize)
		if err != nil {
			return stepConfig{}, fmt.Errorf("invalid chunk size '%s': %w", rawChunkSize, err)
		}
		if size <= 0 {
			return stepConfig{}, fmt.Errorf("chunk size should be positive, got %s", rawChunkSize)
		}
		config.ChunkSize = size
	}

	if raw := strings.TrimSpace(in.HungThreshold); raw != "" {
		threshold, err := time.ParseDuration(raw)
		if err != nil {
			return stepConfig{}, fmt.Errorf("invalid hung threshold '%s': %w", raw, err)
		}
		if threshold < 0 {
			return stepConfig{}, fmt.Errorf("hung threshold should not be negative, got %s", raw)
		}
		config.HungThreshold = threshold
	}

	algorithm := strings.TrimSpace(in.HashAlgorithm)
	if config.Hasher, err = hasher.ForName(algorithm); err != nil {
		return stepConfig{}, err
	}
	config.HashName = strings.ToLower(algorithm)
	if config.HashName == "" {
		config.HashName = "md5"
	}

	switch config.Backend {
	case backendHTTP:
		err = s.createAPIConfig(in, &config)
	case backendS3:
		err = s.createS3Config(in, &config)
	case backendOSS:
		err = s.createOSSConfig(in, &config)
	default:
		err = fmt.Errorf("unknown backend '%s', valid values: %s, %s, %s", config.Backend, backendHTTP, backendS3, backendOSS)
	}
	if err != nil {
		return stepConfig{}, err
	}

	return config, nil
}

func (s *Step) createAPIConfig(in inputs, config *stepConfig) error {
	if in.APIBaseURL == "" {
		return fmt.Errorf("the secret 'CHUNK_UPLOAD_API_URL' is not defined")
	}
	if in.APIAccessToken == "" {
		return fmt.Errorf("the secret 'CHUNK_UPLOAD_API_TOKEN' is not defined")
	}
	s.logger.TDebugf("Url and token are valid")

	if in.CompressionLevel > 19 {
		return fmt.Errorf("compression level should be between 1 and 19")
	}
	config.API = network.APIParams{
		BaseURL:          string(in.APIBaseURL),
		Token:            in.APIAccessToken,
		CompressionLevel: in.CompressionLevel,
	}
	return nil
}

func (s *Step) createS3Config(in inputs, config *stepConfig) error {
	config.S3 = network.S3Params{
		Region:          in.AWSRegion,
		Bucket:          in.Bucket,
		AccessKeyID:     in.AWSAccessKeyID,
		SecretAccessKey: in.AWSSecretAccessKey,
		Endpoint:        in.S3Endpoint,
		Prefix:          in.ObjectPrefix,
	}
	if config.S3.Region == "" {
		return fmt.Errorf("the input 'AWS_REGION' is not defined")
	}
	if config.S3.Bucket == "" {
		return fmt.Errorf("the input 'CHUNK_UPLOAD_BUCKET' is not defined")
	}

	if !config.AutoChunk && config.ChunkSize < network.MinS3PartSize {
		s.logger.Warnf("Chunk size %s is below the S3 minimum part size, using %s",
			units.BytesSize(float64(config.ChunkSize)), units.BytesSize(network.MinS3PartSize))
		config.ChunkSize = network.MinS3PartSize
	}
	return nil
}

func (s *Step) createOSSConfig(in inputs, config *stepConfig) error {
	config.OSS = network.OSSParams{
		Endpoint:        in.OSSEndpoint,
		Bucket:          in.Bucket,
		AccessKeyID:     in.OSSAccessKeyID,
		AccessKeySecret: in.OSSAccessKeySecret,
		Prefix:          in.ObjectPrefix,
	}
	if config.OSS.Endpoint == "" {
		return fmt.Errorf("the input 'OSS_ENDPOINT' is not defined")
	}
	if config.OSS.Bucket == "" {
		return fmt.Errorf("the input 'CHUNK_UPLOAD_BUCKET' is not defined")
	}
	if config.OSS.AccessKeyID == "" || config.OSS.AccessKeySecret == "" {
		return fmt.Errorf("the secrets 'OSS_ACCESS_KEY_ID' and 'OSS_ACCESS_KEY_SECRET' are not defined")
	}
	return nil
}

func splitPaths(raw string) []string {
	var paths []string
	for _, line := range strings.Split(raw, "\n") {
		for _, path := range strings.Split(line, "|") {
			if path = strings.TrimSpace(path); path != "" {
				paths = append(paths, path)
			}
		}
	}
	return paths
}

func (s *Step) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := s.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			s.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			s.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	// Validate and sanitize paths
	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := s.pathModifier.AbsPath(path)
		if err != nil {
			s.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := s.pathChecker.IsPathExists(absPath)
		if err != nil {
			s.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			s.logger.Warnf("Upload path doesn't exist: %s", path)
			continue
		}
		if isDir, _ := s.pathChecker.IsDirExists(absPath); isDir {
			s.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		if !seen[absPath] {
			seen[absPath] = true
			finalPaths = append(finalPaths, absPath)
		}
	}

	return finalPaths, nil
}
