package network

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const contentEncodingZstd = "zstd"

type chunkEncoder struct {
	encoder *zstd.Encoder
}

func newChunkEncoder(level int) (*chunkEncoder, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	return &chunkEncoder{encoder: encoder}, nil
}

// encode compresses a whole chunk. Safe for concurrent use.
func (e *chunkEncoder) encode(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	return e.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// DecodeChunk reverses the zstd encoding applied to chunk bodies.
func DecodeChunk(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
