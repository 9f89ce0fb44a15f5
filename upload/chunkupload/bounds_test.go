package chunkupload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkBounds(t *testing.T) {
	tests := []struct {
		name      string
		index     int
		chunkSize int64
		fileSize  int64
		want      ChunkDescriptor
	}{
		{name: "first chunk", index: 0, chunkSize: 4, fileSize: 10, want: ChunkDescriptor{Index: 0, ChunkStart: 0, ChunkEnd: 4}},
		{name: "middle chunk", index: 1, chunkSize: 4, fileSize: 10, want: ChunkDescriptor{Index: 1, ChunkStart: 4, ChunkEnd: 8}},
		{name: "truncated last chunk", index: 2, chunkSize: 4, fileSize: 10, want: ChunkDescriptor{Index: 2, ChunkStart: 8, ChunkEnd: 10}},
		{name: "exact multiple", index: 1, chunkSize: 5, fileSize: 10, want: ChunkDescriptor{Index: 1, ChunkStart: 5, ChunkEnd: 10}},
		{name: "file smaller than chunk", index: 0, chunkSize: 4 << 20, fileSize: 3, want: ChunkDescriptor{Index: 0, ChunkStart: 0, ChunkEnd: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChunkBounds(tt.index, tt.chunkSize, tt.fileSize))
		})
	}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 0, ChunkCount(4, 0))
	assert.Equal(t, 1, ChunkCount(4, 1))
	assert.Equal(t, 1, ChunkCount(4, 4))
	assert.Equal(t, 3, ChunkCount(4, 10))
	assert.Equal(t, 3, ChunkCount(4<<20, 10<<20))
}

func TestChunkBounds_TileTheFile(t *testing.T) {
	for _, fileSize := range []int64{1, 7, 64, 1000, 4096, 4097} {
		for _, chunkSize := range []int64{1, 3, 64, 1024} {
			count := ChunkCount(chunkSize, fileSize)

			var next int64
			for i := 0; i < count; i++ {
				d := ChunkBounds(i, chunkSize, fileSize)
				assert.Equal(t, next, d.ChunkStart, "gap before chunk %d (file=%d chunk=%d)", i, fileSize, chunkSize)
				assert.Greater(t, d.Size(), int64(0))
				assert.LessOrEqual(t, d.Size(), chunkSize)
				next = d.ChunkEnd
			}
			assert.Equal(t, fileSize, next, "file=%d chunk=%d", fileSize, chunkSize)
		}
	}
}
