package network

import (
	"io"
	"sort"

	"github.com/bitrise-io/go-chunkupload/upload/chunkupload"
)

// partLayout is how the file of a multipart upload is cut into parts.
type partLayout struct {
	src       chunkupload.Source
	chunkSize int64
}

func (l partLayout) count() int {
	return chunkupload.ChunkCount(l.chunkSize, l.src.Size())
}

// reconcile checks the merge list against the layout. It returns the entries
// that belong to the file, the chunks no entry covers and the part numbers
// of entries past the end of the file. A chunk is left out of the merge list
// when its content equals a part stored under another number, it still needs
// its own part.
func (l partLayout) reconcile(chunks []chunkupload.UploadedChunk) (kept []chunkupload.UploadedChunk, missing []chunkupload.ChunkHashResult, stale []int) {
	count := l.count()
	covered := make(map[int]bool, count)
	for _, c := range chunks {
		if c.Index < 0 || c.Index >= count {
			stale = append(stale, c.Index+1)
			continue
		}
		covered[c.Index] = true
		kept = append(kept, c)
	}

	for i := 0; i < count; i++ {
		if covered[i] {
			continue
		}
		d := chunkupload.ChunkBounds(i, l.chunkSize, l.src.Size())
		missing = append(missing, chunkupload.ChunkHashResult{
			ChunkDescriptor: d,
			Blob:            io.NewSectionReader(l.src, d.ChunkStart, d.Size()),
		})
	}

	sort.Ints(stale)
	return kept, missing, stale
}

func partNumbers(chunks []chunkupload.ChunkHashResult) []int {
	numbers := make([]int, 0, len(chunks))
	for _, c := range chunks {
		numbers = append(numbers, c.Index+1)
	}
	return numbers
}
