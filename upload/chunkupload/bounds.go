package chunkupload

// ChunkBounds returns the byte range of the chunk at index. The last chunk of a
// file is truncated at fileSize.
func ChunkBounds(index int, chunkSize, fileSize int64) ChunkDescriptor {
	start := int64(index) * chunkSize
	end := start + chunkSize
	if end > fileSize {
		end = fileSize
	}
	return ChunkDescriptor{Index: index, ChunkStart: start, ChunkEnd: end}
}

// ChunkCount returns how many chunks of chunkSize cover fileSize bytes.
// An empty file has no chunks.
func ChunkCount(chunkSize, fileSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}
