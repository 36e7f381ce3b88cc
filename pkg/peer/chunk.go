package peer

// byteRange is a span of a file requested in one FILE_BYTES_REQUEST.
type byteRange struct {
	position, length int64
}

// chunkRanges splits a file of `size` bytes into full blocks followed by the
// remainder. An empty file is still requested once, as a zero length range,
// so that its transfer completes.
func chunkRanges(size, blockSize int64) (ranges []byteRange) {
	if size == 0 {
		return []byteRange{{0, 0}}
	}
	if blockSize <= 0 {
		blockSize = size
	}

	var position int64
	for ; position+blockSize <= size; position += blockSize {
		ranges = append(ranges, byteRange{position, blockSize})
	}
	if remaining := size - position; remaining > 0 {
		ranges = append(ranges, byteRange{position, remaining})
	}
	return ranges
}
