package fetcher

import (
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/slicenetlabs/slicenetd/modules"
)

var (
	// errZeroSliceSize is returned when a download is requested for a
	// slice of size zero.
	errZeroSliceSize = errors.New("slice size may not be zero")

	// errZeroChunkSize is returned when the chunk size cap is zero.
	errZeroChunkSize = errors.New("max chunk size may not be zero")
)

// planChunks splits a slice of sliceSize bytes into contiguous chunks of at
// most maxChunkSize bytes each. The chunks tile [0, sliceSize) exactly; only
// the final chunk may be shorter than maxChunkSize. planChunks is pure and
// deterministic.
func planChunks(sliceSize, maxChunkSize uint64) ([]*chunk, error) {
	if sliceSize == 0 {
		return nil, errZeroSliceSize
	}
	if maxChunkSize == 0 {
		return nil, errZeroChunkSize
	}
	numChunks := sliceSize / maxChunkSize
	if sliceSize%maxChunkSize != 0 {
		numChunks++
	}
	chunks := make([]*chunk, 0, numChunks)
	for offset := uint64(0); offset < sliceSize; offset += maxChunkSize {
		length := maxChunkSize
		if remaining := sliceSize - offset; remaining < length {
			length = remaining
		}
		chunks = append(chunks, &chunk{
			staticIndex:  len(chunks),
			staticOffset: offset,
			staticLength: length,
			tried:        make(map[modules.NodeID]struct{}),
		})
	}
	return chunks, nil
}
