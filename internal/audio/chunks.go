package audio

import (
	"math"
	"voxscribe/pkg/model"
)

// A tail shorter than this at the end of a recording is rounding noise
// from ffprobe. It gets no chunk of its own and is dropped.
const minChunkSeconds = 0.001

// PlanChunks splits [0, duration) into contiguous ranges of at most chunk
// seconds. The last range holds the remainder. Resources are attached by
// the caller.
func PlanChunks(duration, chunk float64) []model.AudioChunk {
	if duration <= 0 || chunk <= 0 {
		return nil
	}

	count := int(math.Ceil((duration - minChunkSeconds) / chunk))
	if count < 1 {
		count = 1
	}

	chunks := make([]model.AudioChunk, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * chunk
		chunks = append(chunks, model.AudioChunk{
			Index: i,
			Start: start,
			End:   math.Min(start+chunk, duration),
		})
	}

	return chunks
}
