package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"voxscribe/pkg/model"

	"github.com/youpy/go-wav"
)

// ReadPCM loads the sample data of a mono 16-bit PCM WAV file
func ReadPCM(path string) (model.PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.PCM{}, fmt.Errorf("failed to open wav: %w", err)
	}
	defer f.Close()

	r := wav.NewReader(f)

	format, err := r.Format()
	if err != nil {
		return model.PCM{}, fmt.Errorf("failed to read wav format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM || format.NumChannels != 1 || format.BitsPerSample != 16 {
		return model.PCM{}, fmt.Errorf("unsupported wav format: codec=%d channels=%d bits=%d",
			format.AudioFormat, format.NumChannels, format.BitsPerSample)
	}

	duration, err := r.Duration()
	if err != nil {
		return model.PCM{}, fmt.Errorf("failed to read wav duration: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return model.PCM{}, fmt.Errorf("failed to read wav data: %w", err)
	}

	return model.PCM{
		Data:       data,
		SampleRate: int(format.SampleRate),
		Duration:   duration,
	}, nil
}

// Level returns the RMS amplitude of pcm normalized to [0, 1]
func Level(pcm model.PCM) float64 {
	samples := len(pcm.Data) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm.Data[2*i:])))
		sum += v * v
	}

	return math.Sqrt(sum/float64(samples)) / math.MaxInt16
}

// IsSilent reports whether pcm stays below threshold. A zero threshold
// disables the check.
func IsSilent(pcm model.PCM, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return Level(pcm) < threshold
}
