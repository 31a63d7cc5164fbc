// Package audio wraps the external ffmpeg/ffprobe tools and reads the PCM
// WAV files they produce.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/resilience"

	"go.uber.org/zap"
)

// ErrConversion is matched by every converter failure. Conversion errors
// are fatal: a timed out or failed ffmpeg run is not retried.
var ErrConversion = errors.New("audio conversion failed")

// Converter turns downloaded audio into recognizer-ready PCM
type Converter interface {
	Convert(ctx context.Context, in, out string) error
	Extract(ctx context.Context, in, out string, start, end float64) error
	ProbeDuration(ctx context.Context, in string) (float64, error)
}

type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	sampleRate  int
	timeout     time.Duration
}

func NewFFmpeg(ffmpegPath, ffprobePath string, sampleRate int, timeout time.Duration) *FFmpeg {
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		sampleRate:  sampleRate,
		timeout:     timeout,
	}
}

// Convert writes in as mono 16-bit PCM WAV at the configured sample rate
func (f *FFmpeg) Convert(ctx context.Context, in, out string) error {
	_, err := f.run(ctx, f.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", in,
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		"-acodec", "pcm_s16le",
		"-y", out)
	return err
}

// Extract copies the [start, end) second range of in into out
func (f *FFmpeg) Extract(ctx context.Context, in, out string, start, end float64) error {
	_, err := f.run(ctx, f.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", in,
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		"-acodec", "pcm_s16le",
		"-y", out)
	return err
}

// ProbeDuration returns the duration of in, in seconds
func (f *FFmpeg) ProbeDuration(ctx context.Context, in string) (float64, error) {
	stdout, err := f.run(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		in)
	if err != nil {
		return 0, err
	}

	return parseDuration(stdout)
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) (string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()

	logger.Debug("External audio tool finished",
		zap.String("tool", name),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", resilience.Fatal(fmt.Errorf("%w: %s: %w", ErrConversion, name, ctxErr))
		}
		return "", resilience.Fatal(fmt.Errorf("%w: %s: %v: %s",
			ErrConversion, name, err, strings.TrimSpace(stderr.String())))
	}

	return stdout.String(), nil
}

func parseDuration(out string) (float64, error) {
	value := strings.TrimSpace(out)
	if i := strings.IndexByte(value, '\n'); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}

	d, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, resilience.Fatal(fmt.Errorf("%w: unparsable duration %q", ErrConversion, value))
	}
	if d <= 0 {
		return 0, resilience.Fatal(fmt.Errorf("%w: non-positive duration %.3f", ErrConversion, d))
	}

	return d, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
