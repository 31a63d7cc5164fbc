// Package whisper recognizes speech with the OpenAI transcription API.
package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"voxscribe/internal/recognizer"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"

	openai "github.com/sashabaranov/go-openai"
	"github.com/youpy/go-wav"
	"go.uber.org/zap"
)

const Name = "whisper"

// OpenAI rejects clips shorter than this
const minDuration = 100 * time.Millisecond

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

type Client struct {
	client *openai.Client
	model  string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}

	modelName := cfg.Model
	if modelName == "" {
		modelName = openai.Whisper1
	}

	return &Client{
		client: openai.NewClientWithConfig(clientCfg),
		model:  modelName,
	}, nil
}

func (c *Client) Name() string {
	return Name
}

// Recognize uploads pcm as a WAV file. language may be a locale such as
// ru-RU; only its language part is sent.
func (c *Client) Recognize(ctx context.Context, pcm model.PCM, language string) (string, error) {
	if pcm.Duration < minDuration {
		return "", recognizer.Classify(recognizer.ErrNoSpeech)
	}

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: "chunk.wav",
		Reader:   bytes.NewReader(EncodeWAV(pcm)),
		Language: baseLanguage(language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", recognizer.Classify(translateError(err))
	}

	text := strings.TrimSpace(resp.Text)
	logger.Debug("Whisper transcription finished",
		zap.Duration("audio", pcm.Duration),
		zap.Int("text_length", len(text)))

	if text == "" {
		return "", recognizer.Classify(recognizer.ErrNoSpeech)
	}
	return text, nil
}

// EncodeWAV wraps mono 16-bit pcm in a RIFF/WAVE container
func EncodeWAV(pcm model.PCM) []byte {
	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(len(pcm.Data)/2), 1, uint32(pcm.SampleRate), 16)
	w.Write(pcm.Data)
	return buf.Bytes()
}

func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &recognizer.ServiceError{
			Service:    Name,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &recognizer.ServiceError{
			Service:    Name,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    fmt.Sprintf("%v", reqErr.Err),
		}
	}

	return fmt.Errorf("failed to transcribe: %w", err)
}

func baseLanguage(language string) string {
	if i := strings.IndexAny(language, "-_"); i > 0 {
		return strings.ToLower(language[:i])
	}
	return strings.ToLower(language)
}
