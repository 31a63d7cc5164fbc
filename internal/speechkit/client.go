package speechkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"voxscribe/internal/recognizer"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"

	"go.uber.org/zap"
)

const (
	RecognizeURL = "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize"
	Topic        = "general"
	Name         = "speechkit"
)

type Client struct {
	apiKey   string
	folderID string
	endpoint string
	client   *http.Client
}

// NewClient creates a Yandex SpeechKit client for synchronous recognition
// of short (up to 30s) LPCM fragments.
func NewClient(apiKey, folderID string) *Client {
	return &Client{
		apiKey:   apiKey,
		folderID: folderID,
		endpoint: RecognizeURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithEndpoint overrides the recognition URL
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

func (c *Client) Name() string {
	return Name
}

// Recognize sends pcm as raw LPCM and returns the recognized text
func (c *Client) Recognize(ctx context.Context, pcm model.PCM, language string) (string, error) {
	params := url.Values{}
	params.Set("topic", Topic)
	params.Set("lang", language)
	params.Set("format", "lpcm")
	params.Set("sampleRateHertz", strconv.Itoa(pcm.SampleRate))
	if c.folderID != "" {
		params.Set("folderId", c.folderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+params.Encode(), bytes.NewReader(pcm.Data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Api-Key %s", c.apiKey))
	req.Header.Set("Content-Type", "application/octet-stream")

	logger.Debug("Sending recognition request",
		zap.Int("bytes", len(pcm.Data)),
		zap.Duration("audio", pcm.Duration),
		zap.String("language", language))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", recognizer.Classify(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", recognizer.Classify(fmt.Errorf("failed to read response: %w", err))
	}

	var result RecognitionResponse
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		if decodeErr == nil && result.ErrorMessage != "" {
			message = fmt.Sprintf("%s: %s", result.ErrorCode, result.ErrorMessage)
		}
		return "", recognizer.Classify(&recognizer.ServiceError{
			Service:    Name,
			StatusCode: resp.StatusCode,
			Message:    message,
		})
	}

	if decodeErr != nil {
		return "", recognizer.Classify(fmt.Errorf("failed to unmarshal response: %w", decodeErr))
	}

	text := strings.TrimSpace(result.Result)
	if text == "" {
		return "", recognizer.Classify(recognizer.ErrNoSpeech)
	}

	return text, nil
}
