package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeResult(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	body, err := EncodeResult(&TranscriptionResult{
		TaskID:     "7-1-1",
		ChatID:     7,
		MessageID:  1,
		Text:       "привет",
		ChunkCount: 3,
		Recognized: 2,
		Success:    true,
		CreatedAt:  created,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "7-1-1", decoded["task_id"])
	assert.Equal(t, "привет", decoded["text"])
	assert.Equal(t, float64(3), decoded["chunk_count"])
	assert.Equal(t, true, decoded["success"])
	assert.NotContains(t, decoded, "error_message")
}

func TestRabbitMQ_PublishResult(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}

	mq, err := NewRabbitMQ(url)
	require.NoError(t, err)
	defer mq.Close()

	err = mq.PublishResult(context.Background(), &TranscriptionResult{TaskID: "integration", Success: true})
	assert.NoError(t, err)
}
