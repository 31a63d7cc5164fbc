package queue

import "time"

// TranscriptionResult is published once a voice note has been answered
type TranscriptionResult struct {
	TaskID       string    `json:"task_id"`
	ChatID       int64     `json:"chat_id"`
	MessageID    int64     `json:"message_id"`
	Text         string    `json:"text"`
	ChunkCount   int       `json:"chunk_count"`
	Recognized   int       `json:"recognized"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
