package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies an inbound transport event
type EventKind string

const (
	EventVoice   EventKind = "voice"
	EventText    EventKind = "text"
	EventCommand EventKind = "command"
)

// Event is one inbound message delivered by the polling transport
type Event struct {
	Kind       EventKind `json:"kind"`
	UpdateID   int       `json:"update_id"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	ChatID     int64     `json:"chat_id"`
	FileRef    string    `json:"file_ref,omitempty"`
	Duration   int       `json:"duration,omitempty"`
	FileSize   int64     `json:"file_size,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	Text       string    `json:"text,omitempty"`
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// Stage is the pipeline step a task is currently in
type Stage string

const (
	StageCreated   Stage = "created"
	StageAcquire   Stage = "acquire"
	StageConvert   Stage = "convert"
	StageSplit     Stage = "split"
	StageRecognize Stage = "recognize"
	StageReport    Stage = "report"
	StageCleanup   Stage = "cleanup"
)

// JSONB represents a JSONB field for PostgreSQL
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported meta type %T", value)
	}
}

// Task represents a voice message processing task
type Task struct {
	ID         string     `json:"id" db:"id"`
	MessageID  int64      `json:"message_id" db:"message_id"`
	ChatID     int64      `json:"chat_id" db:"chat_id"`
	SenderID   int64      `json:"sender_id" db:"sender_id"`
	FileRef    string     `json:"file_ref" db:"file_ref"`
	Stage      Stage      `json:"stage" db:"stage"`
	Status     TaskStatus `json:"status" db:"status"`
	ChunkCount int        `json:"chunk_count" db:"chunk_count"`
	Recognized int        `json:"recognized" db:"recognized"`
	Failed     int        `json:"failed" db:"-"`
	ErrorText  *string    `json:"error_text,omitempty" db:"error_text"`
	Meta       JSONB      `json:"meta" db:"meta"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`

	// Fragments holds one entry per chunk, indexed by chunk index.
	Fragments []string `json:"-" db:"-"`
}

// NewTask builds a queued task for a voice event. The id combines the
// originating chat and message with a nanosecond timestamp so temp file
// names never collide across concurrent tasks.
func NewTask(ev Event, now time.Time) *Task {
	return &Task{
		ID:        fmt.Sprintf("%d-%d-%d", ev.ChatID, ev.MessageID, now.UnixNano()),
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		SenderID:  ev.SenderID,
		FileRef:   ev.FileRef,
		Stage:     StageCreated,
		Status:    TaskStatusQueued,
		Meta: JSONB{
			"voice_duration": ev.Duration,
			"file_size":      ev.FileSize,
			"mime_type":      ev.MimeType,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transcript represents a transcribed text result
type Transcript struct {
	ID         string    `json:"id" db:"id"`
	TaskID     string    `json:"task_id" db:"task_id"`
	Text       string    `json:"text" db:"text"`
	ChunkCount int       `json:"chunk_count" db:"chunk_count"`
	Recognized int       `json:"recognized" db:"recognized"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// TemporaryResource is a filesystem artifact owned by a single task
type TemporaryResource struct {
	Path   string `json:"path"`
	TaskID string `json:"task_id"`
	Stage  Stage  `json:"stage"`
}

// AudioChunk is a slice [Start, End) of the converted audio, in seconds
type AudioChunk struct {
	Index    int                `json:"index"`
	Start    float64            `json:"start"`
	End      float64            `json:"end"`
	Resource *TemporaryResource `json:"resource,omitempty"`
}

// Duration returns the chunk length in seconds
func (c AudioChunk) Duration() float64 {
	return c.End - c.Start
}

// PCM is raw little-endian signed 16-bit mono audio
type PCM struct {
	Data       []byte
	SampleRate int
	Duration   time.Duration
}

// IsCompleted returns true if the task is in a final state
func (t *Task) IsCompleted() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusFailed
}

// SetStage moves the task to the given pipeline stage
func (t *Task) SetStage(stage Stage) {
	t.Stage = stage
	t.UpdatedAt = time.Now()
}

// SetError sets the task status to failed with error message
func (t *Task) SetError(errorText string) {
	t.Status = TaskStatusFailed
	t.ErrorText = &errorText
	t.UpdatedAt = time.Now()
}

// SetCompleted sets the task status to done
func (t *Task) SetCompleted() {
	t.Status = TaskStatusDone
	t.UpdatedAt = time.Now()
}

// SetInProgress sets the task status to in progress
func (t *Task) SetInProgress() {
	t.Status = TaskStatusInProgress
	t.UpdatedAt = time.Now()
}
