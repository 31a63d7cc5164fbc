package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"voxscribe/pkg/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsURL(t *testing.T) {
	dir := t.TempDir()

	got, err := migrationsURL(dir)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "file://"), got)
	assert.True(t, strings.HasSuffix(got, filepath.ToSlash(dir)), got)
}

func TestMigrationsURL_Relative(t *testing.T) {
	got, err := migrationsURL("migrations")
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(wd, "migrations")), got)
}

type putRequest struct {
	method      string
	path        string
	contentType string
	body        []byte
}

func newS3Server(t *testing.T) (*httptest.Server, *[]putRequest, *sync.Mutex) {
	t.Helper()

	var mu sync.Mutex
	var requests []putRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, putRequest{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		})
		mu.Unlock()

		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server, &requests, &mu
}

func TestS3Storage_UploadFile(t *testing.T) {
	server, requests, mu := newS3Server(t)

	archive, err := NewS3Storage(context.Background(), S3Config{
		Endpoint:  server.URL + "/",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "voice-archive",
		Region:    "ru-central1",
	})
	require.NoError(t, err)

	url, err := archive.UploadFile(context.Background(), "voice/2024/05/01/task.ogg",
		bytes.NewReader([]byte("OggS-payload")), "audio/ogg")
	require.NoError(t, err)

	assert.Equal(t, server.URL+"/voice-archive/voice/2024/05/01/task.ogg", url)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/voice-archive/voice/2024/05/01/task.ogg", req.path)
	assert.Equal(t, "audio/ogg", req.contentType)
	assert.Equal(t, []byte("OggS-payload"), req.body)
}

func TestS3Storage_UploadFileError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
	}))
	defer server.Close()

	archive, err := NewS3Storage(context.Background(), S3Config{
		Endpoint:  server.URL,
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "voice-archive",
		Region:    "ru-central1",
	})
	require.NoError(t, err)

	_, err = archive.UploadFile(context.Background(), "voice/task.ogg", bytes.NewReader([]byte("x")), "audio/ogg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload file")
}

func TestS3Storage_GenerateKey(t *testing.T) {
	archive, err := NewS3Storage(context.Background(), S3Config{
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "voice-archive",
		Region:    "ru-central1",
	})
	require.NoError(t, err)
	archive.now = func() time.Time { return time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC) }

	assert.Equal(t, "voice/2024/05/01/7-3-99.ogg", archive.GenerateKey("7-3-99", ".ogg"))
	assert.Equal(t, DefaultS3Endpoint+"/voice-archive/voice/a.ogg", archive.ObjectURL("voice/a.ogg"))
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	_, err := NewS3Storage(context.Background(), S3Config{Region: "ru-central1"})
	assert.Error(t, err)
}

// Integration test, requires a disposable database in DATABASE_URL
func TestPostgresStorage_TaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStorage(ctx, dsn, filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := model.NewTask(model.Event{
		Kind:      model.EventVoice,
		MessageID: 3,
		SenderID:  42,
		ChatID:    7,
		FileRef:   "file-" + uuid.New().String(),
		Duration:  12,
	}, now)

	require.NoError(t, store.CreateTask(ctx, task))

	task.SetStage(model.StageReport)
	task.SetCompleted()
	task.ChunkCount = 3
	task.Recognized = 2
	require.NoError(t, store.UpdateTask(ctx, task))

	got, err := store.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageReport, got.Stage)
	assert.Equal(t, model.TaskStatusDone, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 2, got.Recognized)
	assert.Equal(t, "file", strings.SplitN(got.FileRef, "-", 2)[0])

	transcript := &model.Transcript{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		Text:       "привет мир",
		ChunkCount: 3,
		Recognized: 2,
		CreatedAt:  now,
	}
	require.NoError(t, store.CreateTranscript(ctx, transcript))

	gotTranscript, err := store.GetTranscriptByTaskID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, transcript.Text, gotTranscript.Text)

	_, err = store.GetTaskByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	missing := *task
	missing.ID = "missing"
	assert.ErrorIs(t, store.UpdateTask(ctx, &missing), ErrNotFound)
}
