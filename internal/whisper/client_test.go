package whisper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
	"voxscribe/internal/audio"
	"voxscribe/internal/recognizer"
	"voxscribe/pkg/model"
	"voxscribe/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPCM(d time.Duration) model.PCM {
	samples := int(d.Seconds() * 16000)
	return model.PCM{Data: make([]byte, samples*2), SampleRate: 16000, Duration: d}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(Config{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestClient_Recognize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "ru", r.FormValue("language"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "RIFF", string(data[:4]))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":" добрый день "}`))
	})

	text, err := c.Recognize(context.Background(), testPCM(time.Second), "ru-RU")
	require.NoError(t, err)
	assert.Equal(t, "добрый день", text)
}

func TestClient_EmptyTextIsNoSpeech(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":""}`))
	})

	_, err := c.Recognize(context.Background(), testPCM(time.Second), "ru-RU")
	assert.ErrorIs(t, err, recognizer.ErrNoSpeech)
}

func TestClient_TooShortSkipsCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.Recognize(context.Background(), testPCM(50*time.Millisecond), "ru-RU")
	assert.ErrorIs(t, err, recognizer.ErrNoSpeech)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"bad key", http.StatusUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			})

			_, err := c.Recognize(context.Background(), testPCM(time.Second), "ru-RU")
			require.Error(t, err)

			var svcErr *recognizer.ServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, tt.status, svcErr.StatusCode)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestEncodeWAV_RoundTrip(t *testing.T) {
	pcm := testPCM(500 * time.Millisecond)
	for i := range pcm.Data {
		pcm.Data[i] = byte(i)
	}

	path := filepath.Join(t.TempDir(), "chunk.wav")
	require.NoError(t, os.WriteFile(path, EncodeWAV(pcm), 0o600))

	decoded, err := audio.ReadPCM(path)
	require.NoError(t, err)
	assert.Equal(t, pcm.Data, decoded.Data)
	assert.Equal(t, pcm.SampleRate, decoded.SampleRate)
	assert.Equal(t, pcm.Duration, decoded.Duration)
}

func TestBaseLanguage(t *testing.T) {
	assert.Equal(t, "ru", baseLanguage("ru-RU"))
	assert.Equal(t, "en", baseLanguage("en_US"))
	assert.Equal(t, "de", baseLanguage("DE"))
	assert.Equal(t, "", baseLanguage(""))
}
