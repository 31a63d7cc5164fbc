package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}

func (m *MockCache) Set(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := newFileStore(t)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	store := newFileStore(t)

	saved := &Snapshot{
		TotalMessagesProcessed: 2,
		Operations: map[string]*Operation{
			OpDownload: {TotalTime: 1.5, Count: 2, Failures: 1},
		},
	}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(2), loaded.TotalMessagesProcessed)
	assert.Equal(t, *saved.Operations[OpDownload], *loaded.Operations[OpDownload])

	// no temp files left next to the snapshot
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewCollector_CorruptSnapshotStartsFresh(t *testing.T) {
	store := newFileStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o644))

	c := NewCollector(store)

	snap := c.Snapshot()
	assert.Zero(t, snap.TotalMessagesProcessed)
	assert.Empty(t, snap.Operations)
}

func TestCollector_RecordPersistsImmediately(t *testing.T) {
	store := newFileStore(t)
	c := NewCollector(store)

	require.NoError(t, c.Record(OpSpeechRecognition, 2*time.Second, true))
	require.NoError(t, c.Record(OpSpeechRecognition, time.Second, false))
	require.NoError(t, c.Record(OpVoiceProcessing, 5*time.Second, true))

	reopened, err := NewFileStore(filepath.Dir(store.Path()))
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, int64(1), loaded.TotalMessagesProcessed)
	rec := loaded.Operations[OpSpeechRecognition]
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.Count)
	assert.Equal(t, int64(1), rec.Failures)
	assert.InDelta(t, 3.0, rec.TotalTime, 1e-9)
}

func TestCollector_ResumesFromStore(t *testing.T) {
	store := newFileStore(t)

	first := NewCollector(store)
	require.NoError(t, first.Record(OpVoiceProcessing, time.Second, true))

	second := NewCollector(store)
	require.NoError(t, second.Record(OpVoiceProcessing, time.Second, true))

	assert.Equal(t, int64(2), second.Snapshot().TotalMessagesProcessed)
	assert.Equal(t, int64(2), second.Snapshot().Operations[OpVoiceProcessing].Count)
}

func TestCollector_Summary(t *testing.T) {
	c := NewCollector(newFileStore(t))

	require.NoError(t, c.Record(OpDownload, 1*time.Second, true))
	require.NoError(t, c.Record(OpDownload, 2*time.Second, true))
	require.NoError(t, c.Record(OpDownload, 2*time.Second, false))

	summary := c.Summary()
	require.Contains(t, summary, OpDownload)
	assert.Equal(t, 1.67, summary[OpDownload].AverageTime)
	assert.Equal(t, int64(3), summary[OpDownload].TotalOperations)
	assert.Equal(t, int64(1), summary[OpDownload].Failures)
	assert.NotContains(t, summary, OpReply)
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := NewCollector(newFileStore(t))
	require.NoError(t, c.Record(OpReply, time.Second, true))

	snap := c.Snapshot()
	snap.Operations[OpReply].Count = 100

	assert.Equal(t, int64(1), c.Snapshot().Operations[OpReply].Count)
}

func TestCollector_MirrorFailureIsNotFatal(t *testing.T) {
	mockCache := new(MockCache)
	mockCache.On("Set", mock.Anything, SnapshotKey, mock.AnythingOfType("*metrics.Snapshot")).
		Return(errors.New("connection refused"))

	c := NewCollector(newFileStore(t), NewCacheStore(mockCache))

	assert.NoError(t, c.Record(OpDownload, time.Second, true))
	mockCache.AssertExpectations(t)
}

func TestCollector_PrimaryFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "metrics"))
	require.NoError(t, err)

	c := NewCollector(store)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "metrics")))

	err = c.Record(OpDownload, time.Second, true)
	assert.Error(t, err)
	// in-memory state is kept
	assert.Equal(t, int64(1), c.Snapshot().Operations[OpDownload].Count)
}

func TestCacheStore_Load(t *testing.T) {
	mockCache := new(MockCache)
	mockCache.On("Get", mock.Anything, SnapshotKey, mock.AnythingOfType("*metrics.Snapshot")).
		Run(func(args mock.Arguments) {
			args.Get(2).(*Snapshot).TotalMessagesProcessed = 7
		}).
		Return(nil)

	snap, err := NewCacheStore(mockCache).Load()
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.TotalMessagesProcessed)
}

func TestCollector_ConcurrentRecord(t *testing.T) {
	c := NewCollector(newFileStore(t))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.Observe(OpSpeechRecognition, time.Now(), nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), c.Snapshot().Operations[OpSpeechRecognition].Count)
}
