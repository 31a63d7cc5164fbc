package resource

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"voxscribe/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestScope_CreateAndReleaseAll(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	scope := m.Scope("task-1")

	f, src, err := scope.Create(model.StageAcquire, "source", ".ogg")
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	conv := scope.Reserve(model.StageConvert, "pcm", ".wav")
	require.NoError(t, os.WriteFile(conv.Path, []byte("wav"), 0o600))

	assert.Equal(t, "task-1", src.TaskID)
	assert.Equal(t, model.StageAcquire, src.Stage)
	assert.Len(t, scope.snapshot(), 2)
	assert.Equal(t, 2, countFiles(t, m.Dir()))
	_, live := m.scopes.Load("task-1")
	assert.True(t, live)

	require.NoError(t, scope.ReleaseAll())

	assert.Equal(t, 0, countFiles(t, m.Dir()))
	assert.Empty(t, scope.snapshot())
	_, live = m.scopes.Load("task-1")
	assert.False(t, live)
}

func TestScope_ReleaseIsIdempotent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	scope := m.Scope("task-1")
	res := scope.Reserve(model.StageSplit, "chunk_0", ".wav")
	require.NoError(t, os.WriteFile(res.Path, []byte("x"), 0o600))

	assert.NoError(t, scope.Release(res))
	assert.NoError(t, scope.Release(res))
	assert.NoError(t, m.Release(res.Path))
	assert.NoError(t, scope.ReleaseAll())
	assert.NoError(t, scope.ReleaseAll())
}

func TestScope_ReservedButNeverCreated(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	scope := m.Scope("task-1")
	scope.Reserve(model.StageConvert, "pcm", ".wav")

	assert.NoError(t, scope.ReleaseAll())
}

func TestScope_PathsAreUniquePerTask(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	a := m.Scope("100-1-1").Path(model.StageSplit, "chunk_0", ".wav")
	b := m.Scope("100-1-2").Path(model.StageSplit, "chunk_0", ".wav")

	assert.NotEqual(t, a, b)
	assert.Equal(t, m.Dir(), filepath.Dir(a))
	assert.True(t, strings.HasPrefix(filepath.Base(a), filePrefix+"100-1-1_split_chunk_0_"))
}

func TestManager_SweepRemovesStrayFilesOnly(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	stray := filepath.Join(m.Dir(), filePrefix+"100-1-1_split_chunk_0_1_1.wav")
	require.NoError(t, os.WriteFile(stray, []byte("old"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(m.Dir(), "subdir"), 0o755))

	scope := m.Scope("live")
	live := scope.Reserve(model.StageAcquire, "source", ".ogg")
	require.NoError(t, os.WriteFile(live.Path, []byte("live"), 0o600))

	removed, err := m.Sweep()
	require.NoError(t, err)

	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stray)
	assert.FileExists(t, live.Path)
	assert.DirExists(t, filepath.Join(m.Dir(), "subdir"))

	require.NoError(t, scope.ReleaseAll())
	removed, err = m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestManager_ConcurrentScopes(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := m.Scope(filepath.Base(t.Name()) + "-" + string(rune('a'+i)))
			for j := 0; j < 5; j++ {
				f, _, err := scope.Create(model.StageSplit, "chunk", ".wav")
				if assert.NoError(t, err) {
					f.Close()
				}
			}
			assert.NoError(t, scope.ReleaseAll())
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.Sweep()
		assert.NoError(t, err)
	}()

	wg.Wait()
	assert.Equal(t, 0, countFiles(t, m.Dir()))
}

func TestManager_SweepKeepsForeignFiles(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	foreign := []string{"snapshot.json", "config.yaml", "notes.wav"}
	for _, name := range foreign {
		require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), name), []byte("keep"), 0o600))
	}

	scope := m.Scope("100-2-1")
	left := scope.Reserve(model.StageConvert, "pcm", ".wav")
	require.NoError(t, os.WriteFile(left.Path, []byte("wav"), 0o600))
	// forget the scope without releasing, as after a crash
	m.scopes.Delete("100-2-1")

	removed, err := m.Sweep()
	require.NoError(t, err)

	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, left.Path)
	for _, name := range foreign {
		assert.FileExists(t, filepath.Join(m.Dir(), name))
	}
}
