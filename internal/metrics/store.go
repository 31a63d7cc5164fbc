package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"voxscribe/pkg/cache"
)

const (
	SnapshotFile = "performance_metrics.json"
	SnapshotKey  = "metrics:snapshot"
)

// Store persists metrics snapshots
type Store interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
}

// FileStore keeps the snapshot as a JSON document on disk
type FileStore struct {
	path string
}

// NewFileStore creates dir if needed and stores the snapshot inside it
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, SnapshotFile)}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns nil without error when no snapshot exists yet
func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	return &snap, nil
}

// Save replaces the snapshot atomically via a sibling temp file
func (s *FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), SnapshotFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create metrics temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace metrics: %w", err)
	}
	return nil
}

// CacheStore mirrors the snapshot into the shared cache
type CacheStore struct {
	cache   cache.Cache
	timeout time.Duration
}

func NewCacheStore(c cache.Cache) *CacheStore {
	return &CacheStore{cache: c, timeout: 2 * time.Second}
}

func (s *CacheStore) Load() (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var snap Snapshot
	if err := s.cache.Get(ctx, SnapshotKey, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *CacheStore) Save(snap *Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.cache.Set(ctx, SnapshotKey, snap)
}
