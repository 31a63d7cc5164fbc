// Package resource tracks temporary files created by pipeline tasks and
// guarantees their deletion.
//
// Each task owns a Scope. Creating and tracking files inside a scope takes
// the manager lock in shared mode, so concurrent tasks never wait on each
// other; only Sweep takes it exclusively.
package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/model"

	"go.uber.org/zap"
)

// Every task file name starts with filePrefix. Sweep leaves other files
// alone.
const filePrefix = "vx_"

type Manager struct {
	dir string

	mu     sync.RWMutex
	scopes sync.Map // taskID -> *Scope
}

// NewManager creates the working directory if needed
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp dir: %w", err)
	}

	return &Manager{dir: abs}, nil
}

// Dir returns the absolute working directory
func (m *Manager) Dir() string {
	return m.dir
}

// Scope registers a new task scope. Callers must ReleaseAll it.
func (m *Manager) Scope(taskID string) *Scope {
	s := &Scope{
		manager: m,
		taskID:  taskID,
		paths:   make(map[string]model.Stage),
	}
	m.scopes.Store(taskID, s)
	return s
}

// Release deletes path. A missing file is not an error.
func (m *Manager) Release(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Sweep removes task files in the working directory that are not owned by
// a live scope. It is the safety net for files left behind by an ungraceful
// termination.
func (m *Manager) Sweep() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := make(map[string]struct{})
	m.scopes.Range(func(_, value any) bool {
		for _, path := range value.(*Scope).snapshot() {
			owned[path] = struct{}{}
		}
		return true
	})

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read temp dir: %w", err)
	}

	var errs []error
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), filePrefix) {
			continue
		}

		path := filepath.Join(m.dir, entry.Name())
		if _, ok := owned[path]; ok {
			continue
		}

		if err := m.Release(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("Swept stray temporary files",
			zap.String("dir", m.dir),
			zap.Int("removed", removed))
	}

	return removed, errors.Join(errs...)
}

// Scope is the set of temporary files owned by one task. A scope is used
// by its task's worker only; the internal lock exists for Sweep.
type Scope struct {
	manager *Manager
	taskID  string
	seq     atomic.Int64

	mu    sync.Mutex
	paths map[string]model.Stage
	order []string
}

// Path returns a collision-free path in the working directory for a file
// of this task. name distinguishes files of the same stage.
func (s *Scope) Path(stage model.Stage, name, ext string) string {
	file := fmt.Sprintf("%s%s_%s", filePrefix, s.taskID, stage)
	if name != "" {
		file += "_" + name
	}
	file += fmt.Sprintf("_%d_%d%s", s.seq.Add(1), time.Now().UnixNano(), ext)
	return filepath.Join(s.manager.dir, file)
}

// Create opens a new tracked file for writing
func (s *Scope) Create(stage model.Stage, name, ext string) (*os.File, *model.TemporaryResource, error) {
	s.manager.mu.RLock()
	defer s.manager.mu.RUnlock()

	path := s.Path(stage, name, ext)
	res := s.track(path, stage)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, res, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, res, nil
}

// Reserve tracks a path that an external process is about to create
func (s *Scope) Reserve(stage model.Stage, name, ext string) *model.TemporaryResource {
	s.manager.mu.RLock()
	defer s.manager.mu.RUnlock()

	return s.track(s.Path(stage, name, ext), stage)
}

func (s *Scope) track(path string, stage model.Stage) *model.TemporaryResource {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[path]; !ok {
		s.order = append(s.order, path)
	}
	s.paths[path] = stage

	return &model.TemporaryResource{Path: path, TaskID: s.taskID, Stage: stage}
}

// Release deletes one resource of this scope and forgets it
func (s *Scope) Release(res *model.TemporaryResource) error {
	if res == nil {
		return nil
	}

	s.mu.Lock()
	delete(s.paths, res.Path)
	s.mu.Unlock()

	return s.manager.Release(res.Path)
}

// ReleaseAll deletes every remaining resource and closes the scope
func (s *Scope) ReleaseAll() error {
	s.mu.Lock()
	var pending []string
	for _, path := range s.order {
		if _, ok := s.paths[path]; ok {
			pending = append(pending, path)
		}
	}
	s.paths = make(map[string]model.Stage)
	s.order = nil
	s.mu.Unlock()

	var errs []error
	for _, path := range pending {
		if err := s.manager.Release(path); err != nil {
			errs = append(errs, err)
		}
	}

	s.manager.scopes.Delete(s.taskID)

	if len(pending) > 0 {
		logger.Debug("Released task resources",
			zap.String("task_id", s.taskID),
			zap.Int("count", len(pending)))
	}

	return errors.Join(errs...)
}

func (s *Scope) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.paths))
	for path := range s.paths {
		out = append(out, path)
	}
	return out
}
