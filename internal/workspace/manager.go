// Package workspace hands out one private temp directory per voice job and
// guarantees it is removed when the job ends.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const dirPrefix = "job-"

// ErrReleased is returned when a released workspace is used again
var ErrReleased = errors.New("workspace: already released")

// Manager allocates job workspaces under a single root directory
type Manager struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Workspace

	acquired atomic.Int64
	released atomic.Int64
}

// NewManager creates the root directory if needed
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	logger.Info("workspace root ready", "component", "workspace", "root", abs)

	return &Manager{
		root:   abs,
		logger: logger.With("component", "workspace"),
		active: make(map[string]*Workspace),
	}, nil
}

// Root returns the absolute root directory
func (m *Manager) Root() string { return m.root }

// Acquire creates a fresh directory for jobID. Two calls never share a path,
// even for the same job id.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, dirPrefix+sanitize(jobID)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace for job %s: %w", jobID, err)
	}

	ws := &Workspace{
		JobID:     jobID,
		Dir:       dir,
		CreatedAt: time.Now(),
		manager:   m,
	}

	m.mu.Lock()
	m.active[dir] = ws
	m.mu.Unlock()
	m.acquired.Add(1)

	m.logger.Debug("workspace acquired", "job_id", jobID, "dir", filepath.Base(dir))
	return ws, nil
}

// Active returns the number of workspaces not yet released
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Counts returns how many workspaces were acquired and released so far
func (m *Manager) Counts() (acquired, released int64) {
	return m.acquired.Load(), m.released.Load()
}

func (m *Manager) release(ws *Workspace) error {
	m.mu.Lock()
	delete(m.active, ws.Dir)
	m.mu.Unlock()
	m.released.Add(1)

	if err := os.RemoveAll(ws.Dir); err != nil {
		m.logger.Warn("workspace removal failed", "job_id", ws.JobID, "error", err)
		return fmt.Errorf("remove workspace: %w", err)
	}
	m.logger.Debug("workspace released", "job_id", ws.JobID)
	return nil
}

func (m *Manager) isActive(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[dir]
	return ok
}

// SweepStale removes job directories older than grace that no live job owns.
// It returns the number of directories removed.
func (m *Manager) SweepStale(grace time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		if m.isActive(dir) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= grace {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("failed to delete stale workspace", "dir", entry.Name(), "error", err)
			continue
		}
		removed++
		m.logger.Info("deleted stale workspace", "dir", entry.Name(), "age", age.Round(time.Second))
	}
	return removed, nil
}

// Workspace is a job-scoped directory of intermediate files
type Workspace struct {
	JobID     string
	Dir       string
	CreatedAt time.Time

	manager  *Manager
	once     sync.Once
	done     atomic.Bool
	closeErr error
}

// Path returns the location of a named file inside the workspace. Only the
// base name of name is used.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, filepath.Base(name))
}

// WriteFile stores data under name and returns its path
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	if w.done.Load() {
		return "", ErrReleased
	}
	path := w.Path(name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(name), err)
	}
	return path, nil
}

// ReadFile reads a named file from the workspace
func (w *Workspace) ReadFile(name string) ([]byte, error) {
	if w.done.Load() {
		return nil, ErrReleased
	}
	return os.ReadFile(w.Path(name))
}

// Release deletes the directory and everything in it. Safe to call more
// than once; only the first call does work.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.done.Store(true)
		w.closeErr = w.manager.release(w)
	})
	return w.closeErr
}

// sanitize keeps job ids usable as a path segment
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
