package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Acquire("job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := ws.WriteFile("input.ogg", []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d, want 1", m.Active())
	}

	if err := ws.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace dir still exists: %v", err)
	}
	if m.Active() != 0 {
		t.Fatalf("active = %d, want 0", m.Active())
	}

	// Second release is a no-op
	if err := ws.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	acquired, released := m.Counts()
	if acquired != 1 || released != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", acquired, released)
	}

	if _, err := ws.WriteFile("late.wav", nil); !errors.Is(err, ErrReleased) {
		t.Fatalf("write after release: %v, want ErrReleased", err)
	}
}

func TestAcquireUniquePaths(t *testing.T) {
	m := newTestManager(t)

	var (
		mu   sync.Mutex
		dirs = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Acquire("same-id")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			dirs[ws.Dir] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(dirs) != 20 {
		t.Fatalf("got %d distinct dirs, want 20", len(dirs))
	}
}

func TestPathStaysInside(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Acquire("../../etc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer ws.Release()

	if filepath.Dir(ws.Dir) != m.Root() {
		t.Fatalf("workspace %s escaped root %s", ws.Dir, m.Root())
	}
	if p := ws.Path("../../passwd"); filepath.Dir(p) != ws.Dir {
		t.Fatalf("path %s escaped workspace", p)
	}
}

func TestSweepStale(t *testing.T) {
	m := newTestManager(t)

	// Orphan left by a crashed process
	orphan := filepath.Join(m.Root(), "job-crashed-123")
	if err := os.Mkdir(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatal(err)
	}

	// Unrelated directory is left alone
	other := filepath.Join(m.Root(), "keep-me")
	if err := os.Mkdir(other, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	// Live workspace is never swept, even when old
	live, err := m.Acquire("live")
	if err != nil {
		t.Fatal(err)
	}
	defer live.Release()
	if err := os.Chtimes(live.Dir, old, old); err != nil {
		t.Fatal(err)
	}

	n, err := m.SweepStale(time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan still exists")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("unrelated dir was removed")
	}
	if _, err := os.Stat(live.Dir); err != nil {
		t.Error("live workspace was removed")
	}
}

func TestSweeperStartStop(t *testing.T) {
	m := newTestManager(t)
	orphan := filepath.Join(m.Root(), "job-x-1")
	if err := os.Mkdir(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(orphan, old, old)

	s := NewSweeper(m, time.Hour, time.Minute)
	s.Start()
	s.Stop()
	s.Stop()

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("startup sweep did not remove orphan")
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize(""); got != "anon" {
		t.Errorf("sanitize empty = %q", got)
	}
	if got := sanitize("a/b c"); got != "a_b_c" {
		t.Errorf("sanitize = %q", got)
	}
	if got := sanitize(strings.Repeat("x", 200)); len(got) != 64 {
		t.Errorf("sanitize length = %d", len(got))
	}
}
