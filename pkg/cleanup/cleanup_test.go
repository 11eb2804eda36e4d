package cleanup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

type failingVacuum struct {
	*store.MemoryStore
}

func (failingVacuum) Vacuum() error { return errors.New("disk full") }

func setup(t *testing.T) (*storage.Root, *store.MemoryStore) {
	t.Helper()
	root, err := storage.Prepare(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to prepare root: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root.Dir(), "kept.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	st := store.NewMemoryStore()
	st.RecordDownload("kept.txt")
	st.RecordDownload("gone.txt")
	st.RecordDownload("gone.txt")
	return root, st
}

func TestPrune(t *testing.T) {
	root, st := setup(t)
	m := NewManager(DefaultConfig(), st, root, quietLogger())

	if n := m.Prune(); n != 1 {
		t.Fatalf("Expected 1 pruned counter, got %d", n)
	}

	all, _ := st.All()
	if _, ok := all["gone.txt"]; ok {
		t.Error("Counter for removed file still present")
	}
	if all["kept.txt"] != 1 {
		t.Errorf("Counter for existing file changed: %v", all)
	}

	stats := m.GetStats()
	if stats.TotalPruned != 1 || stats.LastPruneTime.IsZero() {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestVacuumError(t *testing.T) {
	root, st := setup(t)
	m := NewManager(DefaultConfig(), failingVacuum{st}, root, quietLogger())

	if err := m.Vacuum(); err == nil {
		t.Fatal("Expected vacuum error")
	}
	if m.GetStats().TotalVacuumRuns != 0 {
		t.Error("Failed vacuum must not be counted")
	}
}

func TestStartRunsPeriodically(t *testing.T) {
	root, st := setup(t)
	m := NewManager(Config{Enabled: true, Interval: 20 * time.Millisecond, VacuumInterval: 20 * time.Millisecond}, st, root, quietLogger())

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := m.GetStats()
		if s.TotalPruned == 1 && s.TotalVacuumRuns > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Loops did not run: %+v", m.GetStats())
}

func TestDisabled(t *testing.T) {
	root, st := setup(t)
	m := NewManager(Config{Enabled: false, Interval: time.Millisecond}, st, root, quietLogger())

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	if n, _ := st.Count("gone.txt"); n != 2 {
		t.Errorf("Disabled manager pruned counters")
	}
}
