package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tutu-network/appgrader/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type downStore struct{}

func (downStore) Ping() error { return errors.New("database is locked") }

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker_SkipsEmptyDirs(t *testing.T) {
	c := NewChecker(newTestDB(t), map[string]string{"publish_dir": t.TempDir(), "work_dir": ""}, nil)
	if len(c.checks) != 2 {
		t.Errorf("checks = %d, want 2", len(c.checks))
	}
}

func TestChecker_RunOnceHealthy(t *testing.T) {
	c := NewChecker(newTestDB(t), map[string]string{
		"publish_dir": t.TempDir(),
		"work_dir":    t.TempDir(),
	}, nil)
	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if statuses[1].Name != "publish_dir" || statuses[2].Name != "work_dir" {
		t.Errorf("directory checks out of order: %v", statuses)
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), nil, nil)
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_StoreDown(t *testing.T) {
	c := NewChecker(downStore{}, nil, nil)
	c.RunOnce(context.Background())

	if c.IsHealthy() {
		t.Error("IsHealthy() should be false when the store is down")
	}
	if s := c.Statuses()[0]; s.Error != "database is locked" {
		t.Errorf("Error = %q", s.Error)
	}
}

func TestChecker_MissingDirRecovered(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repos")
	c := NewChecker(downStore{}, map[string]string{"publish_dir": dir}, nil)

	c.RunOnce(context.Background())
	if c.Statuses()[1].Healthy {
		t.Error("missing dir should fail the first run")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("recovery should create the dir: %v", err)
	}

	c.RunOnce(context.Background())
	if !c.Statuses()[1].Healthy {
		t.Errorf("dir should be healthy after recovery: %s", c.Statuses()[1].Error)
	}
}

func TestCheckWritable_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := checkWritable(file); err == nil {
		t.Error("expected error for a regular file")
	}
}
