package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	if err := Open(":memory:"); err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { Close() })
}

func TestOpenCreatesFileAndTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vshell.db")
	if err := Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close()

	for _, table := range []string{"sessions", "commands", "settings"} {
		if !DB.Migrator().HasTable(table) {
			t.Errorf("missing table %q", table)
		}
	}
}

func TestSettings(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting(missing) = %v, want ErrNotFound", err)
	}
	if err := SetSetting("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := SetSetting("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, err := GetSetting("k"); err != nil || v != "v2" {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}
	if err := DeleteSetting("k"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetSetting("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete = %v", err)
	}
}

func TestUpsertSessionKeepsCreatedAt(t *testing.T) {
	setupTestDB(t)

	s := &Session{ID: "s1", WorkspaceID: "ws", Status: "active", Cwd: "/", BackendKind: "local"}
	if err := UpsertSession(s); err != nil {
		t.Fatal(err)
	}
	first, err := GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := UpsertSession(&Session{ID: "s1", WorkspaceID: "ws", Status: "stopped", Cwd: "/tmp", BackendKind: "local"}); err != nil {
		t.Fatal(err)
	}
	got, err := GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "stopped" || got.Cwd != "/tmp" {
		t.Errorf("upsert did not update: %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, got.CreatedAt)
	}

	if _, err := GetSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession(nope) = %v", err)
	}
}

func TestListSessionsFilter(t *testing.T) {
	setupTestDB(t)

	for id, status := range map[string]string{"a": "active", "b": "stopped", "c": "stopped"} {
		if err := UpsertSession(&Session{ID: id, WorkspaceID: "ws", Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	all, err := ListSessions("")
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	stopped, err := ListSessions("stopped")
	if err != nil || len(stopped) != 2 {
		t.Fatalf("stopped = %d, %v", len(stopped), err)
	}
}

func TestCommandLifecycle(t *testing.T) {
	setupTestDB(t)

	started := time.Now().Add(-time.Second)
	if err := CreateCommand(&Command{ID: "c1", SessionID: "s1", Line: "echo hi", Status: "running", StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	finished := time.Now()
	if err := FinishCommand("c1", map[string]interface{}{
		"status":       "done",
		"finished_at":  &finished,
		"duration_ms":  int64(1000),
		"output_bytes": int64(3),
		"transcript":   []byte{1, 2, 3},
	}); err != nil {
		t.Fatal(err)
	}

	c, err := GetCommand("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != "done" || c.OutputBytes != 3 || len(c.Transcript) != 3 || c.FinishedAt == nil {
		t.Fatalf("command = %+v", c)
	}

	list, err := ListCommands("s1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
	if list[0].Transcript != nil {
		t.Error("ListCommands should not load transcripts")
	}
}

func TestMarkRunningCommands(t *testing.T) {
	setupTestDB(t)

	CreateCommand(&Command{ID: "r", SessionID: "s", Line: "sleep 9", Status: "running", StartedAt: time.Now()})
	CreateCommand(&Command{ID: "d", SessionID: "s", Line: "true", Status: "done", StartedAt: time.Now()})

	n, err := MarkRunningCommands("interrupted")
	if err != nil || n != 1 {
		t.Fatalf("marked = %d, %v", n, err)
	}
	c, _ := GetCommand("r")
	if c.Status != "interrupted" {
		t.Fatalf("status = %q", c.Status)
	}
}

func TestPurge(t *testing.T) {
	setupTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	CreateCommand(&Command{ID: "old", SessionID: "gone", Line: "x", StartedAt: old})
	CreateCommand(&Command{ID: "new", SessionID: "live", Line: "y", StartedAt: time.Now()})

	n, err := PurgeCommands(time.Now().Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purged commands = %d, %v", n, err)
	}
	if _, err := GetCommand("new"); err != nil {
		t.Fatalf("recent command purged: %v", err)
	}

	UpsertSession(&Session{ID: "gone", WorkspaceID: "ws", Status: "stopped"})
	UpsertSession(&Session{ID: "live", WorkspaceID: "ws", Status: "active"})
	CreateCommand(&Command{ID: "g2", SessionID: "gone", Line: "z", StartedAt: time.Now()})

	n, err = PurgeSessions(time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purged sessions = %d, %v", n, err)
	}
	if _, err := GetSession("live"); err != nil {
		t.Fatalf("active session purged: %v", err)
	}
	if _, err := GetCommand("g2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("commands of purged session kept: %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	setupTestDB(t)

	UpsertSession(&Session{ID: "s", WorkspaceID: "ws", Status: "stopped"})
	CreateCommand(&Command{ID: "c", SessionID: "s", Line: "x", StartedAt: time.Now()})
	if err := DeleteSession("s"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetSession("s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session kept: %v", err)
	}
	if _, err := GetCommand("c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("command kept: %v", err)
	}
}
