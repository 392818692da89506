package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/subkeeper/internal/config"
	"github.com/basket/subkeeper/internal/persistence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunIngestCommand_OneShot(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	transcriptPath := filepath.Join(dir, "leader.jsonl")
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Task","id":"tu-1","input":{"subagent_type":"general","prompt":"[ROLE:coder] build"}}]}}`
	if err := os.WriteFile(transcriptPath, []byte(line+"\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	code := runIngestCommand(context.Background(), discardLogger(), dbPath,
		[]string{"-session", "sess-1", "-transcript", transcriptPath})
	if code != 0 {
		t.Fatalf("ingest exit code %d", code)
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	count, err := store.UnmatchedSpawnCount(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ingested spawn, got %d", count)
	}
}

func TestRunIngestCommand_MissingFlags(t *testing.T) {
	if code := runIngestCommand(context.Background(), discardLogger(), filepath.Join(t.TempDir(), "state.db"), nil); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestRunStatusCommand_EmptyStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	if code := runStatusCommand(context.Background(), dbPath, []string{"-session", "sess-1"}); code != 0 {
		t.Fatalf("status exit code %d", code)
	}
}

func TestRunPruneCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if _, err := store.DB().Exec(`
			INSERT INTO task_spawns (session_id, transcript_index, role, created_at)
			VALUES ('sess-1', ?, 'coder', '2026-01-01T00:00:00.000000000Z');
		`, i); err != nil {
			t.Fatalf("insert spawn: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cfg, err := config.Load(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	code := runPruneCommand(context.Background(), cfg, discardLogger(), dbPath,
		[]string{"-session", "sess-1", "-keep", "1"})
	if code != 0 {
		t.Fatalf("prune exit code %d", code)
	}

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	count, err := store.UnmatchedSpawnCount(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 surviving spawn, got %d", count)
	}
}
