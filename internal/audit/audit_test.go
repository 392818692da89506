package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/subkeeper/internal/audit"
	"github.com/basket/subkeeper/internal/persistence"
	"github.com/basket/subkeeper/internal/shared"
)

func TestRecord_WritesBothSinks(t *testing.T) {
	dir := t.TempDir()
	if err := audit.Init(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	store, err := persistence.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		audit.SetStore(nil)
		_ = store.Close()
	})
	audit.SetStore(store)

	ctx := context.Background()
	ctx = shared.WithTraceID(ctx, "trace-1")
	ctx = shared.WithSessionID(ctx, "sess-1")
	ctx = shared.WithHookName(ctx, "subagent-start")
	ctx = shared.WithAgentID(ctx, "agent-1")

	audit.Record(ctx, "register", "ok", map[string]any{"role": "coder"}, 7)
	if err := audit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// File sink: one JSON line with the context identifiers.
	f, err := os.Open(filepath.Join(dir, "logs", "hooks.jsonl"))
	if err != nil {
		t.Fatalf("open jsonl: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected one JSONL line")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("parse JSONL: %v", err)
	}
	if entry["trace_id"] != "trace-1" || entry["session_id"] != "sess-1" ||
		entry["hook_name"] != "subagent-start" || entry["agent_id"] != "agent-1" {
		t.Fatalf("entry missing identifiers: %v", entry)
	}
	if entry["event_type"] != "register" || entry["result"] != "ok" {
		t.Fatalf("entry missing outcome: %v", entry)
	}

	// Table sink: the same event queryable by session.
	rows, err := store.RecentHookLog(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("recent hook log: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one hook_log row, got %d", len(rows))
	}
	if rows[0].EventType != "register" || rows[0].AgentID != "agent-1" {
		t.Fatalf("hook_log row wrong: %+v", rows[0])
	}
	if rows[0].DurationMS == nil || *rows[0].DurationMS != 7 {
		t.Fatalf("expected duration 7ms, got %v", rows[0].DurationMS)
	}
}

func TestRecord_UninitializedIsNoOp(t *testing.T) {
	// Neither sink configured: recording must not panic or create files.
	audit.SetStore(nil)
	audit.Record(context.Background(), "register", "ok", nil, -1)
}
