// Package audit records every hook decision twice: a JSONL file under the
// state directory for grep-ability, and the hook_log table for queries.
// Recording never fails the hook: a worker's lifecycle outcome matters more
// than its audit row.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/subkeeper/internal/persistence"
	"github.com/basket/subkeeper/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id"`
	SessionID  string `json:"session_id"`
	HookName   string `json:"hook_name"`
	EventType  string `json:"event_type"`
	AgentID    string `json:"agent_id,omitempty"`
	Result     string `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

var (
	mu    sync.Mutex
	file  *os.File
	store *persistence.Store
)

// Init opens the JSONL sink under stateDir/logs. Idempotent.
func Init(stateDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "hooks.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore configures the hook_log table sink.
func SetStore(s *persistence.Store) {
	mu.Lock()
	defer mu.Unlock()
	store = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record writes one audit event to both sinks. Session, agent and hook name
// come from the context; durationMS < 0 means not recorded.
func Record(ctx context.Context, eventType, result string, details map[string]any, durationMS int64) {
	sessionID := shared.SessionID(ctx)
	hookName := shared.HookName(ctx)
	agentID := shared.AgentID(ctx)

	mu.Lock()
	f := file
	s := store
	mu.Unlock()

	if f != nil {
		ev := entry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:    shared.TraceID(ctx),
			SessionID:  sessionID,
			HookName:   hookName,
			EventType:  eventType,
			AgentID:    agentID,
			Result:     result,
			DurationMS: durationMS,
		}
		if b, err := json.Marshal(ev); err == nil {
			mu.Lock()
			_, _ = f.Write(append(b, '\n'))
			mu.Unlock()
		}
	}

	if s != nil {
		_ = s.LogHook(ctx, sessionID, hookName, eventType, agentID, result, details, durationMS)
	}
}
