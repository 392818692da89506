package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/subkeeper/internal/transcript"
)

// TaskSpawnRecord is one observed spawn instruction, before or after being
// bound to a live worker.
type TaskSpawnRecord struct {
	ID              int64
	SessionID       string
	TranscriptIndex int64
	SubagentType    string
	Role            string
	PromptHash      string
	ToolUseID       string
	IssueRef        string
	MatchedAgentID  string
	CreatedAt       time.Time
}

const taskSpawnColumns = `id, session_id, transcript_index,
	COALESCE(subagent_type, ''), COALESCE(role, ''), COALESCE(prompt_hash, ''),
	COALESCE(tool_use_id, ''), COALESCE(issue_ref, ''),
	COALESCE(matched_agent_id, ''), created_at`

func scanTaskSpawn(scanFn func(dest ...any) error) (*TaskSpawnRecord, error) {
	var rec TaskSpawnRecord
	var createdAt string
	if err := scanFn(
		&rec.ID,
		&rec.SessionID,
		&rec.TranscriptIndex,
		&rec.SubagentType,
		&rec.Role,
		&rec.PromptHash,
		&rec.ToolUseID,
		&rec.IssueRef,
		&rec.MatchedAgentID,
		&createdAt,
	); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse task_spawn created_at: %w", err)
	}
	rec.CreatedAt = t
	return &rec, nil
}

// RegisterTaskSpawns scans the leader transcript for spawn instructions and
// inserts the ones not seen before. Re-scanning an unchanged transcript
// inserts nothing: rows are keyed on (session_id, transcript_index) and a
// conflict is treated as already done. Returns the number of new rows.
func (s *Store) RegisterTaskSpawns(ctx context.Context, sessionID, transcriptPath string) (int, error) {
	spawns, err := transcript.ScanTaskSpawns(transcriptPath)
	if err != nil {
		return 0, err
	}
	if len(spawns) == 0 {
		return 0, nil
	}

	now := formatTime(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, sp := range spawns {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_spawns
				(session_id, transcript_index, subagent_type, role, prompt_hash, tool_use_id, issue_ref, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?);
		`, sessionID, sp.TranscriptIndex, sp.SubagentType, sp.Role, sp.PromptHash, sp.ToolUseID, sp.IssueRef, now)
		if err != nil {
			return 0, fmt.Errorf("insert task_spawn: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("ingest rows affected: %w", err)
		}
		inserted += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest tx: %w", err)
	}
	return inserted, nil
}

// GetTaskSpawnByToolUseID returns the spawn record carrying the exact tool
// invocation id, or nil.
func (s *Store) GetTaskSpawnByToolUseID(ctx context.Context, toolUseID string) (*TaskSpawnRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskSpawnColumns+`
		FROM task_spawns
		WHERE tool_use_id = ?;
	`, toolUseID)
	rec, err := scanTaskSpawn(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task_spawn by tool_use_id: %w", err)
	}
	return rec, nil
}

// UnmatchedSpawnCount counts the session's spawn records not yet bound to a
// worker.
func (s *Store) UnmatchedSpawnCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_spawns
		WHERE session_id = ? AND matched_agent_id IS NULL;
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unmatched spawn count: %w", err)
	}
	return count, nil
}

// PruneUnmatchedSpawns deletes old unmatched spawn records beyond the newest
// keepRecent, bounding table growth for long sessions. Matched rows are never
// touched. Returns the number of rows deleted.
func (s *Store) PruneUnmatchedSpawns(ctx context.Context, sessionID string, keepRecent int) (int, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_spawns
		WHERE session_id = ? AND matched_agent_id IS NULL
		AND id NOT IN (
			SELECT id FROM task_spawns
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		);
	`, sessionID, sessionID, keepRecent)
	if err != nil {
		return 0, fmt.Errorf("prune unmatched spawns: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return int(affected), nil
}
