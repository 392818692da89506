package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateAgent is returned when a spawn-start arrives for an agent_id
// that is already live. This signals an upstream bug, not a race.
var ErrDuplicateAgent = errors.New("subagent already registered")

// Role provenance values recorded in subagents.role_source.
const (
	RoleSourceStart      = "start"
	RoleSourceTaskMatch  = "task_match"
	RoleSourceRetryMatch = "retry_match"
)

// SubagentRecord is one currently-alive worker.
type SubagentRecord struct {
	AgentID              string
	SessionID            string
	AgentType            string
	Role                 string
	RoleSource           string
	IssueRef             string
	CreatedAt            time.Time
	StartupProcessed     bool
	StartupProcessedAt   *time.Time
	TaskMatchIndex       *int64
	LeaderTranscriptPath string
}

const subagentColumns = `agent_id, session_id, agent_type, COALESCE(role, ''),
	COALESCE(role_source, ''), COALESCE(issue_ref, ''), created_at,
	startup_processed, startup_processed_at, task_match_index,
	COALESCE(leader_transcript_path, '')`

func scanSubagent(scanFn func(dest ...any) error) (*SubagentRecord, error) {
	var rec SubagentRecord
	var createdAt string
	var processedAt sql.NullString
	var matchIndex sql.NullInt64
	var processed int
	if err := scanFn(
		&rec.AgentID,
		&rec.SessionID,
		&rec.AgentType,
		&rec.Role,
		&rec.RoleSource,
		&rec.IssueRef,
		&createdAt,
		&processed,
		&processedAt,
		&matchIndex,
		&rec.LeaderTranscriptPath,
	); err != nil {
		return nil, err
	}
	rec.StartupProcessed = processed != 0
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse subagent created_at: %w", err)
	}
	rec.CreatedAt = t
	if processedAt.Valid {
		t, err := parseTime(processedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse startup_processed_at: %w", err)
		}
		rec.StartupProcessedAt = &t
	}
	if matchIndex.Valid {
		idx := matchIndex.Int64
		rec.TaskMatchIndex = &idx
	}
	return &rec, nil
}

// RegisterSubagent inserts a new live record on spawn-start. A duplicate
// agent_id is a logic error and returns ErrDuplicateAgent.
func (s *Store) RegisterSubagent(ctx context.Context, agentID, sessionID, agentType, role, leaderTranscriptPath string) error {
	roleSource := sql.NullString{}
	if role != "" {
		roleSource = sql.NullString{String: RoleSourceStart, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagents (agent_id, session_id, agent_type, role, role_source, created_at, leader_transcript_path)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''));
	`, agentID, sessionID, agentType, role, roleSource, formatTime(time.Now()), leaderTranscriptPath)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("register %s: %w", agentID, ErrDuplicateAgent)
		}
		return fmt.Errorf("register subagent: %w", err)
	}
	return nil
}

// UnregisterSubagent ends a worker's lifecycle: one transaction appends the
// terminal history snapshot, deletes the spawn records bound to the agent,
// then deletes the live record. An observer never sees the live row vanish
// without the history row existing.
func (s *Store) UnregisterSubagent(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unregister tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := archiveSubagentsTx(ctx, tx, `WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_spawns WHERE matched_agent_id = ?;`, agentID); err != nil {
		return fmt.Errorf("delete matched task_spawns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subagents WHERE agent_id = ?;`, agentID); err != nil {
		return fmt.Errorf("delete subagent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unregister tx: %w", err)
	}
	return nil
}

// archiveSubagentsTx copies every live row selected by the WHERE clause into
// subagent_history with stopped_at = now. The live row is the sole source of
// a history row, so an agent can never be archived twice.
func archiveSubagentsTx(ctx context.Context, tx *sql.Tx, where string, args ...any) error {
	q := fmt.Sprintf(`
		INSERT INTO subagent_history
			(agent_id, session_id, agent_type, role, role_source, issue_ref,
			 leader_transcript_path, started_at, stopped_at)
		SELECT agent_id, session_id, agent_type, role, role_source, issue_ref,
			leader_transcript_path, created_at, ?
		FROM subagents %s;
	`, where)
	if _, err := tx.ExecContext(ctx, q, append([]any{formatTime(time.Now())}, args...)...); err != nil {
		return fmt.Errorf("archive subagents: %w", err)
	}
	return nil
}

// GetSubagent returns the live record for agentID, or nil if absent.
func (s *Store) GetSubagent(ctx context.Context, agentID string) (*SubagentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subagentColumns+`
		FROM subagents
		WHERE agent_id = ?;
	`, agentID)
	rec, err := scanSubagent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subagent: %w", err)
	}
	return rec, nil
}

// GetActiveSubagents lists the session's live workers, oldest first.
func (s *Store) GetActiveSubagents(ctx context.Context, sessionID string) ([]SubagentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subagentColumns+`
		FROM subagents
		WHERE session_id = ?
		ORDER BY created_at ASC, agent_id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query active subagents: %w", err)
	}
	defer rows.Close()

	var out []SubagentRecord
	for rows.Next() {
		rec, err := scanSubagent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subagent: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subagent rows: %w", err)
	}
	return out, nil
}

// IsAnyActive reports whether the session has at least one live worker.
func (s *Store) IsAnyActive(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM subagents WHERE session_id = ? LIMIT 1;
	`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is any active: %w", err)
	}
	return true, nil
}

// UnprocessedCount counts the session's workers still awaiting their one-time
// startup action.
func (s *Store) UnprocessedCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subagents
		WHERE session_id = ? AND startup_processed = 0;
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unprocessed count: %w", err)
	}
	return count, nil
}

// ClaimNextUnprocessed selects the oldest-created unprocessed worker in the
// session without mutating it. The claim is deliberately read-only: if the
// caller dies before finishing its one-time action, the worker stays
// claimable by the next invocation. MarkProcessed is the separate write.
// Ties on created_at break on agent_id for determinism.
func (s *Store) ClaimNextUnprocessed(ctx context.Context, sessionID string) (*SubagentRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+subagentColumns+`
		FROM subagents
		WHERE session_id = ? AND startup_processed = 0
		ORDER BY created_at ASC, agent_id ASC
		LIMIT 1;
	`, sessionID)
	rec, err := scanSubagent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("claim next unprocessed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return rec, nil
}

// MarkProcessed flips startup_processed 0 -> 1 and stamps the time. Returns
// false when the record was already processed or absent; a duplicate call is
// a no-op and the first call's timestamp is retained.
func (s *Store) MarkProcessed(ctx context.Context, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagents
		SET startup_processed = 1, startup_processed_at = ?
		WHERE agent_id = ? AND startup_processed = 0;
	`, formatTime(time.Now()), agentID)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateRole sets the worker's role with explicit provenance.
func (s *Store) UpdateRole(ctx context.Context, agentID, role, source string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subagents
		SET role = ?, role_source = ?
		WHERE agent_id = ?;
	`, role, source, agentID)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return nil
}

// CleanupSession bulk-ends every live worker in the session: each row is
// archived to history (stopped_at = now) and deleted, in one transaction.
// Workers already unregistered have no live row and produce no second
// history entry. Returns the number of workers removed.
func (s *Store) CleanupSession(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := archiveSubagentsTx(ctx, tx, `WHERE session_id = ?`, sessionID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subagents WHERE session_id = ?;`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session subagents: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup tx: %w", err)
	}
	return int(affected), nil
}
