package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubagentHistoryRecord is the immutable terminal snapshot of a worker,
// written exactly once when its lifecycle ends.
type SubagentHistoryRecord struct {
	ID                   int64
	AgentID              string
	SessionID            string
	AgentType            string
	Role                 string
	RoleSource           string
	IssueRef             string
	LeaderTranscriptPath string
	StartedAt            time.Time
	StoppedAt            *time.Time
}

// HistoryStats aggregates the ledger: total rows, per-role counts and mean
// lifetime. Rows without a stop time are excluded from the mean, not counted
// as zero.
type HistoryStats struct {
	Total              int
	ByRole             map[string]int
	AvgDurationSeconds *float64
}

const historyColumns = `id, agent_id, session_id, COALESCE(agent_type, ''),
	COALESCE(role, ''), COALESCE(role_source, ''), COALESCE(issue_ref, ''),
	COALESCE(leader_transcript_path, ''), started_at, stopped_at`

func scanHistory(scanFn func(dest ...any) error) (*SubagentHistoryRecord, error) {
	var rec SubagentHistoryRecord
	var startedAt string
	var stoppedAt sql.NullString
	if err := scanFn(
		&rec.ID,
		&rec.AgentID,
		&rec.SessionID,
		&rec.AgentType,
		&rec.Role,
		&rec.RoleSource,
		&rec.IssueRef,
		&rec.LeaderTranscriptPath,
		&startedAt,
		&stoppedAt,
	); err != nil {
		return nil, err
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse history started_at: %w", err)
	}
	rec.StartedAt = t
	if stoppedAt.Valid {
		t, err := parseTime(stoppedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse history stopped_at: %w", err)
		}
		rec.StoppedAt = &t
	}
	return &rec, nil
}

func (s *Store) queryHistory(ctx context.Context, where string, args ...any) ([]SubagentHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM subagent_history
		`+where+`
		ORDER BY started_at ASC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query subagent_history: %w", err)
	}
	defer rows.Close()

	var out []SubagentHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

// HistoryBySession lists the session's archived lifecycles, oldest first.
func (s *Store) HistoryBySession(ctx context.Context, sessionID string) ([]SubagentHistoryRecord, error) {
	return s.queryHistory(ctx, `WHERE session_id = ?`, sessionID)
}

// HistoryByAgent lists every archived lifecycle of one agent id.
func (s *Store) HistoryByAgent(ctx context.Context, agentID string) ([]SubagentHistoryRecord, error) {
	return s.queryHistory(ctx, `WHERE agent_id = ?`, agentID)
}

// HistoryStats aggregates the ledger, optionally scoped to one session.
func (s *Store) HistoryStats(ctx context.Context, sessionID string) (*HistoryStats, error) {
	stats := &HistoryStats{ByRole: map[string]int{}}

	where := ""
	var args []any
	if sessionID != "" {
		where = `WHERE session_id = ?`
		args = append(args, sessionID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(role, '(none)'), COUNT(*)
		FROM subagent_history `+where+`
		GROUP BY role;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("history role counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("scan role count: %w", err)
		}
		stats.ByRole[role] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("role count rows: %w", err)
	}

	// Mean lifetime over completed rows only; julianday handles the TEXT
	// timestamps directly.
	durWhere := `WHERE stopped_at IS NOT NULL`
	if sessionID != "" {
		durWhere = `WHERE session_id = ? AND stopped_at IS NOT NULL`
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(stopped_at) - julianday(started_at)) * 86400)
		FROM subagent_history `+durWhere+`;
	`, args...).Scan(&avg); err != nil {
		return nil, fmt.Errorf("history avg duration: %w", err)
	}
	if avg.Valid {
		v := avg.Float64
		stats.AvgDurationSeconds = &v
	}
	return stats, nil
}

// PreviousSessionID returns the most recent distinct session that ended
// before the current session's earliest recorded activity. When the current
// session has no activity yet, it returns the single most recent session
// overall. Empty when the ledger has nothing to offer.
func (s *Store) PreviousSessionID(ctx context.Context, currentSessionID string) (string, error) {
	var minStarted sql.NullString
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(started_at) FROM subagent_history WHERE session_id = ?;
	`, currentSessionID).Scan(&minStarted); err != nil {
		return "", fmt.Errorf("history min started_at: %w", err)
	}

	var prev string
	var err error
	if minStarted.Valid {
		err = s.db.QueryRowContext(ctx, `
			SELECT session_id FROM subagent_history
			WHERE session_id != ? AND started_at < ?
			ORDER BY started_at DESC
			LIMIT 1;
		`, currentSessionID, minStarted.String).Scan(&prev)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT session_id FROM subagent_history
			ORDER BY started_at DESC
			LIMIT 1;
		`).Scan(&prev)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("previous session id: %w", err)
	}
	return prev, nil
}
