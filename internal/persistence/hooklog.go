package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HookLogRecord is one append-only audit row.
type HookLogRecord struct {
	ID         int64
	SessionID  string
	HookName   string
	EventType  string
	AgentID    string
	Timestamp  time.Time
	Result     string
	Details    string // raw JSON, "" when absent
	DurationMS *int64
}

// HookLogStats aggregates the audit trail for one session.
type HookLogStats struct {
	TotalCount    int
	ByHook        map[string]int
	ByEvent       map[string]int
	AvgDurationMS *float64
}

// LogHook appends one audit row. details is marshaled to JSON when non-nil;
// durationMS < 0 means not recorded.
func (s *Store) LogHook(ctx context.Context, sessionID, hookName, eventType, agentID, result string, details map[string]any, durationMS int64) error {
	detailsJSON := sql.NullString{}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal hook details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(b), Valid: true}
	}
	duration := sql.NullInt64{}
	if durationMS >= 0 {
		duration = sql.NullInt64{Int64: durationMS, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_log
			(session_id, hook_name, event_type, agent_id, timestamp, result, details, duration_ms)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?);
	`, sessionID, hookName, eventType, agentID, formatTime(time.Now()), result, detailsJSON, duration)
	if err != nil {
		return fmt.Errorf("insert hook_log: %w", err)
	}
	return nil
}

// RecentHookLog returns the newest rows for a session, newest first.
func (s *Store) RecentHookLog(ctx context.Context, sessionID string, limit int) ([]HookLogRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, hook_name, event_type, COALESCE(agent_id, ''),
			timestamp, COALESCE(result, ''), COALESCE(details, ''), duration_ms
		FROM hook_log
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query hook_log: %w", err)
	}
	defer rows.Close()

	var out []HookLogRecord
	for rows.Next() {
		var rec HookLogRecord
		var ts string
		var duration sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.HookName, &rec.EventType,
			&rec.AgentID, &ts, &rec.Result, &rec.Details, &duration); err != nil {
			return nil, fmt.Errorf("scan hook_log row: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse hook_log timestamp: %w", err)
		}
		rec.Timestamp = t
		if duration.Valid {
			d := duration.Int64
			rec.DurationMS = &d
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hook_log rows: %w", err)
	}
	return out, nil
}

// HookLogStats aggregates a session's audit rows.
func (s *Store) HookLogStats(ctx context.Context, sessionID string) (*HookLogStats, error) {
	stats := &HookLogStats{ByHook: map[string]int{}, ByEvent: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM hook_log WHERE session_id = ?;
	`, sessionID).Scan(&stats.TotalCount); err != nil {
		return nil, fmt.Errorf("hook_log total: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT hook_name, COUNT(*) FROM hook_log WHERE session_id = ? GROUP BY hook_name;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("hook_log by hook: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan hook count: %w", err)
		}
		stats.ByHook[name] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hook count rows: %w", err)
	}

	eventRows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM hook_log WHERE session_id = ? GROUP BY event_type;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("hook_log by event: %w", err)
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var event string
		var count int
		if err := eventRows.Scan(&event, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		stats.ByEvent[event] = count
	}
	if err := eventRows.Err(); err != nil {
		return nil, fmt.Errorf("event count rows: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms) FROM hook_log
		WHERE session_id = ? AND duration_ms IS NOT NULL;
	`, sessionID).Scan(&avg); err != nil {
		return nil, fmt.Errorf("hook_log avg duration: %w", err)
	}
	if avg.Valid {
		v := avg.Float64
		stats.AvgDurationMS = &v
	}
	return stats, nil
}
