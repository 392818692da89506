package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session record statuses. Expiry reasons other than these two are allowed;
// anything but "active" counts as expired.
const (
	SessionStatusActive  = "active"
	SessionStatusExpired = "expired"
	// SessionStatusCompactExpired marks bulk expiry after prior context was
	// invalidated by a compaction.
	SessionStatusCompactExpired = "compact_expired"
)

// SessionRecord tracks one-time-per-session completion for one hook.
type SessionRecord struct {
	SessionID  string
	HookName   string
	CreatedAt  time.Time
	LastTokens int64
	Status     string
	ExpiredAt  *time.Time
}

// RegisterSession upserts the active "already ran once" marker for a
// session+hook pair, stamped with the current token count. A replaced record
// starts a fresh period.
func (s *Store) RegisterSession(ctx context.Context, sessionID, hookName string, tokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_id, hook_name, created_at, last_tokens, status, expired_at)
		VALUES (?, ?, ?, ?, 'active', NULL);
	`, sessionID, hookName, formatTime(time.Now()), tokens)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// IsProcessed reports whether an active marker exists for the pair.
func (s *Store) IsProcessed(ctx context.Context, sessionID, hookName string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM sessions
		WHERE session_id = ? AND hook_name = ? AND status = 'active';
	`, sessionID, hookName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return true, nil
}

// IsProcessedContextAware reports whether the pair is processed, treating
// token growth at or beyond threshold as a session restart: the marker is
// expired as a side effect and the call reports not-processed, so the next
// RegisterSession starts a fresh period. No wall-clock expiry is involved.
func (s *Store) IsProcessedContextAware(ctx context.Context, sessionID, hookName string, currentTokens, threshold int64) (bool, error) {
	var lastTokens int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_tokens FROM sessions
		WHERE session_id = ? AND hook_name = ? AND status = 'active';
	`, sessionID, hookName).Scan(&lastTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is processed context aware: %w", err)
	}

	if currentTokens-lastTokens >= threshold {
		if err := s.ExpireSession(ctx, sessionID, hookName, SessionStatusExpired); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ExpireSession marks one session+hook marker expired with the given reason.
func (s *Store) ExpireSession(ctx context.Context, sessionID, hookName, reason string) error {
	if reason == "" {
		reason = SessionStatusExpired
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, expired_at = ?
		WHERE session_id = ? AND hook_name = ?;
	`, reason, formatTime(time.Now()), sessionID, hookName)
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

// ExpireAllSessions bulk-expires every hook's active marker for a session.
// Used when prior session content is known invalidated.
func (s *Store) ExpireAllSessions(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = SessionStatusCompactExpired
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, expired_at = ?
		WHERE session_id = ? AND status = 'active';
	`, reason, formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("expire all sessions: %w", err)
	}
	return nil
}

// GetSession returns the marker for the pair regardless of status, or nil.
func (s *Store) GetSession(ctx context.Context, sessionID, hookName string) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt string
	var expiredAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, hook_name, created_at, last_tokens, status, expired_at
		FROM sessions
		WHERE session_id = ? AND hook_name = ?;
	`, sessionID, hookName).Scan(&rec.SessionID, &rec.HookName, &createdAt, &rec.LastTokens, &rec.Status, &expiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse session created_at: %w", err)
	}
	rec.CreatedAt = t
	if expiredAt.Valid {
		t, err := parseTime(expiredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse session expired_at: %w", err)
		}
		rec.ExpiredAt = &t
	}
	return &rec, nil
}
