package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/subkeeper/internal/transcript"
)

// DefaultSpawnTTL bounds how old a spawn record may be and still be eligible
// for fallback matching. Old records become invisible to fallback, never
// deleted by it.
const DefaultSpawnTTL = 5 * time.Minute

// MatchResult reports a successful binding of a worker to its spawn record.
type MatchResult struct {
	Role            string
	Source          string // RoleSourceTaskMatch or RoleSourceRetryMatch
	Exact           bool
	TranscriptIndex int64
	IssueRef        string
}

// MatchTaskToAgent binds a live worker to the spawn instruction that created
// it. Strategies, in strict order:
//
//  1. Exact: the transcript's worker-progress signal for agentID names the
//     tool invocation that spawned it; bind the spawn record carrying that id
//     if still unbound.
//  2. Fallback: the oldest unbound spawn within ttl. A supplied roleHint is
//     tried first (role equality); a miss cascades to subagent_type equality
//     among role-tagged rows. Equal creation times break on lowest transcript
//     position.
//  3. No match: returns nil; the role stays unresolved for a later retry.
//
// Transcript scanning happens before the transaction so no file I/O runs
// under the write lock. Returns nil when nothing was bound.
func (s *Store) MatchTaskToAgent(ctx context.Context, sessionID, agentID, agentType, roleHint, transcriptPath string, ttl time.Duration) (*MatchResult, error) {
	if ttl <= 0 {
		ttl = DefaultSpawnTTL
	}
	toolUseID := ""
	if transcriptPath != "" {
		id, err := transcript.FindParentToolUseID(transcriptPath, agentID)
		if err != nil {
			return nil, err
		}
		toolUseID = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin match tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if toolUseID != "" {
		res, err := bindByToolUseIDTx(ctx, tx, agentID, toolUseID, RoleSourceTaskMatch)
		if err != nil {
			return nil, err
		}
		if res != nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit match tx: %w", err)
			}
			return res, nil
		}
	}

	res, err := bindFallbackTx(ctx, tx, sessionID, agentID, agentType, roleHint, ttl)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit match tx: %w", err)
	}
	return res, nil
}

// RetryMatchFromAgentProgress repeats the exact strategy alone, for workers
// whose progress signal had not yet been written at first-attempt time.
// A no-op once the spawn record is bound: the matched_agent_id guard makes
// the first writer win and every later caller see nothing to do.
func (s *Store) RetryMatchFromAgentProgress(ctx context.Context, sessionID, agentID, transcriptPath string) (*MatchResult, error) {
	toolUseID, err := transcript.FindParentToolUseID(transcriptPath, agentID)
	if err != nil {
		return nil, err
	}
	if toolUseID == "" {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retry match tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := bindByToolUseIDTx(ctx, tx, agentID, toolUseID, RoleSourceRetryMatch)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit retry match tx: %w", err)
	}
	return res, nil
}

// bindByToolUseIDTx performs the exact-match bind inside the caller's
// transaction. Returns nil when the spawn is absent or already bound.
func bindByToolUseIDTx(ctx context.Context, tx *sql.Tx, agentID, toolUseID, source string) (*MatchResult, error) {
	var id, index int64
	var role, issueRef sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, transcript_index, role, issue_ref
		FROM task_spawns
		WHERE tool_use_id = ? AND matched_agent_id IS NULL;
	`, toolUseID).Scan(&id, &index, &role, &issueRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select spawn by tool_use_id: %w", err)
	}
	if !role.Valid || role.String == "" {
		return nil, nil
	}
	return bindTx(ctx, tx, agentID, id, index, role.String, issueRef.String, source, true)
}

// bindFallbackTx performs the recency fallback bind inside the caller's
// transaction. The role-hint query runs first when a hint was supplied; a
// miss cascades to the subagent_type query rather than ending the match.
func bindFallbackTx(ctx context.Context, tx *sql.Tx, sessionID, agentID, agentType, roleHint string, ttl time.Duration) (*MatchResult, error) {
	threshold := formatTime(time.Now().Add(-ttl))

	var id, index int64
	var role, issueRef sql.NullString
	found := false
	if roleHint != "" {
		err := tx.QueryRowContext(ctx, `
			SELECT id, transcript_index, role, issue_ref
			FROM task_spawns
			WHERE session_id = ? AND role = ? AND matched_agent_id IS NULL
			AND created_at > ?
			ORDER BY created_at ASC, transcript_index ASC
			LIMIT 1;
		`, sessionID, roleHint, threshold).Scan(&id, &index, &role, &issueRef)
		if err == nil {
			found = true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("select fallback spawn by role: %w", err)
		}
	}
	if !found {
		err := tx.QueryRowContext(ctx, `
			SELECT id, transcript_index, role, issue_ref
			FROM task_spawns
			WHERE session_id = ? AND subagent_type = ? AND role IS NOT NULL
			AND matched_agent_id IS NULL AND created_at > ?
			ORDER BY created_at ASC, transcript_index ASC
			LIMIT 1;
		`, sessionID, agentType, threshold).Scan(&id, &index, &role, &issueRef)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select fallback spawn by type: %w", err)
		}
	}
	return bindTx(ctx, tx, agentID, id, index, role.String, issueRef.String, RoleSourceTaskMatch, false)
}

// bindTx sets matched_agent_id exactly once and copies role provenance onto
// the live worker. The IS NULL guard makes a concurrent double-bind lose
// cleanly: zero rows affected means another process got there first.
func bindTx(ctx context.Context, tx *sql.Tx, agentID string, spawnID, index int64, role, issueRef, source string, exact bool) (*MatchResult, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE task_spawns SET matched_agent_id = ?
		WHERE id = ? AND matched_agent_id IS NULL;
	`, agentID, spawnID)
	if err != nil {
		return nil, fmt.Errorf("bind task_spawn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("bind rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE subagents
		SET role = ?, role_source = ?, task_match_index = ?, issue_ref = NULLIF(?, '')
		WHERE agent_id = ?;
	`, role, source, index, issueRef, agentID); err != nil {
		return nil, fmt.Errorf("copy role to subagent: %w", err)
	}
	return &MatchResult{
		Role:            role,
		Source:          source,
		Exact:           exact,
		TranscriptIndex: index,
		IssueRef:        issueRef,
	}, nil
}
