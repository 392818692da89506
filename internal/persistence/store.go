package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1: initial schema (subagents, task_spawns, sessions, hook_log).
	schemaVersionV1 = 1
	// v2: task_spawns.tool_use_id for exact progress-based matching.
	schemaVersionV2 = 2
	// v3: subagents.leader_transcript_path to distinguish leader transcripts.
	schemaVersionV3 = 3
	// v4: subagent_history lifecycle ledger.
	schemaVersionV4 = 4

	schemaVersionLatest = schemaVersionV4
)

// timeLayout is RFC 3339 UTC with fixed nanosecond width. The fixed width
// keeps lexicographic order equal to chronological order, so TEXT timestamp
// comparisons in SQL are safe.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Store owns the on-disk state file shared by every hook process.
type Store struct {
	db *sql.DB
}

// DefaultDBPath resolves the state file location: the externally supplied
// project root first, then the working directory, always at a fixed
// project-local subpath.
func DefaultDBPath() string {
	if dir := os.Getenv("SUBKEEPER_PROJECT_DIR"); dir != "" {
		return filepath.Join(dir, ".subkeeper", "state.db")
	}
	cwd, err := os.Getwd()
	if err != nil || cwd == "" {
		cwd = "."
	}
	return filepath.Join(cwd, ".subkeeper", "state.db")
}

// Open opens (creating if needed) the state file and brings the schema to the
// current version. Safe to call from many processes at once: every schema
// statement is create/add-if-missing and each migration step commits its own
// version stamp.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	// _txlock=immediate makes every transaction take the write lock at BEGIN,
	// so read-decide-write sequences are serialized across processes.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// IsBusy reports whether err is a transient SQLite lock-wait failure. Callers
// may retry these; every other error is either fatal or a logic bug.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps these as sqlite3.Error; match on the message to
	// avoid importing the CGO package outside this file.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RetryOnBusy retries f when the store reports a lock-wait failure, with
// exponential backoff and jitter on top of the driver's busy timeout.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

type migration struct {
	version    int
	statements []string
}

// migrations run in ascending order; each step is idempotent (IF NOT EXISTS,
// or add-column tolerated on replay) so a crash between a step and its stamp
// re-runs the step safely.
var migrations = []migration{
	{
		version: schemaVersionV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS subagents (
				agent_id             TEXT PRIMARY KEY,
				session_id           TEXT NOT NULL,
				agent_type           TEXT NOT NULL DEFAULT 'unknown',
				role                 TEXT,
				role_source          TEXT,
				issue_ref            TEXT,
				created_at           TEXT NOT NULL,
				startup_processed    INTEGER NOT NULL DEFAULT 0,
				startup_processed_at TEXT,
				task_match_index     INTEGER
			);`,
			`CREATE TABLE IF NOT EXISTS task_spawns (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id       TEXT NOT NULL,
				transcript_index INTEGER NOT NULL,
				subagent_type    TEXT,
				role             TEXT,
				prompt_hash      TEXT,
				issue_ref        TEXT,
				matched_agent_id TEXT,
				created_at       TEXT NOT NULL,
				UNIQUE(session_id, transcript_index)
			);`,
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id  TEXT NOT NULL,
				hook_name   TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				last_tokens INTEGER DEFAULT 0,
				status      TEXT NOT NULL DEFAULT 'active',
				expired_at  TEXT,
				PRIMARY KEY (session_id, hook_name)
			);`,
			`CREATE TABLE IF NOT EXISTS hook_log (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL,
				hook_name   TEXT NOT NULL,
				event_type  TEXT NOT NULL,
				agent_id    TEXT,
				timestamp   TEXT NOT NULL,
				result      TEXT,
				details     TEXT,
				duration_ms INTEGER
			);`,
			`CREATE INDEX IF NOT EXISTS idx_subagents_session ON subagents(session_id);`,
			`CREATE INDEX IF NOT EXISTS idx_subagents_unprocessed ON subagents(session_id, startup_processed) WHERE startup_processed = 0;`,
			`CREATE INDEX IF NOT EXISTS idx_task_spawns_session ON task_spawns(session_id);`,
			`CREATE INDEX IF NOT EXISTS idx_task_spawns_unmatched ON task_spawns(session_id, matched_agent_id) WHERE matched_agent_id IS NULL;`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
			`CREATE INDEX IF NOT EXISTS idx_hook_log_session ON hook_log(session_id, timestamp);`,
		},
	},
	{
		version: schemaVersionV2,
		statements: []string{
			`ALTER TABLE task_spawns ADD COLUMN tool_use_id TEXT;`,
			`CREATE INDEX IF NOT EXISTS idx_task_spawns_tool_use_id ON task_spawns(tool_use_id);`,
		},
	},
	{
		version: schemaVersionV3,
		statements: []string{
			`ALTER TABLE subagents ADD COLUMN leader_transcript_path TEXT;`,
		},
	},
	{
		version: schemaVersionV4,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS subagent_history (
				id                     INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id               TEXT NOT NULL,
				session_id             TEXT NOT NULL,
				agent_type             TEXT,
				role                   TEXT,
				role_source            TEXT,
				issue_ref              TEXT,
				leader_transcript_path TEXT,
				started_at             TEXT NOT NULL,
				stopped_at             TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_subagent_history_session ON subagent_history(session_id);`,
			`CREATE INDEX IF NOT EXISTS idx_subagent_history_role ON subagent_history(role);`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersionLatest {
		return fmt.Errorf("state file schema version %d is newer than supported %d", current, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		// Each step commits with its own stamp so a crash mid-migration
		// leaves the stamp at the last completed version.
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		if err := applyMigrationTx(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func applyMigrationTx(ctx context.Context, tx *sql.Tx, m migration) error {
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			// Add-column steps may be replayed after a racing process already
			// applied them; SQLite has no ADD COLUMN IF NOT EXISTS.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_version (version, applied_at)
		VALUES (?, ?);
	`, m.version, formatTime(time.Now())); err != nil {
		return fmt.Errorf("stamp migration v%d: %w", m.version, err)
	}
	return nil
}
