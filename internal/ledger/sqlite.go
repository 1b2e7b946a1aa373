// ABOUTME: SQLite implementation of the turn ledger using modernc.org/sqlite
// ABOUTME: Creates its schema on open and keeps the database in WAL mode

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// timeFormat is fixed width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLedger stores turns in a SQLite database
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger database at path.
// Parent directories are created as well.
func Open(path string) (*SQLiteLedger, error) {
	logger := slog.Default().With("component", "ledger")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// modernc connections do not share an in-memory database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	l := &SQLiteLedger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("ledger opened", "path", path)
	return l, nil
}

func (l *SQLiteLedger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			reply TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,

			CHECK (outcome IN ('completed', 'failed', 'timed_out', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append records a turn.
func (l *SQLiteLedger) Append(ctx context.Context, t *Turn) error {
	if t.ID == "" {
		return errors.New("turn id is required")
	}
	query := `
		INSERT INTO turns (
			id, session_id, agent_id, conversation_id, message_id, prompt, reply,
			outcome, error_kind, error_message, attempts, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		t.ID,
		t.SessionID,
		t.AgentID,
		t.ConversationID,
		t.MessageID,
		t.Prompt,
		t.Reply,
		string(t.Outcome),
		t.ErrorKind,
		t.ErrorMessage,
		t.Attempts,
		t.StartedAt.UTC().Format(timeFormat),
		t.FinishedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

const selectTurn = `
	SELECT id, session_id, agent_id, conversation_id, message_id, prompt, reply,
		outcome, error_kind, error_message, attempts, started_at, finished_at
	FROM turns
`

// Get returns one turn by id.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (*Turn, error) {
	row := l.db.QueryRowContext(ctx, selectTurn+" WHERE id = ?", id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying turn: %w", err)
	}
	return t, nil
}

// ListBySession returns a session's turns, newest first.
func (l *SQLiteLedger) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	return l.list(ctx, selectTurn+" WHERE session_id = ? ORDER BY started_at DESC, id LIMIT ?", sessionID, normalizeLimit(limit))
}

// Recent returns the most recent turns across all sessions, newest first.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]*Turn, error) {
	return l.list(ctx, selectTurn+" ORDER BY started_at DESC, id LIMIT ?", normalizeLimit(limit))
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) list(ctx context.Context, query string, args ...any) ([]*Turn, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*Turn, error) {
	var t Turn
	var outcome, startedAt, finishedAt string
	err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.AgentID,
		&t.ConversationID,
		&t.MessageID,
		&t.Prompt,
		&t.Reply,
		&outcome,
		&t.ErrorKind,
		&t.ErrorMessage,
		&t.Attempts,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Outcome = Outcome(outcome)

	if t.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if t.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &t, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
