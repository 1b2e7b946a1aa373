// ABOUTME: Turn ledger interface and record type
// ABOUTME: One row per orchestrated turn outcome, for history and troubleshooting

package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested turn does not exist
var ErrNotFound = errors.New("turn not found")

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Turn is one orchestrated prompt-and-reply cycle.
type Turn struct {
	ID             string
	SessionID      string
	AgentID        string
	ConversationID string
	MessageID      string
	Prompt         string
	Reply          string
	Outcome        Outcome
	ErrorKind      string
	ErrorMessage   string
	Attempts       int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration is how long the turn took.
func (t *Turn) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}

// Ledger records turn outcomes.
type Ledger interface {
	Append(ctx context.Context, turn *Turn) error
	Get(ctx context.Context, id string) (*Turn, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Turn, error)
	Recent(ctx context.Context, limit int) ([]*Turn, error)
	Close() error
}

// Nop discards every turn. It is used when the ledger is disabled.
type Nop struct{}

func (Nop) Append(context.Context, *Turn) error                        { return nil }
func (Nop) Get(context.Context, string) (*Turn, error)                 { return nil, ErrNotFound }
func (Nop) ListBySession(context.Context, string, int) ([]*Turn, error) { return nil, nil }
func (Nop) Recent(context.Context, int) ([]*Turn, error)               { return nil, nil }
func (Nop) Close() error                                               { return nil }
