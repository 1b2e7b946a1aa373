// ABOUTME: Turn states and the in-memory record of a turn being orchestrated
// ABOUTME: Terminal states are absorbing; a transition out of one is refused

package orchestrator

import (
	"time"

	"github.com/2389/agent-relay/internal/apperr"
	"github.com/2389/agent-relay/internal/ledger"
)

// State is where a turn is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConversationEnsured
	StateMessageSubmitted
	StatePolling
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateConversationEnsured: "conversation_ensured",
	StateMessageSubmitted:    "message_submitted",
	StatePolling:             "polling",
	StateCompleted:           "completed",
	StateFailed:              "failed",
	StateTimedOut:            "timed_out",
	StateCancelled:           "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// PendingTurn tracks one turn while it runs. It is never persisted.
type PendingTurn struct {
	ID             string
	AgentID        string
	SessionID      string
	ConversationID string
	MessageID      string
	Attempt        int
	StartedAt      time.Time
	// Deadline is set when polling starts: the ceiling plus one interval.
	Deadline       time.Time

	state State
}

// State returns the turn's current state.
func (t *PendingTurn) State() State {
	return t.state
}

// transition moves the turn to next. It reports false, leaving the state
// unchanged, when the turn has already ended.
func (t *PendingTurn) transition(next State) bool {
	if t.state.Terminal() {
		return false
	}
	t.state = next
	return true
}

// stateFor maps a failure onto the terminal state it ends a turn in.
func stateFor(err error) State {
	switch apperr.KindOf(err) {
	case apperr.TimedOut:
		return StateTimedOut
	case apperr.Cancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

func outcomeFor(s State) ledger.Outcome {
	switch s {
	case StateCompleted:
		return ledger.OutcomeCompleted
	case StateTimedOut:
		return ledger.OutcomeTimedOut
	case StateCancelled:
		return ledger.OutcomeCancelled
	default:
		return ledger.OutcomeFailed
	}
}
