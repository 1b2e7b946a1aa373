// ABOUTME: Kind-tagged error type shared by the relay core
// ABOUTME: Carries the structured detail a caller needs to retry a turn safely

package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind string

const (
	// StoreUnavailable means the selected cache backend could not be reached.
	// The store selector recovers it locally; it never reaches a turn caller.
	StoreUnavailable Kind = "store_unavailable"
	// NotFound is an expected lookup miss.
	NotFound Kind = "not_found"
	// AgentNotFound means the platform reports no such agent.
	AgentNotFound Kind = "agent_not_found"
	// AgentUnavailable means a conversation could not be created (auth, network, rate limit).
	AgentUnavailable Kind = "agent_unavailable"
	// SubmissionFailed means posting the message failed after the conversation existed.
	SubmissionFailed Kind = "submission_failed"
	// TimedOut means polling exhausted its attempt budget.
	TimedOut Kind = "timed_out"
	// Cancelled means the caller's cancellation was observed.
	Cancelled Kind = "cancelled"
	// UpstreamTurnFailed means the agent's turn itself ended failed or cancelled.
	UpstreamTurnFailed Kind = "upstream_turn_failed"
	// Upstream is any other platform failure.
	Upstream Kind = "upstream"
	// Invalid is a request rejected before any network call.
	Invalid Kind = "invalid"
)

// Error is the error type returned across package boundaries in the relay.
type Error struct {
	Kind    Kind
	Message string

	// ConversationID is set once a conversation exists, so the caller can
	// retry the turn without creating another one.
	ConversationID string
	// MessageID is set once the platform accepted the prompt. A caller seeing
	// it must not post the prompt again.
	MessageID string
	// Attempts is the number of polls made, for TimedOut and Cancelled.
	Attempts int
	// Status is the upstream HTTP status, when there was one.
	Status int
	// Detail is the upstream's own description of the failure.
	Detail string

	Err error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	var fields []string
	if e.ConversationID != "" {
		fields = append(fields, "conversation="+e.ConversationID)
	}
	if e.MessageID != "" {
		fields = append(fields, "message="+e.MessageID)
	}
	if e.Attempts > 0 {
		fields = append(fields, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	if e.Status != 0 {
		fields = append(fields, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Detail != "" {
		fields = append(fields, "detail="+truncate(e.Detail, 256))
	}
	if len(fields) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(fields, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Rekind returns a copy of err's *Error with a new kind and message, keeping
// the upstream status and detail and wrapping the original as the cause.
func Rekind(err error, kind Kind, message string) *Error {
	out := &Error{Kind: kind, Message: message, Err: err}
	if e, ok := As(err); ok {
		out.Status = e.Status
		out.Detail = e.Detail
		out.ConversationID = e.ConversationID
		out.MessageID = e.MessageID
	}
	return out
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
