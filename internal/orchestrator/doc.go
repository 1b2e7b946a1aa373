// Package orchestrator runs prompt-and-reply turns against remote agents.
//
// # Overview
//
// The platform answers asynchronously: a message is posted, and the reply
// appears in the conversation later. RunTurn drives one turn through a
// fixed sequence of states:
//
//	Idle → ConversationEnsured → MessageSubmitted → Polling → Completed
//	                                                       ↘ Failed
//	                                                       ↘ TimedOut
//	                                                       ↘ Cancelled
//
// The four end states are absorbing. Once a turn reaches one, it makes no
// further platform calls.
//
// # Conversations and Sessions
//
// A turn continues an explicit conversation id when given one. Otherwise it
// continues the conversation recorded for its session id, as long as that
// session belongs to the same agent, and otherwise creates a new one. The
// session is recorded once the conversation exists, including when the
// message could not be posted, so a retry reuses the conversation.
//
// # Polling
//
// The message is posted exactly once. Only the fetch is repeated: wait the
// poll interval, fetch, look at the reply's status. A failed fetch counts as
// an attempt and polling continues.
//
//	result, err := orch.RunTurn(ctx, "agent-1", "Summarize Q3", orchestrator.TurnOptions{
//	    SessionID:    "s1",
//	    DocumentRefs: []string{"doc-42"},
//	    PollInterval: time.Second,
//	    MaxAttempts:  20,
//	})
//
// Per-call interval and attempt overrides are clamped so their product never
// exceeds the configured ceiling. A deadline of the ceiling plus one interval,
// counted from the start of polling, backs up the attempt budget.
//
// # Cancellation
//
// Cancelling ctx ends the turn with a Cancelled error at the next poll
// boundary or during the wait. A call already in flight is allowed to
// finish: a conversation being created still gets recorded for the session,
// and a message being posted is not reported as failed. When the message
// was accepted the error carries its MessageID, and the prompt must not be
// posted again.
//
// # Errors
//
// Every failure is an *apperr.Error. Its ConversationID is set once a
// conversation exists and Attempts is set for TimedOut and Cancelled.
package orchestrator
