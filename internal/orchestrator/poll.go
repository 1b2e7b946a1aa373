// ABOUTME: The polling step of a turn: wait, fetch, inspect, repeat
// ABOUTME: Cancellation is observed between fetches and never interrupts one in flight

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agent-relay/internal/apperr"
	"github.com/2389/agent-relay/internal/platform"
)

// poll fetches the conversation until the agent's reply reaches a terminal
// status, the attempt budget or deadline runs out, or ctx is cancelled.
// Every fetch counts as an attempt, failed ones included.
func (o *Orchestrator) poll(ctx context.Context, turn *PendingTurn, interval time.Duration, maxAttempts int, logger *slog.Logger) (platform.MessageVersion, error) {
	// Fetches run to completion even after cancellation; the client timeout bounds them.
	fetchCtx := context.WithoutCancel(ctx)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return platform.MessageVersion{}, cancelled(turn, err)
		}
		if turn.Attempt >= maxAttempts || !o.clock.Now().Before(turn.Deadline) {
			return platform.MessageVersion{}, timedOut(turn, lastErr)
		}

		select {
		case <-ctx.Done():
			return platform.MessageVersion{}, cancelled(turn, ctx.Err())
		case <-o.clock.After(interval):
		}

		turn.Attempt++
		groups, err := o.client.FetchConversation(fetchCtx, turn.ConversationID)
		if err != nil {
			lastErr = err
			logger.Debug("fetch failed, will poll again",
				"conversation_id", turn.ConversationID,
				"attempt", turn.Attempt,
				"error", err)
			continue
		}
		lastErr = nil

		reply, ok := platform.AgentTurn(groups, turn.MessageID)
		if !ok {
			logger.Debug("reply not yet present", "conversation_id", turn.ConversationID, "attempt", turn.Attempt)
			continue
		}

		switch reply.Status {
		case platform.StatusCompleted:
			return reply, nil
		case platform.StatusFailed, platform.StatusCancelled:
			e := apperr.New(apperr.UpstreamTurnFailed, fmt.Sprintf("agent turn ended %s", reply.Status))
			e.ConversationID = turn.ConversationID
			e.MessageID = turn.MessageID
			e.Attempts = turn.Attempt
			e.Detail = reply.Error
			return platform.MessageVersion{}, e
		default:
			logger.Debug("reply in progress",
				"conversation_id", turn.ConversationID,
				"attempt", turn.Attempt,
				"status", reply.Status)
		}
	}
}

func cancelled(turn *PendingTurn, cause error) error {
	e := apperr.Wrap(apperr.Cancelled, "turn cancelled", cause)
	e.ConversationID = turn.ConversationID
	e.MessageID = turn.MessageID
	e.Attempts = turn.Attempt
	return e
}

func timedOut(turn *PendingTurn, lastErr error) error {
	e := apperr.Wrap(apperr.TimedOut, fmt.Sprintf("no reply after %d attempts", turn.Attempt), lastErr)
	e.ConversationID = turn.ConversationID
	e.MessageID = turn.MessageID
	e.Attempts = turn.Attempt
	return e
}
