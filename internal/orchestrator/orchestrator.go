// ABOUTME: Runs one prompt-and-reply turn against a remote agent
// ABOUTME: Ensures a conversation, submits once, then polls until the reply ends or the budget runs out

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/apperr"
	"github.com/2389/agent-relay/internal/ledger"
	"github.com/2389/agent-relay/internal/platform"
	"github.com/2389/agent-relay/internal/session"
)

const (
	DefaultPollInterval    = 1500 * time.Millisecond
	DefaultMaxAttempts     = 30
	DefaultCeiling         = 120 * time.Second
	DefaultMaxContextBytes = 64 << 10
)

// ConversationClient is what the orchestrator needs from the platform.
type ConversationClient interface {
	CreateConversation(ctx context.Context, agentID string) (*platform.Conversation, error)
	PostMessage(ctx context.Context, req *platform.PostMessageRequest) (string, error)
	FetchConversation(ctx context.Context, conversationID string) ([]platform.MessageGroup, error)
}

// SessionStore remembers which conversation a session continues.
type SessionStore interface {
	Resume(ctx context.Context, sessionID string) (*session.Context, error)
	Record(ctx context.Context, p session.RecordParams) (*session.Context, error)
}

// AgentLookup resolves agent metadata.
type AgentLookup interface {
	Get(ctx context.Context, agentID string) (*agent.Config, error)
}

// Deps are the orchestrator's collaborators. Client is required; a nil
// Sessions disables session continuity and a nil Ledger records nothing.
type Deps struct {
	Client   ConversationClient
	Sessions SessionStore
	Agents   AgentLookup
	Ledger   ledger.Ledger
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Options are process-wide turn defaults.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	// Ceiling bounds PollInterval × MaxAttempts for every turn, overrides included.
	Ceiling         time.Duration
	MaxContextBytes int
	User            platform.UserContext
}

// TurnOptions are per-call settings for RunTurn.
type TurnOptions struct {
	SessionID string
	// ConversationID continues a known conversation, taking precedence over the session.
	ConversationID string
	DocumentRefs   []string
	TextContext    []string
	// User replaces the default user context when its Username is set.
	User         platform.UserContext
	PollInterval time.Duration
	MaxAttempts  int
}

// TurnResult is a completed turn.
type TurnResult struct {
	TurnID         string    `json:"turn_id"`
	Text           string    `json:"text"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	ReplyID        string    `json:"reply_id"`
	CompletedAt    time.Time `json:"completed_at"`
	Attempts       int       `json:"attempts"`
}

// Orchestrator runs turns. It is safe for concurrent use; turns share no state
// beyond the stores behind Deps.
type Orchestrator struct {
	client   ConversationClient
	sessions SessionStore
	agents   AgentLookup
	ledger   ledger.Ledger
	clock    clockwork.Clock
	opts     Options
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Client == nil {
		return nil, errors.New("orchestrator requires a conversation client")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.MaxContextBytes <= 0 {
		opts.MaxContextBytes = DefaultMaxContextBytes
	}
	opts.PollInterval, opts.MaxAttempts = clampBudget(opts.PollInterval, opts.MaxAttempts, opts.Ceiling)

	return &Orchestrator{
		client:   deps.Client,
		sessions: deps.Sessions,
		agents:   deps.Agents,
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		opts:     opts,
		tracer:   otel.Tracer("github.com/2389/agent-relay/internal/orchestrator"),
		logger:   deps.Logger.With("component", "orchestrator"),
	}, nil
}

// RunTurn sends prompt to the agent and waits for its reply.
//
// The conversation is the explicit TurnOptions.ConversationID, else the one
// recorded for the session, else a new one. The message is posted exactly
// once; only the fetch is repeated.
func (o *Orchestrator) RunTurn(ctx context.Context, agentID, prompt string, to TurnOptions) (*TurnResult, error) {
	if agentID == "" {
		return nil, apperr.New(apperr.Invalid, "agent id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, platform.ErrEmptyText
	}

	turn := &PendingTurn{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		SessionID: to.SessionID,
		StartedAt: o.clock.Now(),
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.RunTurn", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("turn.id", turn.ID),
	))
	defer span.End()

	logger := o.logger.With("turn_id", turn.ID, "agent_id", agentID)

	result, err := o.run(ctx, turn, prompt, to, logger)

	span.SetAttributes(
		attribute.String("conversation.id", turn.ConversationID),
		attribute.Int("turn.attempts", turn.Attempt),
		attribute.String("turn.state", turn.State().String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, turn *PendingTurn, prompt string, to TurnOptions, logger *slog.Logger) (*TurnResult, error) {
	prior := o.resume(ctx, turn, logger)

	items, err := o.buildContext(prior, to)
	if err != nil {
		return nil, err
	}

	interval, maxAttempts := o.budget(to)

	if err := ctx.Err(); err != nil {
		return nil, o.finish(ctx, turn, prompt, nil, cancelled(turn, err), logger)
	}

	// Create and post run to completion once issued, bounded by the client
	// timeout. Cancellation is checked after each returns.
	callCtx := context.WithoutCancel(ctx)

	// Idle → ConversationEnsured
	if err := o.ensureConversation(callCtx, turn, to, prior, logger); err != nil {
		return nil, o.finish(ctx, turn, prompt, nil, err, logger)
	}
	turn.transition(StateConversationEnsured)
	if err := ctx.Err(); err != nil {
		o.record(ctx, turn, nil, logger)
		return nil, o.finish(ctx, turn, prompt, nil, cancelled(turn, err), logger)
	}

	// ConversationEnsured → MessageSubmitted
	user := o.opts.User
	if to.User.Username != "" {
		user = to.User
	}
	msgID, err := o.client.PostMessage(callCtx, &platform.PostMessageRequest{
		ConversationID: turn.ConversationID,
		AgentID:        turn.AgentID,
		Text:           prompt,
		Context:        items,
		User:           user,
	})
	if err != nil {
		e := apperr.Rekind(err, apperr.SubmissionFailed, "posting message")
		e.ConversationID = turn.ConversationID
		o.record(ctx, turn, nil, logger)
		return nil, o.finish(ctx, turn, prompt, nil, e, logger)
	}
	turn.MessageID = msgID
	turn.transition(StateMessageSubmitted)
	o.record(ctx, turn, to.DocumentRefs, logger)
	if err := ctx.Err(); err != nil {
		return nil, o.finish(ctx, turn, prompt, nil, cancelled(turn, err), logger)
	}

	logger.Debug("message submitted",
		"conversation_id", turn.ConversationID,
		"message_id", msgID,
		"interval", interval,
		"max_attempts", maxAttempts)

	// MessageSubmitted → Polling → terminal
	turn.transition(StatePolling)
	turn.Deadline = o.clock.Now().Add(o.opts.Ceiling + interval)
	reply, err := o.poll(ctx, turn, interval, maxAttempts, logger)
	if err != nil {
		return nil, o.finish(ctx, turn, prompt, nil, err, logger)
	}

	result := &TurnResult{
		TurnID:         turn.ID,
		Text:           reply.Text,
		ConversationID: turn.ConversationID,
		MessageID:      turn.MessageID,
		ReplyID:        reply.ID,
		CompletedAt:    o.clock.Now(),
		Attempts:       turn.Attempt,
	}
	return result, o.finish(ctx, turn, prompt, result, nil, logger)
}

// resume loads the session record. A store failure is logged and the turn
// proceeds as a fresh session.
func (o *Orchestrator) resume(ctx context.Context, turn *PendingTurn, logger *slog.Logger) *session.Context {
	if o.sessions == nil || turn.SessionID == "" {
		return nil
	}
	sc, err := o.sessions.Resume(ctx, turn.SessionID)
	if err != nil {
		logger.Warn("session resume failed", "session_id", turn.SessionID, "error", err)
		return nil
	}
	if sc != nil && sc.AgentID != "" && sc.AgentID != turn.AgentID {
		logger.Debug("session belongs to another agent, starting a new conversation",
			"session_id", turn.SessionID,
			"session_agent_id", sc.AgentID)
		return nil
	}
	return sc
}

func (o *Orchestrator) ensureConversation(ctx context.Context, turn *PendingTurn, to TurnOptions, prior *session.Context, logger *slog.Logger) error {
	switch {
	case to.ConversationID != "":
		turn.ConversationID = to.ConversationID
		return nil
	case prior != nil && prior.ConversationID != "":
		turn.ConversationID = prior.ConversationID
		logger.Debug("continuing session conversation", "session_id", turn.SessionID, "conversation_id", turn.ConversationID)
		return nil
	}

	conv, err := o.client.CreateConversation(ctx, turn.AgentID)
	if err != nil {
		if apperr.Is(err, apperr.AgentNotFound) {
			return apperr.Rekind(err, apperr.AgentNotFound, fmt.Sprintf("agent %s not found", turn.AgentID))
		}
		return apperr.Rekind(err, apperr.AgentUnavailable, "creating conversation")
	}
	turn.ConversationID = conv.ID
	logger.Debug("conversation created", "conversation_id", conv.ID)
	return nil
}

// buildContext folds the session's and the call's document references and
// the call's text snippets into a validated, size-bounded context payload.
func (o *Orchestrator) buildContext(prior *session.Context, to TurnOptions) ([]platform.ContextItem, error) {
	var items []platform.ContextItem
	seen := make(map[string]bool)
	addRef := func(ref string) {
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		items = append(items, platform.DocumentRef(ref))
	}
	if prior != nil {
		for _, ref := range prior.DocumentRefs {
			addRef(ref)
		}
	}
	for _, ref := range to.DocumentRefs {
		addRef(ref)
	}
	for _, text := range to.TextContext {
		items = append(items, platform.TextValue(text))
	}

	total := 0
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, apperr.Wrap(apperr.Invalid, "invalid context item", err)
		}
		total += item.Size()
	}
	if total > o.opts.MaxContextBytes {
		return nil, apperr.New(apperr.Invalid,
			fmt.Sprintf("context payload is %d bytes, limit is %d", total, o.opts.MaxContextBytes))
	}
	return items, nil
}

// budget applies per-call overrides, clamped to the ceiling.
func (o *Orchestrator) budget(to TurnOptions) (time.Duration, int) {
	interval := o.opts.PollInterval
	if to.PollInterval > 0 {
		interval = to.PollInterval
	}
	maxAttempts := o.opts.MaxAttempts
	if to.MaxAttempts > 0 {
		maxAttempts = to.MaxAttempts
	}
	return clampBudget(interval, maxAttempts, o.opts.Ceiling)
}

// clampBudget keeps interval × maxAttempts within ceiling by lowering the
// attempt count. At least one attempt is always allowed.
func clampBudget(interval time.Duration, maxAttempts int, ceiling time.Duration) (time.Duration, int) {
	if interval > ceiling {
		interval = ceiling
	}
	if limit := int(ceiling / interval); maxAttempts > limit {
		maxAttempts = limit
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return interval, maxAttempts
}

// record saves the session's conversation so a later turn continues it.
// It runs even when the caller has cancelled, and failures are only logged.
func (o *Orchestrator) record(ctx context.Context, turn *PendingTurn, refs []string, logger *slog.Logger) {
	if o.sessions == nil || turn.SessionID == "" || turn.ConversationID == "" {
		return
	}
	if _, err := o.sessions.Record(context.WithoutCancel(ctx), session.RecordParams{
		SessionID:      turn.SessionID,
		AgentID:        turn.AgentID,
		ConversationID: turn.ConversationID,
		DocumentRefs:   refs,
	}); err != nil {
		logger.Warn("session record failed", "session_id", turn.SessionID, "error", err)
	}
}

// finish moves the turn to its terminal state and appends it to the ledger.
// It returns err so call sites can end with it.
func (o *Orchestrator) finish(ctx context.Context, turn *PendingTurn, prompt string, result *TurnResult, err error, logger *slog.Logger) error {
	final := StateCompleted
	if err != nil {
		final = stateFor(err)
	}
	if !turn.transition(final) {
		logger.Error("turn already ended", "state", turn.State(), "attempted", final)
		return err
	}

	entry := &ledger.Turn{
		ID:             turn.ID,
		SessionID:      turn.SessionID,
		AgentID:        turn.AgentID,
		ConversationID: turn.ConversationID,
		MessageID:      turn.MessageID,
		Prompt:         prompt,
		Outcome:        outcomeFor(final),
		Attempts:       turn.Attempt,
		StartedAt:      turn.StartedAt,
		FinishedAt:     o.clock.Now(),
	}
	if result != nil {
		entry.Reply = result.Text
	}
	if err != nil {
		entry.ErrorKind = string(apperr.KindOf(err))
		entry.ErrorMessage = err.Error()
		logger.Debug("turn ended",
			"state", final,
			"conversation_id", turn.ConversationID,
			"attempt", turn.Attempt,
			"error", err)
	} else {
		logger.Debug("turn completed",
			"conversation_id", turn.ConversationID,
			"attempt", turn.Attempt)
	}

	if lerr := o.ledger.Append(context.WithoutCancel(ctx), entry); lerr != nil {
		logger.Warn("ledger append failed", "error", lerr)
	}
	return err
}

// GetAgentInfo returns the agent's metadata, through the agent cache.
func (o *Orchestrator) GetAgentInfo(ctx context.Context, agentID string) (*agent.Config, error) {
	if o.agents == nil {
		return nil, apperr.New(apperr.Invalid, "agent lookup is not configured")
	}
	cfg, err := o.agents.Get(ctx, agentID)
	if err == nil {
		return cfg, nil
	}
	switch apperr.KindOf(err) {
	case apperr.AgentNotFound, apperr.Invalid:
		return nil, err
	default:
		return nil, apperr.Rekind(err, apperr.Upstream, fmt.Sprintf("looking up agent %s", agentID))
	}
}
