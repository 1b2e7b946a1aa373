// ABOUTME: Tests for turn orchestration against the in-process fake platform
// ABOUTME: Covers session continuity, single submission, timeouts, cancellation, and failure kinds

package orchestrator

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/apperr"
	"github.com/2389/agent-relay/internal/kvstore"
	"github.com/2389/agent-relay/internal/ledger"
	"github.com/2389/agent-relay/internal/platform"
	"github.com/2389/agent-relay/internal/platform/platformtest"
	"github.com/2389/agent-relay/internal/session"
)

type harness struct {
	fake     *platformtest.Platform
	client   *platform.Client
	kv       *kvstore.MemoryStore
	sessions *session.Store
	orch     *Orchestrator
}

func newHarness(t *testing.T, popts platformtest.Options, deps Deps, opts Options) *harness {
	t.Helper()
	if popts.Agents == nil {
		popts.Agents = []platform.AgentInfo{{ID: "agent-1", Name: "Analyst"}}
	}
	if popts.Reply == nil {
		popts.Reply = func(_, prompt string) string { return "reply to " + prompt }
	}
	fake, srv := platformtest.NewServer(t, popts)
	client, err := platform.NewClient(platform.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	kv := kvstore.NewMemoryStore(kvstore.MemoryOptions{})
	t.Cleanup(func() { _ = kv.Close() })
	sessions := session.NewStore(kv, session.Options{})

	deps.Client = client
	deps.Sessions = sessions
	if deps.Agents == nil {
		deps.Agents = agent.NewCache(kv, client, nil, time.Minute, nil)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}

	orch, err := New(deps, opts)
	require.NoError(t, err)
	return &harness{fake: fake, client: client, kv: kv, sessions: sessions, orch: orch}
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestRunTurn_FreshSessionSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{PollsBeforeReply: 1}, Deps{}, Options{})

	res, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "reply to hello", res.Text)
	assert.NotEmpty(t, res.ConversationID)
	assert.NotEmpty(t, res.MessageID)
	assert.NotEmpty(t, res.TurnID)
	assert.Equal(t, 2, res.Attempts, "completed observed on the second poll")
	assert.False(t, res.CompletedAt.IsZero())

	sc, err := h.sessions.Resume(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, res.ConversationID, sc.ConversationID)

	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointCreate))
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointPost))
	assert.Equal(t, 2, h.fake.Calls(platformtest.EndpointFetch))
}

func TestRunTurn_SessionContinuityReusesConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})

	first, err := h.orch.RunTurn(ctx, "agent-1", "one", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)

	second, err := h.orch.RunTurn(ctx, "agent-1", "two", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointCreate), "no second createConversation")
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, "reply to two", second.Text, "the reply to the new message, not the first one")

	posted := h.fake.Posted()
	require.Len(t, posted, 2)
	assert.Equal(t, first.ConversationID, posted[1].ConversationID)
}

func TestRunTurn_SessionOfAnotherAgentStartsNewConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{
		Agents: []platform.AgentInfo{{ID: "agent-1"}, {ID: "agent-2"}},
	}, Deps{}, Options{})

	first, err := h.orch.RunTurn(ctx, "agent-1", "one", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)
	second, err := h.orch.RunTurn(ctx, "agent-2", "two", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ConversationID, second.ConversationID)
	sc, err := h.sessions.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", sc.AgentID)
	assert.Equal(t, second.ConversationID, sc.ConversationID)
}

func TestRunTurn_ExplicitConversationWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})

	conv, err := h.client.CreateConversation(ctx, "agent-1")
	require.NoError(t, err)
	_, err = h.orch.RunTurn(ctx, "agent-1", "one", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)

	res, err := h.orch.RunTurn(ctx, "agent-1", "two", TurnOptions{SessionID: "s1", ConversationID: conv.ID})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, res.ConversationID)

	sc, err := h.sessions.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, sc.ConversationID)
}

func TestRunTurn_TimesOutAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, platformtest.Options{PollsBeforeReply: 1000}, Deps{}, Options{})

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "slow", TurnOptions{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  5,
	})
	require.Error(t, err)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.TimedOut, e.Kind)
	assert.Equal(t, 5, e.Attempts)
	assert.NotEmpty(t, e.ConversationID)
	assert.Equal(t, 5, h.fake.Calls(platformtest.EndpointFetch))
}

func TestRunTurn_FetchFailuresNeverRepost(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	h.fake.FailNext(platformtest.EndpointFetch, http.StatusBadGateway, http.StatusInternalServerError)

	res, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointPost))
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointCreate))
}

func TestRunTurn_PersistentFetchFailureTimesOutWithCause(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	h.fake.FailNext(platformtest.EndpointFetch, 500, 500, 500)

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{MaxAttempts: 3})
	assert.Equal(t, apperr.TimedOut, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "upstream")
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointPost))
}

func TestRunTurn_TerminalStateStopsNetworkCalls(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{})
	require.NoError(t, err)

	calls := h.fake.Calls(platformtest.EndpointFetch)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, h.fake.Calls(platformtest.EndpointFetch))
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointPost))
}

func TestRunTurn_UpstreamTurnFailed(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	h.fake.SetOutcome("agent-1", platformtest.Outcome{Status: platform.StatusFailed, Detail: "tool crashed"})

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.UpstreamTurnFailed, e.Kind)
	assert.Equal(t, "tool crashed", e.Detail)
	assert.NotEmpty(t, e.ConversationID)

	fetches := h.fake.Calls(platformtest.EndpointFetch)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fetches, h.fake.Calls(platformtest.EndpointFetch))
}

func TestRunTurn_UpstreamCancelledIsUpstreamTurnFailed(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	h.fake.SetOutcome("agent-1", platformtest.Outcome{Status: platform.StatusCancelled})

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{})
	assert.Equal(t, apperr.UpstreamTurnFailed, apperr.KindOf(err))
}

func TestRunTurn_CancelledAtPollBoundary(t *testing.T) {
	h := newHarness(t, platformtest.Options{PollsBeforeReply: 1000}, Deps{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fake.OnFetch(func(_ string, n int) {
		if n == 2 {
			cancel()
		}
	})

	_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Cancelled, e.Kind)
	assert.Equal(t, 2, e.Attempts, "the in-flight fetch completes and counts")
	assert.Equal(t, 2, h.fake.Calls(platformtest.EndpointFetch), "no fetch after cancellation")
	assert.NotEqual(t, apperr.TimedOut, e.Kind)
}

func TestRunTurn_CancelledBetweenFirstAndSecondPoll(t *testing.T) {
	h := newHarness(t, platformtest.Options{PollsBeforeReply: 1000}, Deps{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fake.OnFetch(func(_ string, n int) {
		if n == 1 {
			cancel()
		}
	})

	_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Cancelled, e.Kind)
	assert.Equal(t, 1, e.Attempts)
	assert.NotEmpty(t, e.MessageID)
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointFetch), "no second fetch")
}

func TestRunTurn_CancelDuringPostKeepsSubmission(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fake.On(platformtest.EndpointPost, func(string, int) {
		cancel()
		time.Sleep(20 * time.Millisecond)
	})

	_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{
		SessionID:    "s1",
		DocumentRefs: []string{"doc-1"},
	})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Cancelled, e.Kind, "an accepted message is not a failed submission")
	assert.NotEmpty(t, e.ConversationID)
	assert.NotEmpty(t, e.MessageID)
	assert.Zero(t, e.Attempts)

	assert.Len(t, h.fake.Posted(), 1)
	assert.Zero(t, h.fake.Calls(platformtest.EndpointFetch))

	sc, err := h.sessions.Resume(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, e.ConversationID, sc.ConversationID)
	assert.Equal(t, []string{"doc-1"}, sc.DocumentRefs)
}

func TestRunTurn_CancelDuringCreateKeepsConversation(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fake.On(platformtest.EndpointCreate, func(string, int) {
		cancel()
		time.Sleep(20 * time.Millisecond)
	})

	_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{SessionID: "s1"})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Cancelled, e.Kind)
	require.NotEmpty(t, e.ConversationID)
	assert.Empty(t, e.MessageID)
	assert.Zero(t, h.fake.Calls(platformtest.EndpointPost), "nothing posted after cancellation")

	h.fake.On(platformtest.EndpointCreate, nil)
	res, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, e.ConversationID, res.ConversationID)
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointCreate))
}

func TestRunTurn_DeadlineCountsFromPollingStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, platformtest.Options{PollsBeforeReply: 2}, Deps{Clock: clock}, Options{Ceiling: 3 * time.Second})
	// A slow submission eats most of the ceiling before polling begins.
	h.fake.On(platformtest.EndpointPost, func(string, int) {
		clock.Advance(2 * time.Second)
	})

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{
			PollInterval: time.Second,
			MaxAttempts:  3,
		})
		done <- outcome{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, 3, out.res.Attempts, "the full attempt budget is available")
}

func TestRunTurn_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{})
	assert.Equal(t, apperr.Cancelled, apperr.KindOf(err))
	assert.Zero(t, h.fake.Calls(platformtest.EndpointCreate))
}

func TestRunTurn_PollsOnInjectedClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, platformtest.Options{PollsBeforeReply: 2}, Deps{Clock: clock}, Options{PollInterval: time.Second})

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{})
		done <- outcome{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, 3, out.res.Attempts)
}

func TestRunTurn_CancelDuringWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, platformtest.Options{}, Deps{Clock: clock}, Options{PollInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{})
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	err := <-done
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Cancelled, e.Kind)
	assert.Zero(t, e.Attempts)
	assert.Zero(t, h.fake.Calls(platformtest.EndpointFetch))
}

func TestRunTurn_UnknownAgentIsAgentNotFound(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})

	_, err := h.orch.RunTurn(context.Background(), "ghost", "hello", TurnOptions{})
	assert.Equal(t, apperr.AgentNotFound, apperr.KindOf(err))
	assert.Zero(t, h.fake.Calls(platformtest.EndpointPost))
}

func TestRunTurn_CreateFailureIsAgentUnavailable(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	h.fake.FailNext(platformtest.EndpointCreate, http.StatusServiceUnavailable)

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.AgentUnavailable, e.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, e.Status)
	assert.Zero(t, h.fake.Calls(platformtest.EndpointPost))
}

func TestRunTurn_SubmissionFailedKeepsConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})
	h.fake.FailNext(platformtest.EndpointPost, http.StatusInternalServerError)

	_, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{SessionID: "s1"})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.SubmissionFailed, e.Kind)
	require.NotEmpty(t, e.ConversationID)
	assert.Zero(t, h.fake.Calls(platformtest.EndpointFetch))

	res, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, e.ConversationID, res.ConversationID)
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointCreate))
}

func TestRunTurn_EmptyPromptMakesNoCalls(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "   ", TurnOptions{})
	assert.ErrorIs(t, err, platform.ErrEmptyText)
	assert.Zero(t, h.fake.Calls(platformtest.EndpointCreate))
}

func TestRunTurn_ContextPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{User: platform.UserContext{Username: "ada", Timezone: "UTC"}})

	_, err := h.orch.RunTurn(ctx, "agent-1", "one", TurnOptions{SessionID: "s1", DocumentRefs: []string{"doc-1"}})
	require.NoError(t, err)
	_, err = h.orch.RunTurn(ctx, "agent-1", "two", TurnOptions{
		SessionID:    "s1",
		DocumentRefs: []string{"doc-2", "doc-1"},
		TextContext:  []string{"quarter=Q3"},
	})
	require.NoError(t, err)

	posted := h.fake.Posted()
	require.Len(t, posted, 2)
	assert.Equal(t, []platform.ContextItem{platform.DocumentRef("doc-1")}, posted[0].Context)
	assert.Equal(t, []platform.ContextItem{
		platform.DocumentRef("doc-1"),
		platform.DocumentRef("doc-2"),
		platform.TextValue("quarter=Q3"),
	}, posted[1].Context)
	assert.Equal(t, "ada", posted[0].UserContext["username"])

	sc, err := h.sessions.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-1"}, sc.DocumentRefs)
}

func TestRunTurn_OversizedContextIsInvalid(t *testing.T) {
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{MaxContextBytes: 16})

	_, err := h.orch.RunTurn(context.Background(), "agent-1", "hello", TurnOptions{
		TextContext: []string{strings.Repeat("x", 17)},
	})
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
	assert.Zero(t, h.fake.Calls(platformtest.EndpointCreate))
}

func TestRunTurn_AppendsLedger(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	h := newHarness(t, platformtest.Options{}, Deps{Ledger: l}, Options{})

	first, err := h.orch.RunTurn(ctx, "agent-1", "hello", TurnOptions{SessionID: "s1"})
	require.NoError(t, err)

	h.fake.SetPollsBeforeReply(100)
	_, err = h.orch.RunTurn(ctx, "agent-1", "slow", TurnOptions{SessionID: "s1", MaxAttempts: 2})
	require.Error(t, err)

	turns, err := l.ListBySession(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	byOutcome := map[ledger.Outcome]*ledger.Turn{}
	for _, turn := range turns {
		byOutcome[turn.Outcome] = turn
	}
	require.Contains(t, byOutcome, ledger.OutcomeCompleted)
	require.Contains(t, byOutcome, ledger.OutcomeTimedOut)
	assert.Equal(t, first.TurnID, byOutcome[ledger.OutcomeCompleted].ID)
	assert.Equal(t, "reply to hello", byOutcome[ledger.OutcomeCompleted].Reply)
	assert.Equal(t, string(apperr.TimedOut), byOutcome[ledger.OutcomeTimedOut].ErrorKind)
	assert.Equal(t, 2, byOutcome[ledger.OutcomeTimedOut].Attempts)
}

func TestGetAgentInfo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, platformtest.Options{}, Deps{}, Options{})

	for i := 0; i < 3; i++ {
		cfg, err := h.orch.GetAgentInfo(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "Analyst", cfg.Name)
	}
	assert.Equal(t, 1, h.fake.Calls(platformtest.EndpointAgent))

	_, err := h.orch.GetAgentInfo(ctx, "ghost")
	assert.Equal(t, apperr.AgentNotFound, apperr.KindOf(err))

	h.fake.FailNext(platformtest.EndpointAgent, http.StatusBadGateway)
	_, err = h.orch.GetAgentInfo(ctx, "agent-2")
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}

func TestGetAgentInfo_WithRemoteCacheRefused(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	selector, err := kvstore.NewSelector(ctx, kvstore.SelectorConfig{
		Mode:           kvstore.SelectAuto,
		ConnectTimeout: 200 * time.Millisecond,
		ProbeInterval:  time.Hour,
	}, kvstore.NewMemoryStore(kvstore.MemoryOptions{}), kvstore.NewRedisStore(kvstore.RedisOptions{Addr: addr, DialTimeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	defer selector.Close()
	require.Equal(t, kvstore.ModeLocal, selector.Mode())

	fake, srv := platformtest.NewServer(t, platformtest.Options{Agents: []platform.AgentInfo{{ID: "agent-1", Name: "Analyst"}}})
	client, err := platform.NewClient(platform.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	orch, err := New(Deps{Client: client, Agents: agent.NewCache(selector, client, nil, time.Minute, nil)}, Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cfg, err := orch.GetAgentInfo(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "Analyst", cfg.Name)
	}
	assert.Equal(t, 1, fake.Calls(platformtest.EndpointAgent))
}

func TestClampBudget(t *testing.T) {
	tests := []struct {
		name         string
		interval     time.Duration
		attempts     int
		ceiling      time.Duration
		wantInterval time.Duration
		wantAttempts int
	}{
		{"within ceiling", time.Second, 30, 120 * time.Second, time.Second, 30},
		{"attempts reduced", 10 * time.Second, 30, 120 * time.Second, 10 * time.Second, 12},
		{"interval above ceiling", 5 * time.Minute, 3, 120 * time.Second, 120 * time.Second, 1},
		{"at least one attempt", 90 * time.Second, 0, 120 * time.Second, 90 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interval, attempts := clampBudget(tt.interval, tt.attempts, tt.ceiling)
			assert.Equal(t, tt.wantInterval, interval)
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.LessOrEqual(t, time.Duration(attempts)*interval, tt.ceiling)
		})
	}
}

func TestPendingTurn_TerminalStatesAbsorb(t *testing.T) {
	for _, final := range []State{StateCompleted, StateFailed, StateTimedOut, StateCancelled} {
		turn := &PendingTurn{}
		require.True(t, turn.transition(StatePolling))
		require.True(t, turn.transition(final))
		assert.True(t, turn.State().Terminal())

		for _, next := range []State{StateIdle, StatePolling, StateCompleted, StateFailed} {
			assert.False(t, turn.transition(next), "%s must not leave to %s", final, next)
			assert.Equal(t, final, turn.State())
		}
	}
	assert.False(t, StatePolling.Terminal())
	assert.Equal(t, "timed_out", StateTimedOut.String())
}
