// ABOUTME: In-process fake of the agent platform's conversation API
// ABOUTME: Scriptable agents and replies, per-endpoint call counters, and fault injection

package platformtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/platform"
)

// Endpoint names a platform call for counters and fault injection.
type Endpoint string

const (
	EndpointCreate Endpoint = "create"
	EndpointPost   Endpoint = "post"
	EndpointFetch  Endpoint = "fetch"
	EndpointAgent  Endpoint = "agent"
)

// Options configures a Platform.
type Options struct {
	Agents []platform.AgentInfo
	// PollsBeforeReply is how many fetches see the reply in progress before
	// it reaches its final status.
	PollsBeforeReply int
	// Reply produces the agent's answer. Defaults to echoing the prompt.
	Reply func(agentID, prompt string) string
	// APIKey, when set, is required as a bearer token on every request.
	APIKey string
	// OmitParentIDs leaves parent_id off replies, as some deployments do.
	OmitParentIDs bool
	Logger        *slog.Logger
}

// Posted is a message submission as the platform received it.
type Posted struct {
	ConversationID string
	AgentID        string
	Text           string
	Mentions       []string
	Context        []platform.ContextItem
	UserContext    map[string]any
}

// Outcome scripts how an agent's turns end.
type Outcome struct {
	Status platform.TurnStatus
	Detail string
}

type version struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Content  any    `json:"content"`
	Error    string `json:"error,omitempty"`
}

type pendingReply struct {
	group  int
	polls  int
	prompt string
}

type conversation struct {
	id      string
	agentID string
	groups  [][]version
	pending []*pendingReply
}

// Platform is a fake agent platform. The zero value is not usable; call New.
type Platform struct {
	mu            sync.Mutex
	opts          Options
	agents        map[string]platform.AgentInfo
	outcomes      map[string]Outcome
	conversations map[string]*conversation
	calls         map[Endpoint]int
	faults        map[Endpoint][]int
	posted        []Posted
	hooks         map[Endpoint]func(id string, n int)
	logger        *slog.Logger
}

// New creates a fake platform.
func New(opts Options) *Platform {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Platform{
		opts:          opts,
		agents:        make(map[string]platform.AgentInfo),
		outcomes:      make(map[string]Outcome),
		conversations: make(map[string]*conversation),
		calls:         make(map[Endpoint]int),
		faults:        make(map[Endpoint][]int),
		hooks:         make(map[Endpoint]func(string, int)),
		logger:        logger.With("component", "fake-platform"),
	}
	for _, a := range opts.Agents {
		p.agents[a.ID] = a
	}
	return p
}

// NewServer starts a fake platform on a test server that is closed with the test.
func NewServer(t testing.TB, opts Options) (*Platform, *httptest.Server) {
	t.Helper()
	p := New(opts)
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	return p, srv
}

// Handler returns the platform's HTTP routes.
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", p.handleCreate)
	mux.HandleFunc("POST /conversations/{id}/messages", p.handlePost)
	mux.HandleFunc("GET /conversations/{id}", p.handleFetch)
	mux.HandleFunc("GET /agents/{id}", p.handleAgent)
	return p.authenticate(mux)
}

// AddAgent registers an agent.
func (p *Platform) AddAgent(a platform.AgentInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID] = a
}

// SetOutcome scripts how the agent's future turns end.
func (p *Platform) SetOutcome(agentID string, o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[agentID] = o
}

// SetPollsBeforeReply changes how long future replies stay in progress.
func (p *Platform) SetPollsBeforeReply(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.PollsBeforeReply = n
}

// FailNext makes the next len(statuses) calls to the endpoint answer with
// those HTTP statuses, in order.
func (p *Platform) FailNext(e Endpoint, statuses ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[e] = append(p.faults[e], statuses...)
}

// On registers a hook run before each request to e is answered, outside the
// platform lock. id is the conversation id, or the agent id for create and
// agent lookups. n counts calls to e across the whole platform, starting at 1.
func (p *Platform) On(e Endpoint, fn func(id string, n int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[e] = fn
}

// OnFetch registers a hook run before each conversation fetch is answered.
func (p *Platform) OnFetch(fn func(conversationID string, n int)) {
	p.On(EndpointFetch, fn)
}

func (p *Platform) runHook(e Endpoint, id string) {
	p.mu.Lock()
	hook := p.hooks[e]
	n := p.calls[e] + 1
	p.mu.Unlock()
	if hook != nil {
		hook(id, n)
	}
}

// Calls returns how many requests reached the endpoint, failed ones included.
func (p *Platform) Calls(e Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[e]
}

// Posted returns every message submission received so far.
func (p *Platform) Posted() []Posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Posted(nil), p.posted...)
}

// Conversations returns the number of conversations created.
func (p *Platform) Conversations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conversations)
}

func (p *Platform) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.opts.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+p.opts.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// begin counts the call and pops a scripted fault. Callers hold p.mu.
func (p *Platform) begin(e Endpoint) (int, bool) {
	p.calls[e]++
	queue := p.faults[e]
	if len(queue) == 0 {
		return 0, false
	}
	p.faults[e] = queue[1:]
	return queue[0], true
}

func (p *Platform) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p.runHook(EndpointCreate, req.AgentID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.begin(EndpointCreate); ok {
		writeError(w, status, "injected failure")
		return
	}
	if _, ok := p.agents[req.AgentID]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", req.AgentID))
		return
	}

	conv := &conversation{id: "conv_" + uuid.NewString(), agentID: req.AgentID}
	p.conversations[conv.id] = conv
	p.logger.Debug("conversation created", "conversation_id", conv.id, "agent_id", req.AgentID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"conversation": map[string]any{"id": conv.id, "agent_id": conv.agentID},
	})
}

func (p *Platform) handlePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string                 `json:"text"`
		AgentID     string                 `json:"agent_id"`
		Mentions    []string               `json:"mentions"`
		Context     []platform.ContextItem `json:"context"`
		UserContext map[string]any         `json:"user_context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	convID := r.PathValue("id")
	p.runHook(EndpointPost, convID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.begin(EndpointPost); ok {
		writeError(w, status, "injected failure")
		return
	}
	conv, ok := p.conversations[convID]
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	p.posted = append(p.posted, Posted{
		ConversationID: convID,
		AgentID:        req.AgentID,
		Text:           req.Text,
		Mentions:       req.Mentions,
		Context:        req.Context,
		UserContext:    req.UserContext,
	})

	msgID := "msg_" + uuid.NewString()
	conv.groups = append(conv.groups, []version{{
		ID:      msgID,
		Type:    "user",
		Status:  string(platform.StatusCompleted),
		Content: req.Text,
	}})
	reply := version{
		ID:     "msg_" + uuid.NewString(),
		Type:   "assistant",
		Status: string(platform.StatusInProgress),
	}
	if !p.opts.OmitParentIDs {
		reply.ParentID = msgID
	}
	conv.groups = append(conv.groups, []version{reply})
	conv.pending = append(conv.pending, &pendingReply{group: len(conv.groups) - 1, prompt: req.Text})

	writeJSON(w, http.StatusCreated, map[string]any{"message": map[string]any{"id": msgID}})
}

func (p *Platform) handleFetch(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	p.runHook(EndpointFetch, convID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.begin(EndpointFetch); ok {
		writeError(w, status, "injected failure")
		return
	}
	conv, ok := p.conversations[convID]
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	p.advance(conv)

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": map[string]any{
			"id":       conv.id,
			"agent_id": conv.agentID,
			"content":  conv.groups,
		},
	})
}

// advance moves every pending reply one poll closer to its final status.
func (p *Platform) advance(conv *conversation) {
	remaining := conv.pending[:0]
	for _, pr := range conv.pending {
		pr.polls++
		if pr.polls <= p.opts.PollsBeforeReply {
			remaining = append(remaining, pr)
			continue
		}

		v := &conv.groups[pr.group][0]
		outcome, ok := p.outcomes[conv.agentID]
		if !ok || outcome.Status == "" {
			outcome.Status = platform.StatusCompleted
		}
		v.Status = string(outcome.Status)
		if outcome.Status == platform.StatusCompleted {
			text := pr.prompt
			if p.opts.Reply != nil {
				text = p.opts.Reply(conv.agentID, pr.prompt)
			}
			v.Content = []map[string]string{{"type": "text", "text": text}}
		} else {
			v.Error = outcome.Detail
		}
	}
	conv.pending = remaining
}

func (p *Platform) handleAgent(w http.ResponseWriter, r *http.Request) {
	p.runHook(EndpointAgent, r.PathValue("id"))

	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.begin(EndpointAgent); ok {
		writeError(w, status, "injected failure")
		return
	}
	a, ok := p.agents[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": a})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": strings.TrimSpace(msg)}})
}
