// ABOUTME: Tests for the platform HTTP client against the in-process fake platform
// ABOUTME: Covers request shapes, version parsing, and status-to-kind mapping

package platform_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/apperr"
	"github.com/2389/agent-relay/internal/platform"
	"github.com/2389/agent-relay/internal/platform/platformtest"
)

var echoAgent = platform.AgentInfo{ID: "agent-1", Name: "Echo", Capabilities: []string{"chat"}}

func newTestClient(t *testing.T, opts platformtest.Options) (*platform.Client, *platformtest.Platform) {
	t.Helper()
	fake, srv := platformtest.NewServer(t, opts)
	client, err := platform.NewClient(platform.Options{BaseURL: srv.URL, APIKey: opts.APIKey, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client, fake
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := platform.NewClient(platform.Options{})
	assert.Error(t, err)
}

func TestClient_FullTurn(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t, platformtest.Options{
		Agents: []platform.AgentInfo{echoAgent},
		Reply:  func(_, prompt string) string { return "re: " + prompt },
		APIKey: "secret",
	})

	conv, err := client.CreateConversation(ctx, "agent-1")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "agent-1", conv.AgentID)

	msgID, err := client.PostMessage(ctx, &platform.PostMessageRequest{
		ConversationID: conv.ID,
		AgentID:        "agent-1",
		Text:           "hello",
		Context:        []platform.ContextItem{platform.DocumentRef("doc-9")},
		User:           platform.UserContext{Username: "ada", Timezone: "UTC"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	groups, err := client.FetchConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	reply, ok := platform.AgentTurn(groups, msgID)
	require.True(t, ok)
	assert.Equal(t, platform.StatusCompleted, reply.Status)
	assert.Equal(t, "re: hello", reply.Text)
	assert.Equal(t, msgID, reply.ParentID)

	posted := fake.Posted()
	require.Len(t, posted, 1)
	assert.Equal(t, []string{}, posted[0].Mentions)
	assert.Equal(t, []platform.ContextItem{{Kind: platform.ContextDocument, Ref: "doc-9"}}, posted[0].Context)
}

func TestClient_PostMessageSendsEveryUserContextField(t *testing.T) {
	ctx := context.Background()
	client, fake := newTestClient(t, platformtest.Options{Agents: []platform.AgentInfo{echoAgent}})

	conv, err := client.CreateConversation(ctx, "agent-1")
	require.NoError(t, err)
	_, err = client.PostMessage(ctx, &platform.PostMessageRequest{ConversationID: conv.ID, Text: "hi"})
	require.NoError(t, err)

	uc := fake.Posted()[0].UserContext
	for _, key := range []string{"username", "timezone", "email", "fullname"} {
		assert.Contains(t, uc, key)
	}
}

func TestClient_PostMessageRejectsEmptyTextWithoutNetwork(t *testing.T) {
	client, fake := newTestClient(t, platformtest.Options{})

	_, err := client.PostMessage(context.Background(), &platform.PostMessageRequest{ConversationID: "c", Text: "  "})
	assert.ErrorIs(t, err, platform.ErrEmptyText)
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
	assert.Zero(t, fake.Calls(platformtest.EndpointPost))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperr.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, apperr.AgentUnavailable},
		{"forbidden", http.StatusForbidden, apperr.AgentUnavailable},
		{"not found", http.StatusNotFound, apperr.AgentNotFound},
		{"rate limited", http.StatusTooManyRequests, apperr.AgentUnavailable},
		{"server error", http.StatusBadGateway, apperr.Upstream},
		{"bad request", http.StatusBadRequest, apperr.Upstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, fake := newTestClient(t, platformtest.Options{Agents: []platform.AgentInfo{echoAgent}})
			fake.FailNext(platformtest.EndpointCreate, tt.status)

			_, err := client.CreateConversation(context.Background(), "agent-1")
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, e.Kind)
			assert.Equal(t, tt.status, e.Status)
			assert.Contains(t, e.Detail, "injected failure")
		})
	}
}

func TestClient_RateLimitKeepsRetryAfter(t *testing.T) {
	client, fake := newTestClient(t, platformtest.Options{Agents: []platform.AgentInfo{echoAgent}})
	fake.FailNext(platformtest.EndpointAgent, http.StatusTooManyRequests)

	_, err := client.GetAgent(context.Background(), "agent-1")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Contains(t, e.Detail, "retry-after=1")
}

func TestClient_WrongAPIKeyIsAgentUnavailable(t *testing.T) {
	_, srv := platformtest.NewServer(t, platformtest.Options{APIKey: "right", Agents: []platform.AgentInfo{echoAgent}})
	client, err := platform.NewClient(platform.Options{BaseURL: srv.URL, APIKey: "wrong"})
	require.NoError(t, err)

	_, err = client.CreateConversation(context.Background(), "agent-1")
	assert.Equal(t, apperr.AgentUnavailable, apperr.KindOf(err))
}

func TestClient_TransportErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := platform.NewClient(platform.Options{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = client.FetchConversation(context.Background(), "c")
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}

func TestClient_GetAgent(t *testing.T) {
	client, fake := newTestClient(t, platformtest.Options{Agents: []platform.AgentInfo{echoAgent}})

	info, err := client.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Echo", info.Name)
	assert.Equal(t, []string{"chat"}, info.Capabilities)
	assert.Equal(t, 1, fake.Calls(platformtest.EndpointAgent))

	_, err = client.GetAgent(context.Background(), "ghost")
	assert.Equal(t, apperr.AgentNotFound, apperr.KindOf(err))
}

func TestClient_FetchParsesContentShapes(t *testing.T) {
	body := `{"conversation":{"content":[
		[{"id":"m1","type":"user","status":"completed","content":"plain"}],
		[{"id":"m2","parent_id":"m1","type":"assistant","status":"in_progress","content":{"text":"draft"}},
		 {"id":"m2b","parent_id":"m1","type":"assistant","status":"completed","content":[{"type":"text","text":"fi"},{"type":"image","url":"x"},{"type":"text","text":"nal"}]}],
		{"id":"m3","type":"assistant","status":"failed","error":{"message":"tool crashed"}}
	]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client, err := platform.NewClient(platform.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	groups, err := client.FetchConversation(context.Background(), "c")
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Equal(t, "plain", groups[0][0].Text)
	assert.True(t, groups[0][0].FromUser())
	assert.Equal(t, "draft", groups[1][0].Text)

	latest, ok := groups[1].Latest()
	require.True(t, ok)
	assert.Equal(t, "final", latest.Text)
	assert.Equal(t, platform.StatusCompleted, latest.Status)

	require.Len(t, groups[2], 1)
	assert.Equal(t, platform.StatusFailed, groups[2][0].Status)
	assert.Equal(t, "tool crashed", groups[2][0].Error)
}

func TestClient_FetchUnknownConversationIsNotFoundKind(t *testing.T) {
	client, _ := newTestClient(t, platformtest.Options{})
	_, err := client.FetchConversation(context.Background(), "missing")
	assert.Equal(t, apperr.AgentNotFound, apperr.KindOf(err))
}
