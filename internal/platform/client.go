// ABOUTME: HTTP client for the agent platform's conversation API
// ABOUTME: One round trip per call; maps transport and HTTP failures onto apperr kinds

package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/2389/agent-relay/internal/apperr"
)

// ErrEmptyText is returned by PostMessage before any network call when the text is blank.
var ErrEmptyText = apperr.New(apperr.Invalid, "message text must not be empty")

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// HTTPClient overrides the default client. Its transport is used as is.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is not set.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client issues conversation calls against the platform. It never retries;
// retry policy belongs to the caller.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a platform client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("platform base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing platform base URL: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    httpClient,
		logger:  logger.With("component", "platform"),
	}, nil
}

// CreateConversation opens a new conversation with an agent.
func (c *Client) CreateConversation(ctx context.Context, agentID string) (*Conversation, error) {
	if agentID == "" {
		return nil, apperr.New(apperr.Invalid, "agent id is required")
	}
	body, err := c.do(ctx, http.MethodPost, "/conversations", map[string]string{"agent_id": agentID})
	if err != nil {
		return nil, err
	}

	id := gjson.GetBytes(body, "conversation.id").String()
	if id == "" {
		return nil, apperr.New(apperr.Upstream, "create conversation response has no conversation id")
	}
	conv := &Conversation{ID: id, AgentID: agentID, CreatedAt: time.Now()}
	if created := gjson.GetBytes(body, "conversation.created_at"); created.Exists() {
		if t, err := time.Parse(time.RFC3339, created.String()); err == nil {
			conv.CreatedAt = t
		}
	}

	c.logger.Debug("conversation created", "agent_id", agentID, "conversation_id", id)
	return conv, nil
}

// postMessageBody is the wire form of a message submission.
type postMessageBody struct {
	Text        string        `json:"text"`
	AgentID     string        `json:"agent_id"`
	Mentions    []string      `json:"mentions"`
	Context     []ContextItem `json:"context"`
	UserContext UserContext   `json:"user_context"`
}

// PostMessage submits text to a conversation and returns the new message's id.
// The user context is passed through verbatim.
func (c *Client) PostMessage(ctx context.Context, req *PostMessageRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrEmptyText
	}
	if req.ConversationID == "" {
		return "", apperr.New(apperr.Invalid, "conversation id is required")
	}

	payload := postMessageBody{
		Text:        req.Text,
		AgentID:     req.AgentID,
		Mentions:    []string{},
		Context:     req.Context,
		UserContext: req.User,
	}
	if payload.Context == nil {
		payload.Context = []ContextItem{}
	}

	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(body, "message.id").String()
	if id == "" {
		return "", apperr.New(apperr.Upstream, "post message response has no message id")
	}

	c.logger.Debug("message posted", "conversation_id", req.ConversationID, "message_id", id)
	return id, nil
}

// FetchConversation returns the conversation's message groups in order.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) ([]MessageGroup, error) {
	if conversationID == "" {
		return nil, apperr.New(apperr.Invalid, "conversation id is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "conversation.content")
	if !content.Exists() {
		return nil, nil
	}
	if !content.IsArray() {
		return nil, apperr.New(apperr.Upstream, "conversation content is not an array")
	}

	var groups []MessageGroup
	for _, rawGroup := range content.Array() {
		var group MessageGroup
		if rawGroup.IsArray() {
			for _, rawVersion := range rawGroup.Array() {
				group = append(group, parseVersion(rawVersion))
			}
		} else if rawGroup.IsObject() {
			// Some deployments send single-version messages unwrapped.
			group = MessageGroup{parseVersion(rawGroup)}
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// GetAgent returns an agent's description.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	if agentID == "" {
		return nil, apperr.New(apperr.Invalid, "agent id is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return nil, err
	}

	raw := gjson.GetBytes(body, "agent")
	data := body
	if raw.Exists() {
		data = []byte(raw.Raw)
	}
	var info AgentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "decoding agent", err)
	}
	if info.ID == "" {
		info.ID = agentID
	}
	return &info, nil
}

// do performs one request and returns the response body on 2xx.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.Invalid, "marshaling request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, "creating request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, fmt.Sprintf("%s %s: transport error", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, fmt.Sprintf("%s %s: reading response", method, path), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.handleErrorResponse(method, path, resp, body)
	}
	return body, nil
}

// handleErrorResponse maps a non-2xx response onto an error kind.
func (c *Client) handleErrorResponse(method, path string, resp *http.Response, body []byte) error {
	e := &apperr.Error{
		Status: resp.StatusCode,
		Detail: errorDetail(body),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = apperr.AgentUnavailable
		e.Message = "authentication failed"
	case http.StatusNotFound:
		e.Kind = apperr.AgentNotFound
		e.Message = "not found"
	case http.StatusTooManyRequests:
		e.Kind = apperr.AgentUnavailable
		e.Message = "rate limited"
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			e.Detail = strings.TrimSpace(e.Detail + " retry-after=" + retry)
		}
	default:
		e.Kind = apperr.Upstream
		e.Message = "request failed"
	}
	e.Message = fmt.Sprintf("%s %s: %s", method, path, e.Message)

	c.logger.Debug("platform request failed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"kind", e.Kind)
	return e
}

// errorDetail extracts the platform's own error message from a response body.
func errorDetail(body []byte) string {
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		r := gjson.GetBytes(body, path)
		if r.Exists() && r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// parseVersion reads one message version. Content may be a string, an
// object with a text field, or an array of typed blocks.
func parseVersion(v gjson.Result) MessageVersion {
	mv := MessageVersion{
		ID:       v.Get("id").String(),
		ParentID: firstString(v, "parent_id", "parentId", "reply_to"),
		Type:     v.Get("type").String(),
		Status:   TurnStatus(v.Get("status").String()),
	}

	content := v.Get("content")
	switch {
	case content.Type == gjson.String:
		mv.Text = content.String()
	case content.IsArray():
		var parts []string
		for _, block := range content.Array() {
			if block.Type == gjson.String {
				parts = append(parts, block.String())
				continue
			}
			if t := block.Get("type").String(); t != "" && t != "text" {
				continue
			}
			if text := block.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			}
		}
		mv.Text = strings.Join(parts, "")
	case content.IsObject():
		mv.Text = content.Get("text").String()
	}
	if mv.Text == "" {
		mv.Text = v.Get("text").String()
	}

	if errField := v.Get("error"); errField.IsObject() {
		mv.Error = errField.Get("message").String()
	} else if errField.Exists() {
		mv.Error = errField.String()
	}
	if mv.Error == "" {
		mv.Error = firstString(v, "failure_reason", "status_detail")
	}
	return mv
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}
