// Package agent provides the HTTP client for the upstream assistant service:
// REST calls for approvals, autocomplete and reactions, plus the SSE turn
// stream.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain/approval"
	"github.com/parleyhq/parley/internal/domain/conversation"
	"github.com/parleyhq/parley/internal/domain/trigger"
	"github.com/parleyhq/parley/internal/port/agent"
	"github.com/parleyhq/parley/internal/resilience"
)

// TokenSource supplies the current bearer token on every call, so a vault
// reload takes effect without rebuilding the client.
type TokenSource func() string

// Client talks to the assistant service.
type Client struct {
	baseURL string
	token   TokenSource
	rest    *http.Client // bounded by cfg.Timeout
	stream  *http.Client // unbounded; turn length is capped by the caller's context
	breaker *resilience.Breaker
}

var _ agent.Backend = (*Client)(nil)

// NewClient creates an assistant service client. token may be nil when the
// upstream requires no authentication.
func NewClient(cfg config.Agent, token TokenSource) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   token,
		rest:    &http.Client{Timeout: cfg.Timeout},
		stream:  &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to the REST calls. The turn stream
// is not routed through it: an open breaker must not sever streams already
// in flight.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// approvalPayload is the upstream approval resource.
type approvalPayload struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Draft   approval.Draft `json:"draft"`
}

// FetchApproval retrieves a pending approval by id.
func (c *Client) FetchApproval(ctx context.Context, requestID string) (*approval.Request, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/approvals/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch approval %s: %w", requestID, err)
	}

	var payload approvalPayload
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal approval %s: %w", requestID, err)
	}
	if payload.ID == "" {
		payload.ID = requestID
	}
	return approval.New(payload.ID, payload.Type, payload.Message, payload.Draft), nil
}

// Approve resolves an approval positively, optionally with edited fields.
func (c *Client) Approve(ctx context.Context, requestID string, modifications map[string]string) (agent.Resolution, error) {
	body, err := json.Marshal(struct {
		Approved      bool              `json:"approved"`
		Modifications map[string]string `json:"modifications,omitempty"`
	}{Approved: true, Modifications: modifications})
	if err != nil {
		return agent.Resolution{}, fmt.Errorf("marshal approve: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/approvals/"+url.PathEscape(requestID)+"/approve", body)
	if err != nil {
		return agent.Resolution{}, fmt.Errorf("approve %s: %w", requestID, err)
	}
	return decodeResolution(resp)
}

// Decline resolves an approval negatively.
func (c *Client) Decline(ctx context.Context, requestID string, reason string) (agent.Resolution, error) {
	body, err := json.Marshal(struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason})
	if err != nil {
		return agent.Resolution{}, fmt.Errorf("marshal decline: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/approvals/"+url.PathEscape(requestID)+"/decline", body)
	if err != nil {
		return agent.Resolution{}, fmt.Errorf("decline %s: %w", requestID, err)
	}
	return decodeResolution(resp)
}

func decodeResolution(data []byte) (agent.Resolution, error) {
	var res agent.Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return agent.Resolution{}, fmt.Errorf("unmarshal resolution: %w", err)
	}
	return res, nil
}

// Autocomplete queries the command or mention suggestion endpoint.
func (c *Client) Autocomplete(ctx context.Context, kind trigger.Kind, token string) ([]trigger.Suggestion, error) {
	var path string
	switch kind {
	case trigger.KindCommand:
		path = "/commands/autocomplete"
	case trigger.KindMention:
		path = "/mentions/autocomplete"
	default:
		return nil, fmt.Errorf("autocomplete: unknown trigger kind %q", kind)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path+"?query="+url.QueryEscape(token), nil)
	if err != nil {
		return nil, fmt.Errorf("autocomplete %s: %w", token, err)
	}

	var result struct {
		Suggestions []trigger.Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return result.Suggestions, nil
}

// React forwards a reaction toggle and returns the authoritative counts.
func (c *Client) React(ctx context.Context, messageID string, op agent.ReactionOp) (map[string]conversation.Reaction, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal reaction: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reactions", body)
	if err != nil {
		return nil, fmt.Errorf("react %s: %w", messageID, err)
	}

	var result struct {
		Reactions map[string]conversation.Reaction `json:"reactions"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal reactions: %w", err)
	}
	return result.Reactions, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)

		resp, err := c.rest.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("assistant service error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token == nil {
		return
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
