// Package rest is the HTTP client for the bulk conversation endpoints that
// seed the reconciler: one conversation with its messages, and paginated
// message history.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// ErrUnauthorized is returned when the server rejects the credential. The
// stored token has been cleared by the time it is returned.
var ErrUnauthorized = errors.New("rest: unauthorized")

// ErrNoCredential is returned when no token is stored.
var ErrNoCredential = errors.New("rest: no credential available")

// HTTPError is a non-2xx response other than 401.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rest: HTTP %d: %s", e.Status, e.Body)
}

// TokenStore reads and clears the persisted credential.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	ClearToken() error
}

// Client calls the chat REST API.
type Client struct {
	baseURL    string
	tokens     TokenStore
	httpClient *http.Client
	authScheme string
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthScheme sets the Authorization scheme. Defaults to "Token".
func WithAuthScheme(scheme string) Option {
	return func(c *Client) { c.authScheme = scheme }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client for baseURL, e.g. https://chat.example.com.
func New(baseURL string, tokens TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		authScheme: "Token",
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conversation fetches one conversation with its messages.
func (c *Client) Conversation(ctx context.Context, id string) (*protocol.ConversationPayload, error) {
	data, err := c.get(ctx, "/api/conversations/"+url.PathEscape(id)+"/", nil)
	if err != nil {
		return nil, err
	}
	var conv protocol.ConversationPayload
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("rest: decode conversation %s: %w", id, err)
	}
	if conv.ID == "" {
		conv.ID = protocol.ID(id)
	}
	return &conv, nil
}

// MessagePage is one page of message history.
type MessagePage struct {
	Messages []protocol.MessagePayload
	// HasMore is set when older messages exist.
	HasMore bool
}

// Messages fetches messages older than before (a message id; empty for the
// newest page).
func (c *Client) Messages(ctx context.Context, conversationID, before string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.get(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/messages/", q)
	if err != nil {
		return nil, err
	}
	page, err := decodePage(data)
	if err != nil {
		return nil, fmt.Errorf("rest: decode messages of %s: %w", conversationID, err)
	}
	if limit > 0 && len(page.Messages) >= limit {
		page.HasMore = true
	}
	return page, nil
}

// decodePage accepts a bare array or a paginated {"results": [...], "next": ...} envelope.
func decodePage(data []byte) (*MessagePage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []protocol.MessagePayload
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, err
		}
		return &MessagePage{Messages: msgs}, nil
	}
	var env struct {
		Results []protocol.MessagePayload `json:"results"`
		Next    *string                   `json:"next"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return &MessagePage{Messages: env.Results, HasMore: env.Next != nil && *env.Next != ""}, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("rest: read token: %w", err)
	}
	if token == "" {
		return nil, ErrNoCredential
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authScheme+" "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("rest: read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if err := c.tokens.ClearToken(); err != nil {
			c.log.Error("failed to clear rejected token", zap.Error(err))
		}
		c.log.Warn("credential rejected, token cleared", zap.String("path", path))
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}
