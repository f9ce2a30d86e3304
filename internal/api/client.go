// Package api is the REST client for the chat backend: conversation
// history, the user directory and the REST send endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/pairchat/pkg/protocol"
)

// UserHeader carries the caller identity on every request.
const UserHeader = "X-User-ID"

// DefaultTimeout bounds each request when no http.Client is supplied.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// RetrievalError reports a failed request: a transport failure
// (StatusCode 0) or a non-2xx response.
type RetrievalError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Client talks to one backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l.With().Str("component", "api").Logger()
	}
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("server url %q has no host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Conversation loads the messages exchanged between local and remote, in
// the order the server returns them.
func (c *Client) Conversation(ctx context.Context, local, remote protocol.UserID) ([]protocol.Message, error) {
	var msgs []protocol.Message
	path := apiPath("conversation", remote.String())
	if err := c.do(ctx, "load conversation", http.MethodGet, path, local, nil, &msgs); err != nil {
		return nil, err
	}
	c.logger.Debug().Stringer("local", local).Stringer("remote", remote).Int("messages", len(msgs)).Msg("conversation loaded")
	return msgs, nil
}

// Users lists every user except current.
func (c *Client) Users(ctx context.Context, current protocol.UserID) ([]protocol.User, error) {
	var users []protocol.User
	if err := c.do(ctx, "list users", http.MethodGet, apiPath("users"), current, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// User fetches a single user.
func (c *Client) User(ctx context.Context, id protocol.UserID) (protocol.User, error) {
	var user protocol.User
	path := apiPath("users", id.String())
	if err := c.do(ctx, "get user", http.MethodGet, path, id, nil, &user); err != nil {
		return protocol.User{}, err
	}
	return user, nil
}

// Directory returns every user, current one included, the way the contact
// picker shows them.
func (c *Client) Directory(ctx context.Context, current protocol.UserID) ([]protocol.User, error) {
	others, err := c.Users(ctx, current)
	if err != nil {
		return nil, err
	}
	self, err := c.User(ctx, current)
	if err != nil {
		return nil, err
	}
	return append(others, self), nil
}

type createMessageRequest struct {
	ReceiverID protocol.UserID `json:"receiver_id"`
	Content    string          `json:"content"`
}

// CreateMessage posts a message through the REST endpoint. Delivery to the
// timeline still happens through the live channel.
func (c *Client) CreateMessage(ctx context.Context, local, remote protocol.UserID, content string) (protocol.Message, error) {
	var msg protocol.Message
	body := createMessageRequest{ReceiverID: remote, Content: content}
	if err := c.do(ctx, "create message", http.MethodPost, apiPath("messages", "create"), local, body, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// apiPath joins escaped segments under /api/ with a trailing slash.
func apiPath(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/api/" + strings.Join(escaped, "/") + "/"
}

// do sends the request. path must already be escaped.
func (c *Client) do(ctx context.Context, op, method, path string, as protocol.UserID, in, out any) error {
	u := *c.baseURL
	raw := strings.TrimSuffix(u.EscapedPath(), "/") + path
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return errors.Wrapf(err, "%s: build path", op)
	}
	u.Path, u.RawPath = unescaped, raw

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrapf(err, "%s: create request", op)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !as.IsZero() {
		req.Header.Set(UserHeader, as.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RetrievalError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RetrievalError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Err:        errors.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RetrievalError{Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}
