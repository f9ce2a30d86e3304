// Package transport provides the live chat channel: one websocket per
// topic, decoded into timeline entries.
package transport

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/pairchat/internal/metrics"
	"github.com/omochice/pairchat/pkg/protocol"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 10 * time.Second

// EventFunc receives decoded inbound entries, one at a time.
type EventFunc func(protocol.Message)

// Transport opens live channels against one server origin.
type Transport struct {
	origin  *url.URL
	timeout time.Duration
	header  http.Header
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialTimeout sets the handshake timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithHeader adds a header to every handshake request.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		t.header.Add(key, value)
	}
}

// WithClock overrides the clock used to stamp error entries.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithMetrics sets the counters updated by handles.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// New creates a Transport for serverURL. Both http(s) and ws(s) origins are
// accepted; http schemes are mapped to their websocket counterpart.
func New(serverURL string, opts ...Option) (*Transport, error) {
	origin, err := websocketOrigin(serverURL)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		origin:  origin,
		timeout: DefaultDialTimeout,
		header:  http.Header{},
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Endpoint returns the websocket URL of topic.
func (t *Transport) Endpoint(topic string) string {
	u := *t.origin
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat/" + topic + "/"
	u.RawPath = base + "/ws/chat/" + url.PathEscape(topic) + "/"
	return u.String()
}

func (t *Transport) dialer() ws.Dialer {
	d := ws.Dialer{Timeout: t.timeout}
	if len(t.header) > 0 {
		d.Header = ws.HandshakeHeaderHTTP(t.header.Clone())
	}
	return d
}

func websocketOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server url %q", raw)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("server url %q has no host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
