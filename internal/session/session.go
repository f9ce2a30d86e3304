// Package session binds one conversation to one live channel and one
// timeline, and manages their joint lifecycle across conversation switches.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/pairchat/internal/metrics"
	"github.com/omochice/pairchat/internal/timeline"
	"github.com/omochice/pairchat/internal/transport"
	"github.com/omochice/pairchat/pkg/protocol"
)

// DefaultTopic is the room every conversation shares unless WithTopic says
// otherwise.
const DefaultTopic = "test"

var (
	ErrInvalidKey     = errors.New("invalid conversation key")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoConversation = errors.New("no active conversation")
	ErrNotReady       = errors.New("channel is not open")
	ErrClosed         = errors.New("session closed")
)

// Key identifies a conversation by its two participants.
type Key struct {
	Local  protocol.UserID
	Remote protocol.UserID
}

// Valid reports whether both participants are set and distinct.
func (k Key) Valid() bool {
	return !k.Local.IsZero() && !k.Remote.IsZero() && k.Local != k.Remote
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s", k.Local, k.Remote)
}

// Matches reports whether msg belongs to this conversation. Error entries
// carry no participants and always match.
func (k Key) Matches(msg protocol.Message) bool {
	return msg.IsError || msg.Involves(k.Local, k.Remote)
}

// Channel is a live channel as seen by the controller.
type Channel interface {
	Ready() bool
	Send(frame protocol.OutboundFrame)
	Close()
}

// ChannelOpener opens a channel on topic. It returns at once; onEvent is
// called one event at a time until the channel is closed.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, topic string, onEvent func(protocol.Message)) Channel
}

type transportOpener struct {
	t *transport.Transport
}

// FromTransport adapts t to a ChannelOpener.
func FromTransport(t *transport.Transport) ChannelOpener {
	return transportOpener{t: t}
}

func (o transportOpener) OpenChannel(ctx context.Context, topic string, onEvent func(protocol.Message)) Channel {
	return o.t.Open(ctx, topic, onEvent)
}

// HistoryLoader fetches the stored messages of a conversation.
type HistoryLoader interface {
	Conversation(ctx context.Context, local, remote protocol.UserID) ([]protocol.Message, error)
}

// Observer is told about timeline changes in the order they happen.
// Callbacks run with an internal lock held and must not call back into the
// Controller.
type Observer interface {
	TimelineChanged(key Key, snapshot []protocol.Message)
	HistoryFailed(key Key, err error)
}

type nopObserver struct{}

func (nopObserver) TimelineChanged(Key, []protocol.Message) {}
func (nopObserver) HistoryFailed(Key, error)                {}

// TopicFunc picks the channel topic for a conversation.
type TopicFunc func(Key) string

// FixedTopic binds every conversation to the same topic.
func FixedTopic(topic string) TopicFunc {
	return func(Key) string { return topic }
}

// PairTopic gives each unordered pair of participants its own topic.
func PairTopic(k Key) string {
	lo, hi := k.Local, k.Remote
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("dm-%s-%s", lo, hi)
}

// Option configures a Controller.
type Option func(*Controller)

// WithTopic sets how channel topics are chosen.
func WithTopic(fn TopicFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.topic = fn
		}
	}
}

// WithPairFilter drops live chat messages that were not exchanged between
// the active pair.
func WithPairFilter(enabled bool) Option {
	return func(c *Controller) {
		c.filter = enabled
	}
}

// WithHistoryTimeout bounds each history request.
func WithHistoryTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.historyTimeout = d
	}
}

// WithObserver registers the timeline observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = l.With().Str("component", "session").Logger()
	}
}

// WithMetrics sets the engine counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// conversation is one activation. Results and events are applied only
// while this exact record is the active one.
type conversation struct {
	key      Key
	topic    string
	timeline *timeline.Timeline
	channel  Channel
	ctx      context.Context
	cancel   context.CancelFunc
}

// Controller owns the active conversation.
type Controller struct {
	opener         ChannelOpener
	loader         HistoryLoader
	topic          TopicFunc
	filter         bool
	historyTimeout time.Duration
	observer       Observer
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	// activateMu serializes Activate and Close.
	activateMu sync.Mutex

	mu     sync.Mutex
	active *conversation
	closed bool

	// notifyMu is taken before mu is released so observer calls keep
	// mutation order.
	notifyMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a Controller with no active conversation.
func New(opener ChannelOpener, loader HistoryLoader, opts ...Option) *Controller {
	c := &Controller{
		opener:   opener,
		loader:   loader,
		topic:    FixedTopic(DefaultTopic),
		observer: nopObserver{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activate makes key the active conversation. The previous channel is
// closed and its timeline discarded, history loading starts in the
// background and a new channel is opened. Activating the active key again
// is a no-op. Cancelling ctx ends the conversation's history request and
// channel.
func (c *Controller) Activate(ctx context.Context, key Key) error {
	if !key.Valid() {
		return errors.Wrapf(ErrInvalidKey, "activate %s", key)
	}

	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.active
	if prev != nil && prev.key == key {
		c.mu.Unlock()
		return nil
	}
	c.active = nil
	c.mu.Unlock()

	if prev != nil {
		c.teardown(prev)
	}

	cctx, cancel := context.WithCancel(ctx)
	conv := &conversation{
		key:      key,
		topic:    c.topic(key),
		timeline: timeline.New(),
		ctx:      cctx,
		cancel:   cancel,
	}

	c.mu.Lock()
	c.active = conv
	c.notifyLocked(conv, nil)

	c.metrics.Activation()
	c.logger.Info().Stringer("key", key).Str("topic", conv.topic).Msg("conversation activated")

	c.wg.Add(1)
	go c.loadHistory(conv)

	ch := c.opener.OpenChannel(cctx, conv.topic, func(msg protocol.Message) {
		c.deliver(conv, msg)
	})

	c.mu.Lock()
	if c.active == conv {
		conv.channel = ch
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	ch.Close()
	return nil
}

// Send transmits content to the remote participant of the active
// conversation. Nothing is added to the timeline; the message shows up when
// the channel echoes it back.
func (c *Controller) Send(content string) error {
	if strings.TrimSpace(content) == "" {
		c.metrics.Rejected("empty")
		return ErrEmptyMessage
	}

	c.mu.Lock()
	conv := c.active
	var ch Channel
	if conv != nil {
		ch = conv.channel
	}
	c.mu.Unlock()

	if conv == nil {
		c.metrics.Rejected("no_conversation")
		return ErrNoConversation
	}
	if ch == nil || !ch.Ready() {
		c.metrics.Rejected("not_ready")
		return errors.Wrapf(ErrNotReady, "send to %s", conv.key.Remote)
	}

	ch.Send(protocol.OutboundFrame{
		Message:    content,
		SenderID:   conv.key.Local,
		ReceiverID: conv.key.Remote,
	})
	c.metrics.MessageSent()
	return nil
}

// Snapshot returns the visible timeline of the active conversation.
func (c *Controller) Snapshot() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.timeline.Snapshot()
}

// Active returns the active key.
func (c *Controller) Active() (Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Key{}, false
	}
	return c.active.key, true
}

// Close ends the session: the active channel is closed and in-flight
// history requests are cancelled and waited for. Close is idempotent.
func (c *Controller) Close() {
	c.activateMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.activateMu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	prev := c.active
	c.active = nil
	c.mu.Unlock()

	if prev != nil {
		c.teardown(prev)
	}
	c.activateMu.Unlock()
	c.wg.Wait()
	c.logger.Debug().Msg("session closed")
}

func (c *Controller) teardown(conv *conversation) {
	conv.cancel()
	if conv.channel != nil {
		conv.channel.Close()
	}
	conv.timeline.Reset()
	c.logger.Debug().Stringer("key", conv.key).Msg("conversation closed")
}

func (c *Controller) loadHistory(conv *conversation) {
	defer c.wg.Done()

	ctx := conv.ctx
	if c.historyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.historyTimeout)
		defer cancel()
	}

	history, err := c.loader.Conversation(ctx, conv.key.Local, conv.key.Remote)
	if err != nil && conv.ctx.Err() != nil {
		c.logger.Debug().Stringer("key", conv.key).Msg("history request cancelled")
		return
	}

	c.mu.Lock()
	if c.active != conv {
		c.mu.Unlock()
		c.metrics.StaleEvent()
		c.logger.Debug().Stringer("key", conv.key).Msg("discarding stale history")
		return
	}
	if err != nil {
		c.metrics.HistoryFailure()
		c.logger.Warn().Err(err).Stringer("key", conv.key).Msg("history unavailable, starting empty")
		history = nil
	}
	if serr := conv.timeline.Seed(history); serr != nil {
		c.mu.Unlock()
		c.logger.Error().Err(serr).Stringer("key", conv.key).Msg("seed rejected")
		return
	}
	c.notifyLocked(conv, err)
}

func (c *Controller) deliver(conv *conversation, msg protocol.Message) {
	c.mu.Lock()
	if c.active != conv {
		c.mu.Unlock()
		c.metrics.StaleEvent()
		return
	}
	if c.filter && !conv.key.Matches(msg) {
		c.mu.Unlock()
		c.logger.Debug().Stringer("key", conv.key).Stringer("sender", msg.Sender).Stringer("receiver", msg.Receiver).Msg("dropping message for another pair")
		return
	}
	conv.timeline.Append(msg)
	if !conv.timeline.Seeded() {
		c.mu.Unlock()
		return
	}
	c.notifyLocked(conv, nil)
}

// notifyLocked must be called with mu held and releases it.
func (c *Controller) notifyLocked(conv *conversation, historyErr error) {
	snapshot := conv.timeline.Snapshot()
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	c.observer.TimelineChanged(conv.key, snapshot)
	if historyErr != nil {
		c.observer.HistoryFailed(conv.key, historyErr)
	}
}
