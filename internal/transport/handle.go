package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/pairchat/pkg/protocol"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle is one live channel. Closed is terminal: reconnecting means
// opening a new Handle.
type Handle struct {
	transport *Transport
	topic     string
	endpoint  string
	onEvent   EventFunc
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	conn  net.Conn
	err   error

	// writeMu serializes frames written by Send, Close and control replies.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Open starts connecting to topic and returns at once. onEvent is called
// from the handle's reader goroutine for every decoded frame until the
// handle closes. Cancelling ctx closes the handle.
func (t *Transport) Open(ctx context.Context, topic string, onEvent EventFunc) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		transport: t,
		topic:     topic,
		endpoint:  t.Endpoint(topic),
		onEvent:   onEvent,
		logger:    t.logger.With().Str("component", "transport").Str("topic", topic).Logger(),
		ctx:       hctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	h.setState(StateConnecting)
	go h.run()
	return h
}

// Topic returns the topic the handle is bound to.
func (h *Handle) Topic() string {
	return h.topic
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Ready reports whether Send will transmit.
func (h *Handle) Ready() bool {
	return h.State() == StateOpen
}

// Err returns the failure that closed the handle, if it was not closed by
// Close or by its context.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the reader goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Send writes frame as a JSON text message. It is a no-op unless the handle
// is open; failed writes are logged and not retried.
func (h *Handle) Send(frame protocol.OutboundFrame) {
	h.mu.Lock()
	conn, state := h.conn, h.state
	h.mu.Unlock()

	if state != StateOpen || conn == nil {
		h.logger.Debug().Str("state", state.String()).Msg("send dropped, channel not open")
		return
	}

	data, err := frame.Encode()
	if err != nil {
		h.logger.Error().Err(err).Msg("send dropped")
		return
	}

	h.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(h.transport.timeout))
	err = wsutil.WriteClientText(conn, data)
	_ = conn.SetWriteDeadline(time.Time{})
	h.writeMu.Unlock()

	if err != nil {
		h.logger.Warn().Err(err).Msg("send failed")
	}
}

// Close releases the channel. It is safe to call in any state and more than
// once, and returns after the reader goroutine has exited, so no onEvent
// call happens afterwards. It must not be called from onEvent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		prev := h.state
		h.state = StateClosed
		conn := h.conn
		h.mu.Unlock()

		if conn != nil && prev == StateOpen {
			h.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			h.writeMu.Unlock()
		}
		h.cancel()
		h.logger.Debug().Str("from", prev.String()).Msg("channel closed")
	})
	<-h.done
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateClosed {
		h.state = s
	}
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.cancel()

	dialer := h.transport.dialer()
	dctx, cancelDial := context.WithTimeout(h.ctx, h.transport.timeout)
	conn, br, _, err := dialer.Dial(dctx, h.endpoint)
	cancelDial()
	if err != nil {
		if h.ctx.Err() != nil {
			h.setState(StateClosed)
			return
		}
		h.fail(errors.Wrapf(err, "failed to connect to %s", h.endpoint))
		return
	}
	stop := context.AfterFunc(h.ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.conn = conn
	h.state = StateOpen
	h.mu.Unlock()
	h.logger.Info().Str("endpoint", h.endpoint).Msg("channel open")

	src := &handshakeReader{br: br, conn: conn}
	defer src.release()
	h.readLoop(src, conn)
}

// handshakeReader serves bytes the dialer buffered past the handshake
// response, then reads from conn directly. The buffer goes back to the
// ws pool as soon as it is drained.
type handshakeReader struct {
	br   *bufio.Reader
	conn io.Reader
}

func (r *handshakeReader) Read(p []byte) (int, error) {
	if r.br == nil {
		return r.conn.Read(p)
	}
	if r.br.Buffered() == 0 {
		r.release()
		return r.conn.Read(p)
	}
	n, err := r.br.Read(p)
	if r.br.Buffered() == 0 {
		r.release()
	}
	return n, err
}

func (r *handshakeReader) release() {
	if r.br != nil {
		ws.PutReader(r.br)
		r.br = nil
	}
}

func (h *Handle) readLoop(src io.Reader, conn net.Conn) {
	rw := struct {
		io.Reader
		io.Writer
	}{src, lockedWriter{mu: &h.writeMu, w: conn}}

	for {
		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			if h.State() == StateClosed {
				return
			}
			if h.ctx.Err() != nil {
				h.setState(StateClosed)
				return
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				h.fail(errors.Errorf("channel closed by server: %d %s", closed.Code, closed.Reason))
			} else {
				h.fail(errors.Wrap(err, "failed to read from channel"))
			}
			return
		}

		m := h.transport.metrics
		m.FrameReceived()
		msg, err := protocol.DecodeEvent(data, h.transport.now())
		if err != nil {
			m.FrameMalformed()
			h.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		if msg.IsError {
			m.ProtocolError()
		}

		if h.State() == StateClosed {
			return
		}
		if h.onEvent != nil {
			h.onEvent(msg)
		}
	}
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosed
	h.err = err
	h.mu.Unlock()

	h.transport.metrics.TransportFailure()
	h.logger.Warn().Err(err).Msg("channel failed")
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
