package devserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/pairchat/pkg/protocol"
)

// serveWS upgrades the request and joins the connection to its room.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	room := roomName(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	client := newClient(room)
	s.hub.Register(client)
	logger := s.logger.With().Str("room", room).Stringer("conn", client.ID).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("client joined")

	go s.writeLoop(conn, client, logger)
	go s.readLoop(conn, client, logger)
}

func (s *Server) writeLoop(conn *websocket.Conn, client *Client, logger zerolog.Logger) {
	defer s.wg.Done()
	for data := range client.Outgoing {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Warn().Err(err).Msg("failed to send frame")
			_ = conn.Close()
			for range client.Outgoing {
			}
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func (s *Server) readLoop(conn *websocket.Conn, client *Client, logger zerolog.Logger) {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(client)
		close(client.Outgoing)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Info().Msg("client left")
	}()

	var limiter *rate.Limiter
	if s.rps != rate.Inf {
		limiter = rate.NewLimiter(s.rps, s.burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			s.reply(client, rateLimited, logger)
			continue
		}

		var frame protocol.OutboundFrame
		if err := frame.Decode(data); err != nil || frame.SenderID.IsZero() || frame.ReceiverID.IsZero() {
			s.reply(client, invalidPayload, logger)
			continue
		}

		msg, err := s.store.Send(frame.SenderID, frame.ReceiverID, frame.Message)
		var refused *RefusedError
		switch {
		case errors.Is(err, ErrEmptyContent):
			s.reply(client, invalidPayload, logger)
			continue
		case errors.As(err, &refused):
			logger.Debug().Stringer("sender", frame.SenderID).Stringer("receiver", frame.ReceiverID).Str("reason", refused.Reason).Msg("message refused")
			s.reply(client, refused.Reason, logger)
			continue
		case err != nil:
			logger.Error().Err(err).Msg("store message failed")
			continue
		}

		out := Deliverable(msg)
		encoded, err := out.Encode()
		if err != nil {
			logger.Error().Err(err).Msg("encode broadcast failed")
			continue
		}
		logger.Debug().Int64("id", *msg.ID).Stringer("sender", msg.Sender).Stringer("receiver", msg.Receiver).Msg("message stored")
		s.hub.Broadcast(client.Room, encoded)
	}
}

// reply sends an error frame to one client only.
func (s *Server) reply(client *Client, reason string, logger zerolog.Logger) {
	f := protocol.InboundFrame{Error: reason}
	data, err := f.Encode()
	if err != nil {
		return
	}
	select {
	case client.Outgoing <- data:
	default:
		logger.Warn().Str("reason", reason).Msg("client queue full, dropping error frame")
	}
}
