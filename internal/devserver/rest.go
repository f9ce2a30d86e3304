package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/omochice/pairchat/pkg/protocol"
)

type callerKey struct{}

// identify resolves the X-User-ID header. A missing header leaves the
// request anonymous; an unknown id is rejected.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := protocol.ParseUserID(raw)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "No such user")
			return
		}
		user, ok := s.store.User(id)
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "No such user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, user)))
	})
}

func caller(r *http.Request) (protocol.User, bool) {
	u, ok := r.Context().Value(callerKey{}).(protocol.User)
	return u, ok
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	var exclude protocol.UserID
	if u, ok := caller(r); ok {
		exclude = u.ID
	}
	writeJSON(w, http.StatusOK, s.store.Users(exclude))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	u, ok := s.store.User(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	me, ok := caller(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}
	other, ok := parseIDParam(r, "id")
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Conversation(me.ID, other))
}

type createRequest struct {
	ReceiverID protocol.UserID `json:"receiver_id"`
	Content    string          `json:"content"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	me, ok := caller(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "JSON parse error.")
		return
	}
	if _, ok := s.store.User(req.ReceiverID); !ok {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"receiver_id": {"User with this ID does not exist."}})
		return
	}

	msg, err := s.store.Send(me.ID, req.ReceiverID, req.Content)
	var refused *RefusedError
	switch {
	case errors.Is(err, ErrEmptyContent):
		writeJSON(w, http.StatusBadRequest, map[string][]string{"content": {"This field may not be blank."}})
		return
	case errors.As(err, &refused):
		writeDetail(w, http.StatusForbidden, refused.Reason)
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("create message failed")
		writeDetail(w, http.StatusInternalServerError, "Internal error.")
		return
	}

	frame := Deliverable(msg)
	if data, err := frame.Encode(); err == nil {
		s.hub.BroadcastAll(data)
	}
	writeJSON(w, http.StatusCreated, msg)
}
