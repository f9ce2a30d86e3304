package devserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/pairchat/pkg/protocol"
)

const (
	writeWait      = 5 * time.Second
	maxFrameSize   = 64 << 10
	invalidPayload = "invalid payload"
	rateLimited    = "rate limited"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server serves the REST API and the websocket rooms.
type Server struct {
	store  *Store
	hub    *Hub
	logger zerolog.Logger
	rps    rate.Limit
	burst  int
	router chi.Router

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	http     *http.Server
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l.With().Str("component", "devserver").Logger()
	}
}

// WithRateLimit limits frames each connection may send. A non-positive rps
// disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.rps = rate.Inf
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.rps = rate.Limit(rps)
		s.burst = burst
	}
}

// New creates a Server over store.
func New(store *Store, opts ...Option) *Server {
	s := &Server{
		store:  store,
		logger: zerolog.Nop(),
		rps:    rate.Inf,
		conns:  make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the room hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on address and serves in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	s.mu.Lock()
	s.listener = listener
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	srv := s.http
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("dev server started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("serve failed")
		}
	}()
	return nil
}

// Stop closes the listener and every websocket connection, then waits for
// connection goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	srv := s.http
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.logRequests)
		r.Use(s.identify)
		r.Get("/users/", s.listUsers)
		r.Get("/users/{id}/", s.getUser)
		r.Get("/conversation/{id}/", s.conversation)
		r.Post("/messages/create/", s.createMessage)
	})
	r.Get("/ws/chat/{room}/", s.serveWS)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func parseIDParam(r *http.Request, name string) (protocol.UserID, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return "", false
	}
	id, err := protocol.ParseUserID(raw)
	if err != nil {
		return "", false
	}
	return id, true
}

// roomName returns the decoded room segment of the websocket path.
func roomName(r *http.Request) string {
	room := chi.URLParam(r, "room")
	if decoded, err := url.PathUnescape(room); err == nil {
		return decoded
	}
	return room
}
