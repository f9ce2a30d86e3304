package devserver

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// outgoingBuffer is the per-client queue depth; a full queue drops frames
// for that client only.
const outgoingBuffer = 32

// Client is one websocket connection joined to a room.
type Client struct {
	ID       uuid.UUID
	Room     string
	Outgoing chan []byte
}

func newClient(room string) *Client {
	return &Client{
		ID:       uuid.New(),
		Room:     room,
		Outgoing: make(chan []byte, outgoingBuffer),
	}
}

// Hub tracks the clients of every room and fans frames out to them.
type Hub struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*Client]bool),
	}
}

// Register adds a client to its room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.Room]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[c.Room] = room
	}
	room[c] = true
}

// Unregister removes a client; empty rooms are dropped.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.Room]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.Room)
	}
}

// Broadcast queues data for every client in room, the sender included.
func (h *Hub) Broadcast(room string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.Outgoing <- data:
		default:
			h.logger.Warn().Str("room", room).Stringer("conn", c.ID).Msg("client queue full, dropping frame")
		}
	}
}

// ClientCount returns the number of clients in room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// BroadcastAll queues data for every client of every room.
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.RLock()
	rooms := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()
	for _, room := range rooms {
		h.Broadcast(room, data)
	}
}
