// Package devserver is an in-memory chat backend for local runs and
// end-to-end tests: the REST directory and history API plus websocket
// rooms that enforce the contact rules.
package devserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/omochice/pairchat/pkg/protocol"
)

const (
	// DailyLimitPerOfficial caps messages from one player to one official.
	DailyLimitPerOfficial = 5
	// DailyLimit caps all messages sent by one player.
	DailyLimit = 100
)

// Refusal reasons, sent verbatim to the client.
const (
	ReasonInvalidParty       = "Invalid sender or receiver."
	ReasonOfficialsNoContact = "Officials cannot contact each other."
	ReasonOfficialDailyLimit = "You have reached your daily limit of 5 messages to this official."
	ReasonPlayerDailyLimit   = "You have reached your daily limit of 100 messages."
)

var ErrEmptyContent = errors.New("content is empty")

// RefusedError is returned when the contact rules forbid a message.
type RefusedError struct {
	Reason string
}

func (e *RefusedError) Error() string {
	return e.Reason
}

type storedMessage struct {
	id       int64
	sender   protocol.UserID
	receiver protocol.UserID
	content  string
	at       time.Time
}

type contact struct {
	a, b protocol.UserID
}

func contactKey(x, y protocol.UserID) contact {
	if y.Less(x) {
		x, y = y, x
	}
	return contact{a: x, b: y}
}

// Store holds users, contacts and messages.
type Store struct {
	now func() time.Time

	mu       sync.Mutex
	nextUser int64
	nextMsg  int64
	users    map[protocol.UserID]protocol.User
	contacts map[contact]bool
	messages []storedMessage
}

// NewStore returns an empty store. A nil clock means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:      now,
		nextUser: 1,
		nextMsg:  1,
		users:    make(map[protocol.UserID]protocol.User),
		contacts: make(map[contact]bool),
	}
}

// AddUser creates a user. An empty role leaves the user without a profile.
func (s *Store) AddUser(username string, role protocol.Role) protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := protocol.User{ID: protocol.NumericID(s.nextUser), Username: username}
	if role != "" {
		u.Profile = &protocol.Profile{Role: role}
	}
	s.users[u.ID] = u
	s.nextUser++
	return u
}

// AddContact records that a and b have exchanged contacts.
func (s *Store) AddContact(a, b protocol.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contactKey(a, b)] = true
}

// HasContact reports whether a and b have exchanged contacts.
func (s *Store) HasContact(a, b protocol.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[contactKey(a, b)]
}

// Demo holds the ids created by SeedDemo.
type Demo struct {
	Player1, Player2, Official1, Official2 protocol.UserID
}

// SeedDemo fills the store with two players, two officials, one contact
// and a short exchange.
func (s *Store) SeedDemo() Demo {
	d := Demo{
		Player1:   s.AddUser("Zawodnik 1", protocol.RolePlayer).ID,
		Player2:   s.AddUser("Zawodnik 2", protocol.RolePlayer).ID,
		Official1: s.AddUser("Działacz 1", protocol.RoleOfficial).ID,
		Official2: s.AddUser("Działacz 2", protocol.RoleOfficial).ID,
	}
	s.AddContact(d.Player1, d.Official1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(d.Player1, d.Player2, "Hi, how’s it going?")
	s.appendLocked(d.Player2, d.Player1, "I’m good, thanks! How about you?")
	s.appendLocked(d.Player1, d.Official1, "Good morning, I have a question about the training.")
	return d
}

// User returns the user with id.
func (s *Store) User(id protocol.UserID) (protocol.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// Users lists every user except exclude, ordered by id.
func (s *Store) Users(exclude protocol.UserID) []protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.User, 0, len(s.users))
	for id, u := range s.users {
		if id != exclude {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Conversation returns the messages between a and b in both directions,
// oldest first.
func (s *Store) Conversation(a, b protocol.UserID) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []protocol.Message{}
	for _, m := range s.messages {
		if (m.sender == a && m.receiver == b) || (m.sender == b && m.receiver == a) {
			out = append(out, m.history())
		}
	}
	return out
}

// Send checks the contact rules and stores the message. A refusal is
// returned as *RefusedError.
func (s *Store) Send(sender, receiver protocol.UserID, content string) (protocol.Message, error) {
	if strings.TrimSpace(content) == "" {
		return protocol.Message{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason := s.checkLocked(sender, receiver); reason != "" {
		return protocol.Message{}, &RefusedError{Reason: reason}
	}
	m := s.appendLocked(sender, receiver, content)
	return m.history(), nil
}

// Deliverable converts a stored message into the frame broadcast to rooms.
func Deliverable(msg protocol.Message) protocol.InboundFrame {
	f := protocol.InboundFrame{
		Type:       "chat_message",
		ID:         msg.ID,
		SenderID:   msg.Sender,
		ReceiverID: msg.Receiver,
		Message:    msg.Content,
		Timestamp:  msg.Timestamp,
	}
	if at, ok := msg.Time(); ok {
		f.Timestamp = at.UTC().Format(liveLayout)
	}
	return f
}

func (s *Store) checkLocked(sender, receiver protocol.UserID) string {
	from, ok := s.users[sender]
	if !ok || from.Profile == nil {
		return ReasonInvalidParty
	}
	to, ok := s.users[receiver]
	if !ok || to.Profile == nil {
		return ReasonInvalidParty
	}

	if from.Profile.Role == protocol.RoleOfficial && to.Profile.Role == protocol.RoleOfficial {
		return ReasonOfficialsNoContact
	}

	day := s.now().UTC().Truncate(24 * time.Hour)
	if from.Profile.Role != to.Profile.Role {
		s.contacts[contactKey(sender, receiver)] = true
		if from.Profile.Role == protocol.RolePlayer && s.countLocked(sender, receiver, day) >= DailyLimitPerOfficial {
			return ReasonOfficialDailyLimit
		}
	}

	if from.Profile.Role == protocol.RolePlayer && s.countLocked(sender, "", day) >= DailyLimit {
		return ReasonPlayerDailyLimit
	}
	return ""
}

// countLocked counts messages sent by sender on day, to receiver only when
// receiver is set.
func (s *Store) countLocked(sender, receiver protocol.UserID, day time.Time) int {
	n := 0
	for _, m := range s.messages {
		if m.sender != sender || (!receiver.IsZero() && m.receiver != receiver) {
			continue
		}
		if m.at.UTC().Truncate(24 * time.Hour).Equal(day) {
			n++
		}
	}
	return n
}

func (s *Store) appendLocked(sender, receiver protocol.UserID, content string) storedMessage {
	m := storedMessage{
		id:       s.nextMsg,
		sender:   sender,
		receiver: receiver,
		content:  content,
		at:       s.now(),
	}
	s.nextMsg++
	s.messages = append(s.messages, m)
	return m
}

const (
	historyLayout = "2006-01-02T15:04:05.000000Z07:00"
	liveLayout    = "2006-01-02 15:04:05.000000-07:00"
)

func (m storedMessage) history() protocol.Message {
	return protocol.Message{
		ID:        protocol.Int64(m.id),
		Sender:    m.sender,
		Receiver:  m.receiver,
		Content:   m.content,
		Timestamp: m.at.UTC().Format(historyLayout),
	}
}
