// Package protocol defines the chat data model and the JSON wire contract
// shared by the REST API and the live channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// UserID identifies a chat participant. Ids are opaque strings; numeric
// ids are held in canonical decimal form and go back on the wire as JSON
// numbers. The empty id means "no participant".
type UserID string

// NumericID returns the id of a numbered user.
func NumericID(n int64) UserID {
	return UserID(strconv.FormatInt(n, 10))
}

// String returns the id as received.
func (id UserID) String() string {
	return string(id)
}

// IsZero reports whether id names no participant.
func (id UserID) IsZero() bool {
	return id == ""
}

// Int64 returns the numeric value of a canonical decimal id.
func (id UserID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != string(id) {
		return 0, false
	}
	return n, true
}

// Less orders ids numerically when both are numeric and lexically
// otherwise.
func (id UserID) Less(other UserID) bool {
	a, aok := id.Int64()
	b, bok := other.Int64()
	switch {
	case aok && bok:
		return a < b
	case aok != bok:
		return aok
	default:
		return id < other
	}
}

// ParseUserID parses a user id typed by a person or sent in a header.
func ParseUserID(s string) (UserID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty user id")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NumericID(n), nil
	}
	return UserID(s), nil
}

// MarshalJSON writes numeric ids as numbers and the rest as strings.
func (id UserID) MarshalJSON() ([]byte, error) {
	if n, ok := id.Int64(); ok {
		return strconv.AppendInt(nil, n, 10), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON number, a string or null.
func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "decode user id")
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "decode user id")
	}
	if v, err := n.Int64(); err == nil {
		*id = NumericID(v)
		return nil
	}
	*id = UserID(n.String())
	return nil
}

// Message is one timeline entry: either a chat message or a synthetic error
// entry (IsError set, no ID, Sender or Receiver).
type Message struct {
	ID        *int64 `json:"id,omitempty"`
	Sender    UserID `json:"sender,omitempty"`
	Receiver  UserID `json:"receiver,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// NewErrorEntry builds the synthetic entry for a protocol error received at
// the given time.
func NewErrorEntry(reason string, receivedAt time.Time) Message {
	return Message{
		Content:   reason,
		Timestamp: FormatTimestamp(receivedAt),
		IsError:   true,
	}
}

// HasID reports whether the message was persisted by the server.
func (m Message) HasID() bool {
	return m.ID != nil
}

// Time parses Timestamp. The boolean is false when the timestamp is absent
// or not in a recognised layout; callers then display "now" without writing
// it back.
func (m Message) Time() (time.Time, bool) {
	return ParseTimestamp(m.Timestamp)
}

// Involves reports whether the message was exchanged between a and b in
// either direction.
func (m Message) Involves(a, b UserID) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// timestampLayouts covers RFC 3339 as sent by the REST API and the
// space-separated form produced by the live channel.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a wire timestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Int64 returns a pointer to v, for building messages with an ID.
func Int64(v int64) *int64 {
	return &v
}
