package devserver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/pkg/protocol"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newDemoStore(t *testing.T) (*Store, Demo, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := NewStore(c.Now)
	return s, s.SeedDemo(), c
}

func refusal(t *testing.T, err error) string {
	t.Helper()
	var refused *RefusedError
	require.ErrorAs(t, err, &refused)
	return refused.Reason
}

func TestSeedDemo(t *testing.T) {
	s, d, _ := newDemoStore(t)

	assert.Equal(t, Demo{Player1: "1", Player2: "2", Official1: "3", Official2: "4"}, d)
	assert.Len(t, s.Users(""), 4)
	assert.Len(t, s.Users(d.Player1), 3)
	u, ok := s.User(d.Official2)
	require.True(t, ok)
	assert.Equal(t, "Działacz 2", u.Username)
	assert.Equal(t, protocol.RoleOfficial, u.Profile.Role)

	assert.True(t, s.HasContact(d.Official1, d.Player1))
	assert.False(t, s.HasContact(d.Player2, d.Official1))

	conv := s.Conversation(d.Player2, d.Player1)
	require.Len(t, conv, 2)
	assert.Equal(t, "Hi, how’s it going?", conv[0].Content)
	assert.Equal(t, d.Player2, conv[1].Sender)
	assert.Less(t, *conv[0].ID, *conv[1].ID)
	assert.Empty(t, s.Conversation(d.Player2, d.Official2))
}

func TestSend_OfficialsCannotContactEachOther(t *testing.T) {
	s, d, _ := newDemoStore(t)
	_, err := s.Send(d.Official1, d.Official2, "hello")
	assert.Equal(t, ReasonOfficialsNoContact, refusal(t, err))
	assert.Empty(t, s.Conversation(d.Official1, d.Official2))
}

func TestSend_MissingProfile(t *testing.T) {
	s, d, _ := newDemoStore(t)
	ghost := s.AddUser("ghost", "")

	_, err := s.Send(ghost.ID, d.Player1, "boo")
	assert.Equal(t, ReasonInvalidParty, refusal(t, err))
	_, err = s.Send(d.Player1, ghost.ID, "boo")
	assert.Equal(t, ReasonInvalidParty, refusal(t, err))
	_, err = s.Send(d.Player1, "999", "boo")
	assert.Equal(t, ReasonInvalidParty, refusal(t, err))
}

func TestSend_FirstContactIsRecorded(t *testing.T) {
	s, d, _ := newDemoStore(t)
	require.False(t, s.HasContact(d.Player2, d.Official2))

	msg, err := s.Send(d.Official2, d.Player2, "welcome")
	require.NoError(t, err)
	assert.True(t, s.HasContact(d.Player2, d.Official2))
	assert.True(t, msg.HasID())
	_, ok := msg.Time()
	assert.True(t, ok)
}

func TestSend_PlayerToOfficialDailyLimit(t *testing.T) {
	s, d, c := newDemoStore(t)

	// SeedDemo already sent one message from player 1 to official 1.
	for i := 1; i < DailyLimitPerOfficial; i++ {
		_, err := s.Send(d.Player1, d.Official1, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}
	_, err := s.Send(d.Player1, d.Official1, "one more")
	assert.Equal(t, ReasonOfficialDailyLimit, refusal(t, err))

	_, err = s.Send(d.Player1, d.Official2, "other official")
	assert.NoError(t, err)
	_, err = s.Send(d.Official1, d.Player1, "officials are not limited")
	assert.NoError(t, err)

	c.now = c.now.Add(24 * time.Hour)
	_, err = s.Send(d.Player1, d.Official1, "next day")
	assert.NoError(t, err)
}

func TestSend_PlayerDailyLimit(t *testing.T) {
	s, d, _ := newDemoStore(t)

	// The seed counts two messages from player 1 today.
	for i := 2; i < DailyLimit; i++ {
		_, err := s.Send(d.Player1, d.Player2, "spam")
		require.NoError(t, err, i)
	}
	_, err := s.Send(d.Player1, d.Player2, "over")
	assert.Equal(t, ReasonPlayerDailyLimit, refusal(t, err))
}

func TestSend_EmptyContent(t *testing.T) {
	s, d, _ := newDemoStore(t)
	_, err := s.Send(d.Player1, d.Player2, "  ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestDeliverable(t *testing.T) {
	msg := protocol.Message{ID: protocol.Int64(4), Sender: "1", Receiver: "2", Content: "hi", Timestamp: "2026-03-01T09:00:00.123456Z"}
	f := Deliverable(msg)
	assert.Equal(t, "chat_message", f.Type)
	assert.Equal(t, "2026-03-01 09:00:00.123456+00:00", f.Timestamp)

	back := f.ToMessage(time.Time{})
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, "hi", back.Content)
	at, ok := back.Time()
	require.True(t, ok)
	assert.Equal(t, 123456*time.Microsecond, time.Duration(at.Nanosecond()))
}
