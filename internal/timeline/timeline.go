// Package timeline holds the ordered, append-only message list of one
// conversation.
package timeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/omochice/pairchat/pkg/protocol"
)

// ErrAlreadySeeded is returned when Seed is called a second time before a
// Reset.
var ErrAlreadySeeded = errors.New("timeline already seeded")

// Timeline merges one history snapshot with live entries.
//
// Entries appended before Seed are held back and released right after the
// history, in arrival order, so the visible order is always history followed
// by live entries no matter which of the two arrives first.
type Timeline struct {
	mu      sync.Mutex
	entries []protocol.Message
	pending []protocol.Message
	seeded  bool
}

// New creates an empty, unseeded timeline.
func New() *Timeline {
	return &Timeline{}
}

// Seed installs the history and flushes entries buffered before it.
func (t *Timeline) Seed(history []protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seeded {
		return ErrAlreadySeeded
	}
	entries := make([]protocol.Message, 0, len(history)+len(t.pending))
	entries = append(entries, history...)
	entries = append(entries, t.pending...)

	t.entries = entries
	t.pending = nil
	t.seeded = true
	return nil
}

// Append adds one entry at the end of the timeline.
func (t *Timeline) Append(msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seeded {
		t.pending = append(t.pending, msg)
		return
	}
	t.entries = append(t.entries, msg)
}

// Snapshot returns a copy of the visible entries.
func (t *Timeline) Snapshot() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Reset drops every entry, buffered ones included, and returns the timeline
// to the unseeded state.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
	t.pending = nil
	t.seeded = false
}

// Seeded reports whether Seed has been applied since the last Reset.
func (t *Timeline) Seeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seeded
}

// Len returns the number of visible entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending returns the number of entries waiting for Seed.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
