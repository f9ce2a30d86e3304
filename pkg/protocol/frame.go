package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// OutboundFrame is the payload a client writes to the live channel.
type OutboundFrame struct {
	Message    string `json:"message"`
	SenderID   UserID `json:"sender_id"`
	ReceiverID UserID `json:"receiver_id"`
}

// Encode encodes the frame as JSON text.
func (f *OutboundFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// Decode decodes a JSON outbound frame.
func (f *OutboundFrame) Decode(data []byte) error {
	if err := json.Unmarshal(data, f); err != nil {
		return errors.Wrap(err, "failed to decode frame")
	}
	return nil
}

// InboundFrame is a payload received from the live channel. A frame either
// carries a non-empty Error or a chat message.
type InboundFrame struct {
	Type       string `json:"type,omitempty"`
	Error      string `json:"error,omitempty"`
	ID         *int64 `json:"id,omitempty"`
	SenderID   UserID `json:"sender_id,omitempty"`
	ReceiverID UserID `json:"receiver_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// Encode encodes the frame as JSON text.
func (f *InboundFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// Decode decodes a JSON inbound frame. Only undecodable payloads fail;
// missing fields are left at their zero value.
func (f *InboundFrame) Decode(data []byte) error {
	if err := json.Unmarshal(data, f); err != nil {
		return errors.Wrap(err, "failed to decode frame")
	}
	return nil
}

// IsError reports whether the frame carries a protocol error.
func (f *InboundFrame) IsError() bool {
	return f.Error != ""
}

// ToMessage converts the frame into a timeline entry. receivedAt stamps
// error entries, which carry no server timestamp.
func (f *InboundFrame) ToMessage(receivedAt time.Time) Message {
	if f.IsError() {
		return NewErrorEntry(f.Error, receivedAt)
	}
	return Message{
		ID:        f.ID,
		Sender:    f.SenderID,
		Receiver:  f.ReceiverID,
		Content:   f.Message,
		Timestamp: f.Timestamp,
	}
}

// ErrEmptyFrame is returned for frames that carry neither an error nor a
// message.
var ErrEmptyFrame = errors.New("frame has neither error nor message")

// DecodeEvent decodes raw inbound bytes straight into a timeline entry.
// Payloads that are not JSON objects, or that carry nothing to show, are
// rejected.
func DecodeEvent(data []byte, receivedAt time.Time) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errors.New("failed to decode frame: not a JSON object")
	}
	var f InboundFrame
	if err := f.Decode(trimmed); err != nil {
		return Message{}, err
	}
	if !f.IsError() && f.Message == "" {
		return Message{}, ErrEmptyFrame
	}
	return f.ToMessage(receivedAt), nil
}
