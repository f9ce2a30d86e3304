// Package transcript saves and loads timeline snapshots as a stream of
// length-delimited protobuf Struct records: one header followed by one
// record per entry. Ids are stored as strings since Struct numbers are
// doubles.
package transcript

import (
	"bufio"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/pairchat/pkg/protocol"
)

const (
	kindHeader  = "header"
	kindMessage = "message"
)

// Header describes whose conversation a transcript holds.
type Header struct {
	Local      protocol.UserID
	Remote     protocol.UserID
	ExportedAt time.Time
}

// Write encodes h and messages to w.
func Write(w io.Writer, h Header, messages []protocol.Message) error {
	rec, err := structpb.NewStruct(map[string]any{
		"kind":        kindHeader,
		"local":       h.Local.String(),
		"remote":      h.Remote.String(),
		"exported_at": h.ExportedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return errors.Wrap(err, "encode header")
	}
	if _, err := protodelim.MarshalTo(w, rec); err != nil {
		return errors.Wrap(err, "write header")
	}

	for i, msg := range messages {
		rec, err := structpb.NewStruct(messageFields(msg))
		if err != nil {
			return errors.Wrapf(err, "encode entry %d", i)
		}
		if _, err := protodelim.MarshalTo(w, rec); err != nil {
			return errors.Wrapf(err, "write entry %d", i)
		}
	}
	return nil
}

// Read decodes a transcript written by Write.
func Read(r io.Reader) (Header, []protocol.Message, error) {
	br := bufio.NewReader(r)

	var rec structpb.Struct
	if err := protodelim.UnmarshalFrom(br, &rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, nil, errors.New("empty transcript")
		}
		return Header{}, nil, errors.Wrap(err, "read header")
	}
	fields := rec.GetFields()
	if fields["kind"].GetStringValue() != kindHeader {
		return Header{}, nil, errors.New("transcript does not start with a header")
	}
	h := Header{
		Local:  protocol.UserID(fields["local"].GetStringValue()),
		Remote: protocol.UserID(fields["remote"].GetStringValue()),
	}
	if raw := fields["exported_at"].GetStringValue(); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Header{}, nil, errors.Wrap(err, "parse exported_at")
		}
		h.ExportedAt = at
	}

	var messages []protocol.Message
	for {
		var rec structpb.Struct
		err := protodelim.UnmarshalFrom(br, &rec)
		if errors.Is(err, io.EOF) {
			return h, messages, nil
		}
		if err != nil {
			return h, messages, errors.Wrapf(err, "read entry %d", len(messages))
		}
		if kind := rec.GetFields()["kind"].GetStringValue(); kind != kindMessage {
			return h, messages, errors.Errorf("entry %d: unexpected record kind %q", len(messages), kind)
		}
		msg, err := messageFrom(rec.GetFields())
		if err != nil {
			return h, messages, errors.Wrapf(err, "entry %d", len(messages))
		}
		messages = append(messages, msg)
	}
}

func messageFields(msg protocol.Message) map[string]any {
	out := map[string]any{
		"kind":      kindMessage,
		"content":   msg.Content,
		"timestamp": msg.Timestamp,
	}
	if msg.ID != nil {
		out["id"] = strconv.FormatInt(*msg.ID, 10)
	}
	if msg.IsError {
		out["is_error"] = true
	} else {
		out["sender"] = msg.Sender.String()
		out["receiver"] = msg.Receiver.String()
	}
	return out
}

func messageFrom(fields map[string]*structpb.Value) (protocol.Message, error) {
	msg := protocol.Message{
		Content:   fields["content"].GetStringValue(),
		Timestamp: fields["timestamp"].GetStringValue(),
		IsError:   fields["is_error"].GetBoolValue(),
		Sender:    protocol.UserID(fields["sender"].GetStringValue()),
		Receiver:  protocol.UserID(fields["receiver"].GetStringValue()),
	}
	if v, ok := fields["id"]; ok {
		id, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if err != nil {
			return protocol.Message{}, errors.Wrap(err, "parse id")
		}
		msg.ID = protocol.Int64(id)
	}
	return msg, nil
}
