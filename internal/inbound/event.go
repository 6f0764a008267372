package inbound

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/bulletin-relay/internal/domain"
)

const (
	kindMessage       = "message"
	kindEditedMessage = "edited_message"
)

// channelEvent is the raw JSON structure delivered by the channel.
type channelEvent struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	Message *channelMessage `json:"message,omitempty"`
}

// channelMessage is the message a create or edit event refers to.
type channelMessage struct {
	MessageID uint32  `json:"message_id"`
	From      *sender `json:"from,omitempty"`
	Date      int64   `json:"date"`
	Text      *string `json:"text,omitempty"`
}

// sender identifies the author of a message.
type sender struct {
	ID       uint64 `json:"id"`
	Username string `json:"username,omitempty"`
}

// ParseEvent decodes one channel event. It returns false for event kinds the
// relay does not consume.
func ParseEvent(data []byte) (domain.Event, bool, error) {
	var raw channelEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Event{}, false, fmt.Errorf("unmarshal event: %w", err)
	}

	var isEdit bool
	switch raw.Kind {
	case kindMessage:
	case kindEditedMessage:
		isEdit = true
	default:
		return domain.Event{Seq: raw.Seq}, false, nil
	}

	if raw.Message == nil {
		return domain.Event{}, false, fmt.Errorf("%s event %d without message", raw.Kind, raw.Seq)
	}

	ev := domain.Event{
		Seq:       raw.Seq,
		MessageID: raw.Message.MessageID,
		Timestamp: raw.Message.Date,
		IsEdit:    isEdit,
		Text:      raw.Message.Text,
	}
	// messages without a sender (channel posts) carry author 0
	if raw.Message.From != nil {
		ev.AuthorID = raw.Message.From.ID
	}
	return ev, true, nil
}

// EncodeEvent renders ev in the channel's wire format.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	kind := kindMessage
	if ev.IsEdit {
		kind = kindEditedMessage
	}
	raw := channelEvent{
		Seq:  ev.Seq,
		Kind: kind,
		Message: &channelMessage{
			MessageID: ev.MessageID,
			Date:      ev.Timestamp,
			Text:      ev.Text,
		},
	}
	if ev.AuthorID != 0 {
		raw.Message.From = &sender{ID: ev.AuthorID}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
