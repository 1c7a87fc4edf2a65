package client

import (
	"encoding/json"
	"time"

	"github.com/user/mjclient/internal/types"
)

// wireButton, wireComponentRow, wireAttachment, and wireMessage mirror
// the DISPATCH payload shape Discord sends for MESSAGE_CREATE/UPDATE/
// DELETE events, the same fields internal/transport decodes from REST
// responses, duplicated here since gateway dispatch payloads and REST
// message bodies are distinct wire contexts that happen to share a
// shape.
type wireButton struct {
	Type     int    `json:"type"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

type wireComponentRow struct {
	Components []wireButton `json:"components"`
}

type wireAttachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type wireMessageReference struct {
	MessageID string `json:"message_id"`
}

type wireDispatchMessage struct {
	ID               string                 `json:"id"`
	ChannelID        string                 `json:"channel_id"`
	Content          string                 `json:"content"`
	Timestamp        time.Time              `json:"timestamp"`
	Author           struct{ ID string `json:"id"` } `json:"author"`
	Attachments      []wireAttachment       `json:"attachments"`
	Components       []wireComponentRow     `json:"components"`
	Flags            int                    `json:"flags"`
	MessageReference *wireMessageReference  `json:"message_reference"`
}

type wireDeleteMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func (w wireDispatchMessage) toMessage() types.Message {
	msg := types.Message{
		ID:        types.MessageID(w.ID),
		ChannelID: types.ChannelID(w.ChannelID),
		AuthorID:  types.UserID(w.Author.ID),
		Content:   w.Content,
		Timestamp: w.Timestamp,
		Flags:     w.Flags,
	}
	for _, a := range w.Attachments {
		msg.Attachments = append(msg.Attachments, types.Attachment{ID: a.ID, URL: a.URL, ContentType: a.ContentType})
	}
	for _, row := range w.Components {
		for _, b := range row.Components {
			msg.Buttons = append(msg.Buttons, types.ComponentButton{Type: b.Type, Label: b.Label, CustomID: b.CustomID})
		}
	}
	if w.MessageReference != nil {
		msg.ReferencedMessage = types.MessageID(w.MessageReference.MessageID)
	}
	return msg
}

// decodeDispatch turns one raw DISPATCH payload into a MessageEvent,
// the explicit decoder spec §9's redesign note calls for in place of
// dynamic attribute access. Event types other than the three message
// events are reported as not-ok so callers can log and drop them.
func decodeDispatch(eventType string, data json.RawMessage) (types.MessageEvent, bool) {
	switch eventType {
	case "MESSAGE_CREATE":
		var w wireDispatchMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return types.MessageEvent{}, false
		}
		return types.MessageEvent{Kind: types.EventMessageCreate, Message: w.toMessage()}, true

	case "MESSAGE_UPDATE":
		var w wireDispatchMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return types.MessageEvent{}, false
		}
		return types.MessageEvent{Kind: types.EventMessageUpdate, Message: w.toMessage()}, true

	case "MESSAGE_DELETE":
		var w wireDeleteMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return types.MessageEvent{}, false
		}
		msg := types.Message{ID: types.MessageID(w.ID), ChannelID: types.ChannelID(w.ChannelID), Deleted: true, Timestamp: time.Now()}
		return types.MessageEvent{Kind: types.EventMessageDelete, Message: msg}, true

	default:
		return types.MessageEvent{}, false
	}
}
