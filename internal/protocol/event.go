package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingAction is returned by Parse when a frame has no "action" field.
var ErrMissingAction = errors.New(`protocol: missing or empty "action" field`)

// Event is one parsed inbound frame. Only the action is decoded eagerly; the
// payload stays raw until a listener asks for a concrete shape via Decode.
type Event struct {
	Action     string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// Parse extracts the action discriminator from a raw text frame.
func Parse(data []byte) (Event, error) {
	var partial struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return Event{}, fmt.Errorf("protocol: failed to unmarshal frame: %w", err)
	}
	if partial.Action == "" {
		return Event{}, ErrMissingAction
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Event{Action: partial.Action, Raw: raw, ReceivedAt: time.Now()}, nil
}

// Decode unmarshals the full frame into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Action, err)
	}
	return nil
}

// MessagePayload is the "message" object of new_message and message_sent, and
// the element type of bulk message fetches.
type MessagePayload struct {
	ID             ID              `json:"id"`
	ConversationID ID              `json:"conversation_id"`
	SenderID       ID              `json:"sender_id"`
	SenderCode     string          `json:"sender_code,omitempty"`
	SenderUsername string          `json:"sender_username,omitempty"`
	Content        string          `json:"content"`
	Type           string          `json:"type,omitempty"`
	File           string          `json:"file,omitempty"`
	ReplyToID      ID              `json:"reply_to_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	IsRead         bool            `json:"is_read"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	Reactions      map[string][]ID `json:"reactions,omitempty"`
}

// MessageEvent is the body of new_message and message_sent.
type MessageEvent struct {
	Message MessagePayload `json:"message"`
}

// ReadEvent is the body of messages_read.
type ReadEvent struct {
	ConversationID ID `json:"conversation_id"`
	ReaderID       ID `json:"reader_id,omitempty"`
}

// ConversationPayload describes a conversation in conversation_created and in
// the bulk REST fetch.
type ConversationPayload struct {
	ID           ID               `json:"id"`
	Name         string           `json:"name,omitempty"`
	IsGroup      bool             `json:"is_group"`
	Participants []ID             `json:"participants,omitempty"`
	Messages     []MessagePayload `json:"messages,omitempty"`
}

// ConversationEvent is the body of conversation_created.
type ConversationEvent struct {
	Conversation ConversationPayload `json:"conversation"`
}

// StatusEvent is the body of status_update and of get_status replies.
type StatusEvent struct {
	UserCode string `json:"user_code"`
	Status   string `json:"status"`
}

// IsOnline reports whether the status string means online.
func (s StatusEvent) IsOnline() bool { return s.Status == "online" }

// ReactionEvent is the body of message_reaction. Reactions is the complete
// map for the message, not a delta.
type ReactionEvent struct {
	ConversationID ID              `json:"conversation_id"`
	MessageID      ID              `json:"message_id"`
	Reactions      map[string][]ID `json:"reactions"`
}

// DeletedEvent is the body of message_deleted.
type DeletedEvent struct {
	ConversationID ID   `json:"conversation_id"`
	MessageIDs     []ID `json:"message_ids"`
}

// ErrorEvent is the body of a server-reported error.
type ErrorEvent struct {
	Message string `json:"message"`
}
