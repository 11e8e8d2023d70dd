package protocol

import (
	"encoding/json"
	"fmt"
)

// SubscribeFrame asks the server to route a conversation's events to this socket.
type SubscribeFrame struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageFrame is the body of send_message. File and ReplyToID are sent as
// null when empty, matching what the server expects.
type SendMessageFrame struct {
	Conversation       string  `json:"conversation"`
	Content            string  `json:"content"`
	SenderID           string  `json:"sender_id"`
	SenderCode         string  `json:"sender_code"`
	SenderUsername     string  `json:"sender_username"`
	SenderProfilePhoto string  `json:"sender_profile_photo"`
	File               *string `json:"file"`
	Type               string  `json:"type"`
	ReplyToID          *string `json:"reply_to_id"`
	ClientMsgID        string  `json:"client_msg_id,omitempty"`
}

// MarkReadFrame is the body of mark_message_as_read.
type MarkReadFrame struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	MessageID      string `json:"message_id"`
}

// DeleteMessageFrame is the body of delete_message.
type DeleteMessageFrame struct {
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	MessageIDs     []string `json:"message_ids"`
}

// ReactMessageFrame is the body of react_message.
type ReactMessageFrame struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
}

// GetStatusFrame is the body of get_status.
type GetStatusFrame struct {
	UserCode string `json:"user_code"`
}

// Encode builds an outbound text frame: the payload's fields at the top level
// plus the action discriminator. A nil payload yields {"action": ...}.
func Encode(action string, payload any) ([]byte, error) {
	if action == "" {
		return nil, ErrMissingAction
	}
	fields := map[string]json.RawMessage{}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", action, err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("protocol: %s payload must be an object: %w", action, err)
		}
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	a, _ := json.Marshal(action)
	fields["action"] = a
	return json.Marshal(fields)
}
