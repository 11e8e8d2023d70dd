// Package protocol defines the JSON text frames exchanged with the chat server
// over the conversation and presence websockets. Every frame is an object with
// an "action" discriminator and action-specific fields at the top level.
package protocol

// Client -> Server actions.
const (
	ActionSubscribe     = "subscribe"
	ActionSendMessage   = "send_message"
	ActionMarkRead      = "mark_message_as_read"
	ActionDeleteMessage = "delete_message"
	ActionReactMessage  = "react_message"
	ActionGetStatus     = "get_status"
)

// Server -> Client actions.
const (
	ActionNewMessage          = "new_message"
	ActionMessageSent         = "message_sent"
	ActionMessagesRead        = "messages_read"
	ActionConversationCreated = "conversation_created"
	ActionStatusUpdate        = "status_update"
	ActionMessageReaction     = "message_reaction"
	ActionMessageDeleted      = "message_deleted"
	ActionError               = "error"
)

// Wildcard registers a listener for every inbound action.
const Wildcard = "*"

// Message types carried in the "type" field of messages.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeDocument = "document"
	TypeLocation = "location"
	TypeContact  = "contact"
)

// ValidMessageType reports whether t is a message type the server accepts.
func ValidMessageType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo, TypeDocument, TypeLocation, TypeContact:
		return true
	}
	return false
}
