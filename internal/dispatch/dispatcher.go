// Package dispatch turns user intents into outbound frames. Every operation
// validates its input, builds the frame and hands it to a Sender; nothing is
// queued and failures are reported as false.
package dispatch

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// ErrInvalid marks a rejected intent.
var ErrInvalid = errors.New("dispatch: invalid request")

// Sender writes one frame on a channel.
type Sender interface {
	Send(action string, payload any) bool
}

// StatusRequester sends get_status queries on the presence channel.
type StatusRequester interface {
	RequestUserStatus(userCode string) bool
}

// Identity is the signed-in user stamped on outgoing frames.
type Identity struct {
	UserID       string
	UserCode     string
	Username     string
	ProfilePhoto string
}

// Draft is a message about to be sent.
type Draft struct {
	ConversationID string
	Content        string
	Type           string
	File           string
	ReplyToID      string
	ClientMsgID    string
}

// Validate checks a draft before it is sent.
func (d Draft) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalid)
	}
	t := d.Type
	if t == "" {
		t = protocol.TypeText
	}
	if !protocol.ValidMessageType(t) {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalid, d.Type)
	}
	if t == protocol.TypeText && d.Content == "" {
		return fmt.Errorf("%w: empty text message", ErrInvalid)
	}
	if t != protocol.TypeText && d.File == "" && d.Content == "" {
		return fmt.Errorf("%w: %s message without file", ErrInvalid, t)
	}
	return nil
}

// Dispatcher sends conversation actions on one Sender and presence queries
// through the presence tracker.
type Dispatcher struct {
	conv     Sender
	presence StatusRequester
	self     Identity
	log      *zap.Logger
}

// New creates a Dispatcher. presence may be nil when status queries are not needed.
func New(conv Sender, presence StatusRequester, self Identity, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		conv:     conv,
		presence: presence,
		self:     self,
		log:      log.With(zap.String("component", "dispatch")),
	}
}

// Identity returns the identity stamped on outgoing frames.
func (d *Dispatcher) Identity() Identity {
	return d.self
}

// SendMessage sends send_message for the draft.
func (d *Dispatcher) SendMessage(m Draft) bool {
	if err := m.Validate(); err != nil {
		return d.reject(protocol.ActionSendMessage, err)
	}
	frame := protocol.SendMessageFrame{
		Conversation:       m.ConversationID,
		Content:            m.Content,
		SenderID:           d.self.UserID,
		SenderCode:         d.self.UserCode,
		SenderUsername:     d.self.Username,
		SenderProfilePhoto: d.self.ProfilePhoto,
		Type:               m.Type,
		ClientMsgID:        m.ClientMsgID,
	}
	if frame.Type == "" {
		frame.Type = protocol.TypeText
	}
	if m.File != "" {
		frame.File = &m.File
	}
	if m.ReplyToID != "" {
		frame.ReplyToID = &m.ReplyToID
	}
	return d.send(d.conv, protocol.ActionSendMessage, frame)
}

// MarkRead marks messages of a conversation as read up to messageID.
func (d *Dispatcher) MarkRead(conversationID, messageID string) bool {
	if conversationID == "" || messageID == "" {
		return d.reject(protocol.ActionMarkRead, fmt.Errorf("%w: conversation and message id required", ErrInvalid))
	}
	return d.send(d.conv, protocol.ActionMarkRead, protocol.MarkReadFrame{
		ConversationID: conversationID,
		SenderID:       d.self.UserID,
		MessageID:      messageID,
	})
}

// DeleteMessages asks the server to delete messages of a conversation.
func (d *Dispatcher) DeleteMessages(conversationID string, messageIDs []string) bool {
	if conversationID == "" || len(messageIDs) == 0 {
		return d.reject(protocol.ActionDeleteMessage, fmt.Errorf("%w: conversation and message ids required", ErrInvalid))
	}
	for _, id := range messageIDs {
		if id == "" {
			return d.reject(protocol.ActionDeleteMessage, fmt.Errorf("%w: empty message id", ErrInvalid))
		}
	}
	return d.send(d.conv, protocol.ActionDeleteMessage, protocol.DeleteMessageFrame{
		ConversationID: conversationID,
		SenderID:       d.self.UserID,
		MessageIDs:     messageIDs,
	})
}

// React toggles emoji on a message.
func (d *Dispatcher) React(conversationID, messageID, emoji string) bool {
	if conversationID == "" || messageID == "" || emoji == "" {
		return d.reject(protocol.ActionReactMessage, fmt.Errorf("%w: conversation, message and emoji required", ErrInvalid))
	}
	return d.send(d.conv, protocol.ActionReactMessage, protocol.ReactMessageFrame{
		ConversationID: conversationID,
		SenderID:       d.self.UserID,
		MessageID:      messageID,
		Emoji:          emoji,
	})
}

// GetStatus asks the presence channel for a user's status. The reply arrives
// as a status_update on the presence tracker.
func (d *Dispatcher) GetStatus(userCode string) bool {
	if userCode == "" {
		return d.reject(protocol.ActionGetStatus, fmt.Errorf("%w: missing user code", ErrInvalid))
	}
	if d.presence == nil {
		d.log.Warn("no channel for action", zap.String("action", protocol.ActionGetStatus))
		return false
	}
	if !d.presence.RequestUserStatus(userCode) {
		d.log.Debug("action not sent", zap.String("action", protocol.ActionGetStatus))
		return false
	}
	return true
}

func (d *Dispatcher) send(s Sender, action string, payload any) bool {
	if s == nil {
		d.log.Warn("no channel for action", zap.String("action", action))
		return false
	}
	if !s.Send(action, payload) {
		d.log.Debug("action not sent", zap.String("action", action))
		return false
	}
	return true
}

func (d *Dispatcher) reject(action string, err error) bool {
	d.log.Warn("rejected action", zap.String("action", action), zap.Error(err))
	return false
}
