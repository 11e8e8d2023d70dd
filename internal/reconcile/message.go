package reconcile

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// TempPrefix starts the id of every optimistic message.
const TempPrefix = "temp_"

// Message is one entry of a conversation's message list.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderCode     string
	SenderUsername string
	Content        string
	Type           string
	File           string
	ReplyToID      string
	Timestamp      time.Time
	IsRead         bool
	// Pending is set on optimistic messages not yet confirmed by the server.
	Pending     bool
	ClientMsgID string
	// Reactions maps an emoji to the ids of users who reacted with it.
	Reactions map[string][]string
}

// IsOwn reports whether selfID sent the message. An empty selfID owns nothing.
func (m Message) IsOwn(selfID string) bool {
	return selfID != "" && m.SenderID == selfID
}

// IsTemp reports whether the message carries a temporary id.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempPrefix)
}

func (m Message) clone() Message {
	m.Reactions = cloneReactions(m.Reactions)
	return m
}

// MessageFromPayload converts a wire message to a confirmed Message.
func MessageFromPayload(p protocol.MessagePayload) Message {
	m := Message{
		ID:             p.ID.String(),
		ConversationID: p.ConversationID.String(),
		SenderID:       p.SenderID.String(),
		SenderCode:     p.SenderCode,
		SenderUsername: p.SenderUsername,
		Content:        p.Content,
		Type:           p.Type,
		File:           p.File,
		ReplyToID:      p.ReplyToID.String(),
		Timestamp:      p.Timestamp,
		IsRead:         p.IsRead,
		ClientMsgID:    p.ClientMsgID,
		Reactions:      reactionsFromPayload(p.Reactions),
	}
	if m.Type == "" {
		m.Type = protocol.TypeText
	}
	return m
}

func reactionsFromPayload(in map[string][]protocol.ID) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for emoji, users := range in {
		out[emoji] = protocol.IDs(users)
	}
	return out
}

// Conversation is one conversation with its ordered message list.
type Conversation struct {
	ID           string
	Name         string
	IsGroup      bool
	Participants []string
	Messages     []Message
}

// UnreadCount counts confirmed messages from others that are not read yet.
func (c Conversation) UnreadCount(selfID string) int {
	n := 0
	for _, m := range c.Messages {
		if !m.IsRead && !m.Pending && m.SenderID != selfID {
			n++
		}
	}
	return n
}

// LastMessage returns the message with the latest timestamp.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	last := c.Messages[0]
	for _, m := range c.Messages[1:] {
		if !m.Timestamp.Before(last.Timestamp) {
			last = m
		}
	}
	return last, true
}

func (c *Conversation) indexOf(id string) int {
	return slices.IndexFunc(c.Messages, func(m Message) bool { return m.ID == id })
}

func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.clone()
	}
	c.Messages = msgs
	return c
}

// Summary is a conversation list row.
type Summary struct {
	ID           string
	Name         string
	IsGroup      bool
	Preview      string
	LastActivity time.Time
	Unread       int
	Participants []string
	// Removed is set when a rolled back send dropped a conversation that had
	// no other messages.
	Removed bool
}

func summarize(c *Conversation, selfID string) Summary {
	s := Summary{
		ID:           c.ID,
		Name:         c.Name,
		IsGroup:      c.IsGroup,
		Unread:       c.UnreadCount(selfID),
		Participants: slices.Clone(c.Participants),
	}
	if last, ok := c.LastMessage(); ok {
		s.LastActivity = last.Timestamp
		s.Preview = preview(last)
	}
	return s
}

const previewLen = 60

func preview(m Message) string {
	if m.Type != "" && m.Type != protocol.TypeText && m.Content == "" {
		return "[" + m.Type + "]"
	}
	r := []rune(strings.TrimSpace(m.Content))
	if len(r) > previewLen {
		return string(r[:previewLen-1]) + "…"
	}
	return string(r)
}

// sortSummaries orders rows by most recent activity, newest first.
func sortSummaries(rows []Summary) {
	slices.SortStableFunc(rows, func(a, b Summary) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func cloneReactions(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out
}
