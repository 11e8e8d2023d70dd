// Package reconcile keeps one ordered, deduplicated message list per
// conversation, merging bulk fetches, optimistic local sends and inbound
// socket events.
//
// Optimistic sends carry a client nonce (client_msg_id). An echo carrying the
// nonce promotes the optimistic entry in place; an echo without it promotes
// the oldest pending entry of the sender with identical content. Confirmed
// ids are unique per conversation.
package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// ErrSendFailed is wrapped by every *SendError.
var ErrSendFailed = errors.New("reconcile: message not sent")

// SendError reports a rolled back optimistic send. Draft holds the original
// compose content so the caller can restore it.
type SendError struct {
	Draft  dispatch.Draft
	TempID string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("reconcile: message to conversation %s not sent, channel closed", e.Draft.ConversationID)
}

func (e *SendError) Unwrap() error { return ErrSendFailed }

// MessageSender dispatches send_message frames.
type MessageSender interface {
	SendMessage(d dispatch.Draft) bool
}

// Source registers listeners for inbound events.
type Source interface {
	AddMessageListener(action string, fn channel.MessageListener) channel.Handle
	RemoveMessageListener(h channel.Handle)
}

// Options configures a Reconciler.
type Options struct {
	// SelfID is the signed-in user's id, used for unread counts and own echoes.
	SelfID string
	// StrictOrdering inserts messages by timestamp instead of appending them
	// in arrival order.
	StrictOrdering bool
	Bus            *bus.Bus
	Logger         *zap.Logger
	Now            func() time.Time
	NewNonce       func() string
}

// MessageChange is the payload of message.confirmed events. TempID is set
// when the message replaced an optimistic entry.
type MessageChange struct {
	ConversationID string
	Message        Message
	TempID         string
}

// DeleteChange is the payload of message.deleted events.
type DeleteChange struct {
	ConversationID string
	MessageIDs     []string
}

// Reconciler owns the conversation state.
type Reconciler struct {
	sender MessageSender
	opts   Options
	log    *zap.Logger

	mu    sync.RWMutex
	convs map[string]*Conversation
	last  int64
}

// New creates a Reconciler that sends through sender.
func New(sender MessageSender, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewNonce == nil {
		opts.NewNonce = uuid.NewString
	}
	return &Reconciler{
		sender: sender,
		opts:   opts,
		log:    opts.Logger.With(zap.String("component", "reconcile")),
		convs:  make(map[string]*Conversation),
	}
}

// Attach registers the reconciler's listeners on src and returns a function
// that removes them.
func (r *Reconciler) Attach(src Source) func() {
	handles := []channel.Handle{
		src.AddMessageListener(protocol.ActionNewMessage, r.Apply),
		src.AddMessageListener(protocol.ActionMessageSent, r.Apply),
		src.AddMessageListener(protocol.ActionMessagesRead, r.Apply),
		src.AddMessageListener(protocol.ActionMessageReaction, r.Apply),
		src.AddMessageListener(protocol.ActionMessageDeleted, r.Apply),
		src.AddMessageListener(protocol.ActionConversationCreated, r.Apply),
	}
	return func() {
		for _, h := range handles {
			src.RemoveMessageListener(h)
		}
	}
}

// Send appends an optimistic message and dispatches it. When the dispatch
// fails the entry is removed again and a *SendError carrying the draft is
// returned.
func (r *Reconciler) Send(d dispatch.Draft) (Message, error) {
	if err := d.Validate(); err != nil {
		return Message{}, err
	}
	if d.Type == "" {
		d.Type = protocol.TypeText
	}
	if d.ClientMsgID == "" {
		d.ClientMsgID = r.opts.NewNonce()
	}

	r.mu.Lock()
	_, existed := r.convs[d.ConversationID]
	conv := r.ensureLocked(d.ConversationID)
	m := Message{
		ID:             r.tempIDLocked(),
		ConversationID: d.ConversationID,
		SenderID:       r.opts.SelfID,
		Content:        d.Content,
		Type:           d.Type,
		File:           d.File,
		ReplyToID:      d.ReplyToID,
		Timestamp:      r.opts.Now(),
		IsRead:         true,
		Pending:        true,
		ClientMsgID:    d.ClientMsgID,
	}
	r.insertLocked(conv, m)
	r.mu.Unlock()
	r.publishConversation(d.ConversationID)

	if r.sender != nil && r.sender.SendMessage(d) {
		return m, nil
	}

	r.mu.Lock()
	removed := false
	if conv, ok := r.convs[d.ConversationID]; ok {
		if i := conv.indexOf(m.ID); i >= 0 {
			conv.Messages = slices.Delete(conv.Messages, i, i+1)
		}
		if !existed && len(conv.Messages) == 0 {
			delete(r.convs, d.ConversationID)
			removed = true
		}
	}
	r.mu.Unlock()

	metrics.SendRollbacks.Inc()
	r.log.Warn("send failed, optimistic message rolled back",
		zap.String("conversation_id", d.ConversationID),
		zap.String("temp_id", m.ID),
	)
	serr := &SendError{Draft: d, TempID: m.ID}
	r.opts.Bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Key: d.ConversationID, Payload: serr})
	if removed {
		r.opts.Bus.Publish(bus.Event{Kind: bus.KindConversationChanged, Key: d.ConversationID, Payload: Summary{ID: d.ConversationID, Removed: true}})
	} else {
		r.publishConversation(d.ConversationID)
	}
	return Message{}, serr
}

// tempIDLocked returns a temporary id unique within this reconciler.
func (r *Reconciler) tempIDLocked() string {
	n := r.opts.Now().UnixNano()
	if n <= r.last {
		n = r.last + 1
	}
	r.last = n
	return TempPrefix + strconv.FormatInt(n, 10)
}

// Apply handles one inbound event. Unknown actions are ignored.
func (r *Reconciler) Apply(evt protocol.Event) {
	var err error
	switch evt.Action {
	case protocol.ActionNewMessage, protocol.ActionMessageSent:
		var e protocol.MessageEvent
		if err = evt.Decode(&e); err == nil {
			err = r.applyMessage(evt.Action, e.Message)
		}
	case protocol.ActionMessagesRead:
		var e protocol.ReadEvent
		if err = evt.Decode(&e); err == nil {
			err = r.applyRead(e)
		}
	case protocol.ActionMessageReaction:
		var e protocol.ReactionEvent
		if err = evt.Decode(&e); err == nil {
			err = r.applyReaction(e)
		}
	case protocol.ActionMessageDeleted:
		var e protocol.DeletedEvent
		if err = evt.Decode(&e); err == nil {
			err = r.applyDeleted(e)
		}
	case protocol.ActionConversationCreated:
		var e protocol.ConversationEvent
		if err = evt.Decode(&e); err == nil {
			err = r.Load(e.Conversation)
		}
	default:
		return
	}
	if err != nil {
		r.log.Warn("dropping event", zap.String("action", evt.Action), zap.Error(err))
	}
}

var errNoConversation = errors.New("event without conversation id")

func (r *Reconciler) applyMessage(action string, p protocol.MessagePayload) error {
	if p.ConversationID == "" {
		return errNoConversation
	}
	if p.ID == "" {
		return errors.New("message without id")
	}
	m := MessageFromPayload(p)

	r.mu.Lock()
	conv := r.ensureLocked(m.ConversationID)
	if conv.indexOf(m.ID) >= 0 {
		// Already confirmed by a bulk fetch, which retired any content match.
		// Only the nonce can still tie it to an optimistic entry.
		i := pendingIndex(conv.Messages, m, false)
		if i >= 0 {
			conv.Messages = slices.Delete(conv.Messages, i, i+1)
		}
		r.mu.Unlock()
		if i >= 0 {
			r.publishConversation(m.ConversationID)
		}
		return nil
	}
	var tempID string
	if i := r.matchPendingLocked(conv, action, m); i >= 0 {
		tempID = conv.Messages[i].ID
		if m.Timestamp.IsZero() {
			m.Timestamp = conv.Messages[i].Timestamp
		}
		conv.Messages[i] = m
		if r.opts.StrictOrdering {
			sortMessages(conv.Messages)
		}
	} else {
		if m.Timestamp.IsZero() {
			m.Timestamp = r.opts.Now()
		}
		r.insertLocked(conv, m)
	}
	r.mu.Unlock()

	r.opts.Bus.Publish(bus.Event{
		Kind:    bus.KindMessageConfirmed,
		Key:     m.ConversationID,
		Payload: MessageChange{ConversationID: m.ConversationID, Message: m.clone(), TempID: tempID},
	})
	r.publishConversation(m.ConversationID)
	return nil
}

// matchPendingLocked finds the optimistic entry a confirmed message stands for.
func (r *Reconciler) matchPendingLocked(conv *Conversation, action string, m Message) int {
	own := action == protocol.ActionMessageSent || (r.opts.SelfID != "" && m.SenderID == r.opts.SelfID)
	return pendingIndex(conv.Messages, m, own)
}

// pendingIndex returns the pending entry matching m by nonce or, for own
// messages, the oldest pending entry with the same content and type.
func pendingIndex(msgs []Message, m Message, own bool) int {
	if m.ClientMsgID != "" {
		if i := slices.IndexFunc(msgs, func(p Message) bool {
			return p.Pending && p.ClientMsgID == m.ClientMsgID
		}); i >= 0 {
			return i
		}
	}
	if !own {
		return -1
	}
	return slices.IndexFunc(msgs, func(p Message) bool {
		return p.Pending && p.Content == m.Content && p.Type == m.Type
	})
}

func (r *Reconciler) applyRead(e protocol.ReadEvent) error {
	if e.ConversationID == "" {
		return errNoConversation
	}
	id := e.ConversationID.String()
	r.mu.Lock()
	conv, ok := r.convs[id]
	if ok {
		for i := range conv.Messages {
			conv.Messages[i].IsRead = true
		}
	}
	r.mu.Unlock()
	if ok {
		r.publishConversation(id)
	}
	return nil
}

func (r *Reconciler) applyReaction(e protocol.ReactionEvent) error {
	msgID := e.MessageID.String()
	if msgID == "" {
		return errors.New("reaction without message id")
	}
	reactions := reactionsFromPayload(e.Reactions)
	if reactions == nil {
		reactions = map[string][]string{}
	}

	r.mu.Lock()
	convID := e.ConversationID.String()
	var target *Message
	for id, conv := range r.convs {
		if convID != "" && id != convID {
			continue
		}
		if i := conv.indexOf(msgID); i >= 0 {
			target = &conv.Messages[i]
			convID = id
			break
		}
	}
	if target != nil {
		target.Reactions = reactions
	}
	r.mu.Unlock()

	if target == nil {
		r.log.Debug("reaction for unknown message", zap.String("message_id", msgID))
		return nil
	}
	r.publishConversation(convID)
	return nil
}

func (r *Reconciler) applyDeleted(e protocol.DeletedEvent) error {
	if e.ConversationID == "" {
		return errNoConversation
	}
	id := e.ConversationID.String()
	ids := protocol.IDs(e.MessageIDs)

	r.mu.Lock()
	conv, ok := r.convs[id]
	removed := 0
	if ok {
		before := len(conv.Messages)
		conv.Messages = slices.DeleteFunc(conv.Messages, func(m Message) bool {
			return slices.Contains(ids, m.ID)
		})
		removed = before - len(conv.Messages)
	}
	r.mu.Unlock()

	if removed == 0 {
		return nil
	}
	r.opts.Bus.Publish(bus.Event{
		Kind:    bus.KindMessageDeleted,
		Key:     id,
		Payload: DeleteChange{ConversationID: id, MessageIDs: ids},
	})
	r.publishConversation(id)
	return nil
}

// Load merges a bulk fetch of a conversation. The confirmed messages of the
// payload replace the current list; pending optimistic entries that the
// payload does not confirm stay at the tail. A pending entry is confirmed by
// nonce or by an own message with the same content.
func (r *Reconciler) Load(p protocol.ConversationPayload) error {
	if p.ID == "" {
		return errNoConversation
	}
	id := p.ID.String()

	r.mu.Lock()
	conv := r.ensureLocked(id)
	if p.Name != "" {
		conv.Name = p.Name
	}
	conv.IsGroup = p.IsGroup
	if len(p.Participants) > 0 {
		conv.Participants = protocol.IDs(p.Participants)
	}

	if p.Messages != nil {
		pending := make([]Message, 0)
		for _, m := range conv.Messages {
			if m.Pending {
				pending = append(pending, m)
			}
		}
		seen := make(map[string]bool, len(p.Messages))
		loaded := make([]Message, 0, len(p.Messages)+len(pending))
		for _, mp := range p.Messages {
			m := MessageFromPayload(mp)
			if m.ID == "" || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if m.ConversationID == "" {
				m.ConversationID = id
			}
			own := r.opts.SelfID != "" && m.SenderID == r.opts.SelfID
			if i := pendingIndex(pending, m, own); i >= 0 {
				pending = slices.Delete(pending, i, i+1)
			}
			loaded = append(loaded, m)
		}
		if r.opts.StrictOrdering {
			sortMessages(loaded)
		}
		conv.Messages = append(loaded, pending...)
	}
	r.mu.Unlock()

	r.publishConversation(id)
	return nil
}

// Prepend adds an older page of history in front of the current list,
// skipping ids already present.
func (r *Reconciler) Prepend(conversationID string, older []protocol.MessagePayload) int {
	r.mu.Lock()
	conv := r.ensureLocked(conversationID)
	page := make([]Message, 0, len(older))
	for _, mp := range older {
		m := MessageFromPayload(mp)
		if m.ID == "" || conv.indexOf(m.ID) >= 0 || slices.ContainsFunc(page, func(o Message) bool { return o.ID == m.ID }) {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		page = append(page, m)
	}
	conv.Messages = append(page, conv.Messages...)
	if r.opts.StrictOrdering {
		sortMessages(conv.Messages)
	}
	r.mu.Unlock()

	if len(page) > 0 {
		r.publishConversation(conversationID)
	}
	return len(page)
}

// Conversation returns a copy of one conversation.
func (r *Reconciler) Conversation(id string) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Messages returns a copy of a conversation's message list.
func (r *Reconciler) Messages(conversationID string) []Message {
	c, _ := r.Conversation(conversationID)
	return c.Messages
}

// UnreadCount returns the unread count of a conversation for the signed-in user.
func (r *Reconciler) UnreadCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.convs[conversationID]; ok {
		return c.UnreadCount(r.opts.SelfID)
	}
	return 0
}

// Conversations returns conversation rows, most recent activity first.
func (r *Reconciler) Conversations() []Summary {
	r.mu.RLock()
	rows := make([]Summary, 0, len(r.convs))
	for _, c := range r.convs {
		rows = append(rows, summarize(c, r.opts.SelfID))
	}
	r.mu.RUnlock()
	sortSummaries(rows)
	return rows
}

func (r *Reconciler) ensureLocked(id string) *Conversation {
	c, ok := r.convs[id]
	if !ok {
		c = &Conversation{ID: id}
		r.convs[id] = c
	}
	return c
}

func (r *Reconciler) insertLocked(c *Conversation, m Message) {
	if !r.opts.StrictOrdering {
		c.Messages = append(c.Messages, m)
		return
	}
	i := slices.IndexFunc(c.Messages, func(o Message) bool { return o.Timestamp.After(m.Timestamp) })
	if i < 0 {
		c.Messages = append(c.Messages, m)
		return
	}
	c.Messages = slices.Insert(c.Messages, i, m)
}

func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int { return a.Timestamp.Compare(b.Timestamp) })
}

func (r *Reconciler) publishConversation(id string) {
	if r.opts.Bus == nil {
		return
	}
	r.mu.RLock()
	c, ok := r.convs[id]
	var s Summary
	if ok {
		s = summarize(c, r.opts.SelfID)
	}
	r.mu.RUnlock()
	if !ok {
		s = Summary{ID: id}
	}
	r.opts.Bus.Publish(bus.Event{Kind: bus.KindConversationChanged, Key: id, Payload: s})
}
