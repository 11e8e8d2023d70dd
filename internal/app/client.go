package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
)

// ErrNoIdentity is returned when the profile has no stored user identity.
var ErrNoIdentity = errors.New("app: no signed-in user, run 'chatsync token set'")

// ErrNotSent is returned when an action frame could not be written, either
// because its arguments were rejected or the conversation channel is closed.
var ErrNotSent = errors.New("app: action not sent")

// SubscribeError reports a conversation channel that did not open.
type SubscribeError struct {
	ConversationID string
	State          channel.State
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("app: subscribe to conversation %s failed (status %s)", e.ConversationID, e.State.Status)
}

// Client is the entry point commands use to drive the sync core.
type Client struct {
	Conversations *channel.Manager
	Presence      *presence.Tracker
	Dispatcher    *dispatch.Dispatcher
	Reconciler    *reconcile.Reconciler
	REST          *rest.Client
	Store         *store.DB
	Bus           *bus.Bus
	Self          dispatch.Identity

	logger *zap.Logger
}

// NewClient bundles the wired components.
func NewClient(
	conv *channel.Manager,
	tracker *presence.Tracker,
	d *dispatch.Dispatcher,
	rec *reconcile.Reconciler,
	rc *rest.Client,
	db *store.DB,
	b *bus.Bus,
	self dispatch.Identity,
	logger *zap.Logger,
) *Client {
	return &Client{
		Conversations: conv,
		Presence:      tracker,
		Dispatcher:    d,
		Reconciler:    rec,
		REST:          rc,
		Store:         db,
		Bus:           b,
		Self:          self,
		logger:        logger.With(zap.String("component", "client")),
	}
}

// OpenConversation subscribes the conversation channel to id and seeds the
// reconciler with the server's copy of the conversation. A failed fetch is
// returned but leaves the channel subscribed.
func (c *Client) OpenConversation(ctx context.Context, id string) error {
	if c.Self.UserID == "" {
		return ErrNoIdentity
	}
	if !c.Conversations.Subscribe(ctx, id) {
		return &SubscribeError{ConversationID: id, State: c.Conversations.State()}
	}
	payload, err := c.REST.Conversation(ctx, id)
	if err != nil {
		c.logger.Warn("initial fetch failed", zap.String("conversation", id), zap.Error(err))
		return err
	}
	if payload.ID == "" {
		payload.ID = protocol.ID(id)
	}
	return c.Reconciler.Load(*payload)
}

// LoadOlder fetches the page of history before the oldest confirmed message
// and prepends it. Returns how many messages were added and whether more exist.
func (c *Client) LoadOlder(ctx context.Context, id string, limit int) (int, bool, error) {
	before := ""
	for _, m := range c.Reconciler.Messages(id) {
		if !m.Pending {
			before = m.ID
			break
		}
	}
	page, err := c.REST.Messages(ctx, id, before, limit)
	if err != nil {
		return 0, false, err
	}
	return c.Reconciler.Prepend(id, page.Messages), page.HasMore, nil
}

// Send sends an optimistic message on the open conversation.
func (c *Client) Send(d dispatch.Draft) (reconcile.Message, error) {
	return c.Reconciler.Send(d)
}

// MarkRead marks the conversation read up to messageID. The server answers
// with messages_read, which the reconciler applies.
func (c *Client) MarkRead(conversationID, messageID string) error {
	if !c.Dispatcher.MarkRead(conversationID, messageID) {
		return fmt.Errorf("%w: mark %s read", ErrNotSent, messageID)
	}
	return nil
}

// Delete asks the server to delete messages. They leave the reconciler when
// the message_deleted echo arrives.
func (c *Client) Delete(conversationID string, messageIDs []string) error {
	if !c.Dispatcher.DeleteMessages(conversationID, messageIDs) {
		return fmt.Errorf("%w: delete %d message(s)", ErrNotSent, len(messageIDs))
	}
	return nil
}

// React toggles emoji on a message.
func (c *Client) React(conversationID, messageID, emoji string) error {
	if !c.Dispatcher.React(conversationID, messageID, emoji) {
		return fmt.Errorf("%w: react to %s", ErrNotSent, messageID)
	}
	return nil
}

// RequestStatus asks the presence channel for each user's status. Replies
// update the presence tracker.
func (c *Client) RequestStatus(userCodes ...string) error {
	for _, code := range userCodes {
		if !c.Dispatcher.GetStatus(code) {
			return fmt.Errorf("%w: status of %s", ErrNotSent, code)
		}
	}
	return nil
}

// GoOnline opens the presence channel for the signed-in user.
func (c *Client) GoOnline(ctx context.Context) error {
	if c.Self.UserCode == "" {
		return ErrNoIdentity
	}
	return c.Presence.Connect(ctx, c.Self.UserCode)
}
