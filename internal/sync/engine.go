// Package sync persists the reconciled conversation state to the local cache
// so history stays readable offline. Persistence is best effort: failures are
// logged and never reach the realtime path.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/store"
)

// CheckpointKey is the sync_state key holding the newest stored message id of a conversation.
func CheckpointKey(conversationID string) string {
	return "conversation:" + conversationID + ":last_msg_id"
}

// Engine handles idempotent ingestion of reconciler events into the store.
// It subscribes to "message." and "conversation." events on the bus.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to reconciler events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	msgs := e.bus.Subscribe("message.", 256)
	convs := e.bus.Subscribe("conversation.", 256)

	go func() {
		defer close(e.done)
		defer msgs.Close()
		defer convs.Close()
		for {
			select {
			case evt := <-msgs.C:
				e.handleEvent(evt)
			case evt := <-convs.C:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageConfirmed:
		ch, ok := evt.Payload.(reconcile.MessageChange)
		if !ok {
			return
		}
		if err := e.IngestMessage(ch.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", ch.Message.ID))
		}
	case bus.KindMessageDeleted:
		ch, ok := evt.Payload.(reconcile.DeleteChange)
		if !ok {
			return
		}
		n, err := e.db.DeleteMessages(ch.ConversationID, ch.MessageIDs)
		if err != nil {
			e.logger.Error("failed to delete messages", zap.Error(err), zap.String("conversation_id", ch.ConversationID))
			return
		}
		e.logger.Debug("messages deleted", zap.String("conversation_id", ch.ConversationID), zap.Int64("count", n))
	case bus.KindConversationChanged:
		s, ok := evt.Payload.(reconcile.Summary)
		if !ok {
			return
		}
		if err := e.IngestSummary(s); err != nil {
			e.logger.Error("failed to ingest conversation", zap.Error(err), zap.String("conversation_id", s.ID))
		}
	}
}

// IngestMessage stores one confirmed message (idempotent). Optimistic
// messages are skipped.
func (e *Engine) IngestMessage(m reconcile.Message) error {
	if m.Pending || m.IsTemp() {
		return nil
	}
	ts := m.Timestamp.UnixMilli()
	if err := e.db.UpsertConversation(&store.Conversation{
		ID:                 m.ConversationID,
		LastMessageAt:      ts,
		LastMessagePreview: truncate(m.Content, 100),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := e.db.UpsertMessage(&store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		MessageType:    m.Type,
		File:           m.File,
		ReplyToID:      m.ReplyToID,
		IsRead:         m.IsRead,
		Timestamp:      ts,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.SetCheckpoint(CheckpointKey(m.ConversationID), m.ID); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind: bus.KindMessageStored,
		Key:  m.ConversationID,
		Payload: map[string]string{
			"conversation_id": m.ConversationID,
			"msg_id":          m.ID,
		},
	})
	return nil
}

// IngestSummary stores conversation metadata. A summary with no unread
// messages marks the cached history as read; a removed one drops the row
// unless messages are cached for it.
func (e *Engine) IngestSummary(s reconcile.Summary) error {
	if s.Removed {
		if _, err := e.db.DeleteConversationIfEmpty(s.ID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	}
	var ts int64
	if !s.LastActivity.IsZero() {
		ts = s.LastActivity.UnixMilli()
	}
	if err := e.db.UpsertConversation(&store.Conversation{
		ID:                 s.ID,
		Name:               s.Name,
		IsGroup:            s.IsGroup,
		LastMessageAt:      ts,
		LastMessagePreview: truncate(s.Preview, 100),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if s.Unread == 0 {
		if err := e.db.MarkConversationRead(s.ID); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
