package reconcile

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"github.com/matheus3301/chatsync/internal/protocol"
)

type stubSender struct {
	ok     bool
	drafts []dispatch.Draft
}

func (s *stubSender) SendMessage(d dispatch.Draft) bool {
	s.drafts = append(s.drafts, d)
	return s.ok
}

func parse(t *testing.T, frame string) protocol.Event {
	t.Helper()
	evt, err := protocol.Parse([]byte(frame))
	if err != nil {
		t.Fatalf("Parse(%s): %v", frame, err)
	}
	return evt
}

func clock() func() time.Time {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newReconciler(sender MessageSender, strict bool) *Reconciler {
	return New(sender, Options{SelfID: "1", StrictOrdering: strict, Now: clock()})
}

// With the client nonce in place an echo replaces the optimistic entry, so
// the list ends with one message. Without correlation the list would hold
// both the temp entry and the echo.
func TestSendThenMessageSentEchoYieldsSingleEntry(t *testing.T) {
	sender := &stubSender{ok: true}
	r := newReconciler(sender, false)

	m, err := r.Send(dispatch.Draft{ConversationID: "7", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := r.Messages("7")
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].ID, TempPrefix) || !msgs[0].Pending || !msgs[0].IsOwn("1") {
		t.Fatalf("after send: %+v", msgs)
	}
	if sender.drafts[0].ClientMsgID == "" || sender.drafts[0].ClientMsgID != m.ClientMsgID {
		t.Errorf("draft nonce = %q, message nonce = %q", sender.drafts[0].ClientMsgID, m.ClientMsgID)
	}

	r.Apply(parse(t, `{"action":"message_sent","message":{"id":"42","conversation_id":"7","sender_id":"1","content":"hi","timestamp":"2024-05-01T10:00:05Z"}}`))

	msgs = r.Messages("7")
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "42" || msgs[0].Pending {
		t.Errorf("entry = %+v, want confirmed 42", msgs[0])
	}
}

func TestEchoMatchedByNonce(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("message.", 8)
	defer sub.Close()

	r := New(&stubSender{ok: true}, Options{SelfID: "1", Bus: b, Now: clock(), NewNonce: func() string { return "n-1" }})
	first, _ := r.Send(dispatch.Draft{ConversationID: "7", Content: "hi"})
	if _, err := r.Send(dispatch.Draft{ConversationID: "7", Content: "hi", ClientMsgID: "n-2"}); err != nil {
		t.Fatal(err)
	}

	r.Apply(parse(t, `{"action":"new_message","message":{"id":43,"conversation_id":7,"sender_id":1,"content":"hi ","client_msg_id":"n-2"}}`))

	msgs := r.Messages("7")
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != first.ID || !msgs[0].Pending {
		t.Errorf("first entry = %+v, want still pending", msgs[0])
	}
	if msgs[1].ID != "43" || msgs[1].Pending {
		t.Errorf("second entry = %+v, want confirmed 43", msgs[1])
	}

	select {
	case evt := <-sub.C:
		ch := evt.Payload.(MessageChange)
		if evt.Kind != bus.KindMessageConfirmed || ch.Message.ID != "43" || !strings.HasPrefix(ch.TempID, TempPrefix) {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.confirmed event")
	}
}

func TestOtherSenderDoesNotPromotePending(t *testing.T) {
	r := newReconciler(&stubSender{ok: true}, false)
	if _, err := r.Send(dispatch.Draft{ConversationID: "7", Content: "ok"}); err != nil {
		t.Fatal(err)
	}
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"50","conversation_id":"7","sender_id":"2","content":"ok"}}`))

	msgs := r.Messages("7")
	if len(msgs) != 2 || !msgs[0].Pending || msgs[1].ID != "50" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestDuplicateNewMessageIsIgnored(t *testing.T) {
	r := newReconciler(nil, false)
	frame := `{"action":"new_message","message":{"id":"9","conversation_id":"7","sender_id":"2","content":"hey"}}`
	r.Apply(parse(t, frame))
	r.Apply(parse(t, frame))

	if msgs := r.Messages("7"); len(msgs) != 1 {
		t.Errorf("len = %d, want 1", len(msgs))
	}
}

func TestFailedSendRestoresPreviousState(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.KindMessageSendFailed, 4)
	defer sub.Close()

	r := New(&stubSender{ok: false}, Options{SelfID: "1", Bus: b, Now: clock()})
	if err := r.Load(protocol.ConversationPayload{ID: "7", Messages: []protocol.MessagePayload{
		{ID: "1", ConversationID: "7", SenderID: "2", Content: "hello"},
	}}); err != nil {
		t.Fatal(err)
	}
	before := r.Messages("7")

	draft := dispatch.Draft{ConversationID: "7", Content: "draft text", ReplyToID: "1"}
	_, err := r.Send(draft)

	var serr *SendError
	if !errors.As(err, &serr) || !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send() error = %v, want *SendError", err)
	}
	if serr.Draft.Content != "draft text" || serr.Draft.ReplyToID != "1" {
		t.Errorf("draft = %+v, want original compose content", serr.Draft)
	}
	if after := r.Messages("7"); !reflect.DeepEqual(before, after) {
		t.Errorf("messages after rollback = %+v, want %+v", after, before)
	}
	select {
	case evt := <-sub.C:
		if evt.Key != "7" {
			t.Errorf("event key = %q", evt.Key)
		}
	case <-time.After(time.Second):
		t.Error("no send_failed event")
	}

	if _, err := r.Send(dispatch.Draft{ConversationID: "8", Content: "x"}); err == nil {
		t.Fatal("Send() to closed channel succeeded")
	}
	if _, ok := r.Conversation("8"); ok {
		t.Error("rollback left an empty conversation behind")
	}
}

func TestRollbackOfNewConversationPublishesRemoval(t *testing.T) {
	b := bus.New()
	r := New(&stubSender{ok: false}, Options{SelfID: "1", Bus: b, Now: clock()})
	sub := b.Subscribe(bus.KindConversationChanged, 8)
	defer sub.Close()

	if _, err := r.Send(dispatch.Draft{ConversationID: "8", Content: "x"}); err == nil {
		t.Fatal("Send() to closed channel succeeded")
	}

	var last Summary
	for {
		select {
		case evt := <-sub.C:
			last = evt.Payload.(Summary)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	if last.ID != "8" || !last.Removed {
		t.Errorf("last summary = %+v, want removal of 8", last)
	}
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	sender := &stubSender{ok: true}
	r := newReconciler(sender, false)
	if _, err := r.Send(dispatch.Draft{ConversationID: "7"}); !errors.Is(err, dispatch.ErrInvalid) {
		t.Errorf("error = %v, want ErrInvalid", err)
	}
	if len(sender.drafts) != 0 || len(r.Conversations()) != 0 {
		t.Error("invalid draft changed state")
	}
}

func TestUnreadCount(t *testing.T) {
	c := Conversation{Messages: []Message{
		{ID: "1", SenderID: "B", IsRead: false},
		{ID: "2", SenderID: "self", IsRead: false},
	}}
	if got := c.UnreadCount("self"); got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
}

func TestMessagesReadClearsUnread(t *testing.T) {
	r := newReconciler(nil, false)
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"1","conversation_id":"7","sender_id":"2","content":"a"}}`))
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"2","conversation_id":"7","sender_id":"2","content":"b"}}`))
	if got := r.UnreadCount("7"); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	r.Apply(parse(t, `{"action":"messages_read","conversation_id":"7"}`))
	if got := r.UnreadCount("7"); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
	for _, m := range r.Messages("7") {
		if !m.IsRead {
			t.Errorf("message %s not read", m.ID)
		}
	}
}

func TestReactionsReplacedWholesale(t *testing.T) {
	r := newReconciler(nil, false)
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"1","conversation_id":"7","sender_id":"2","content":"a","reactions":{"👍":["2"],"❤️":["3"]}}}`))
	r.Apply(parse(t, `{"action":"message_reaction","conversation_id":"7","message_id":"1","reactions":{"😂":[1,4]}}`))

	got := r.Messages("7")[0].Reactions
	want := map[string][]string{"😂": {"1", "4"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reactions = %v, want %v", got, want)
	}
}

func TestMessageDeleted(t *testing.T) {
	r := newReconciler(nil, false)
	for _, id := range []string{"1", "2", "3"} {
		r.Apply(parse(t, `{"action":"new_message","message":{"id":"`+id+`","conversation_id":"7","sender_id":"2","content":"x"}}`))
	}
	r.Apply(parse(t, `{"action":"message_deleted","conversation_id":"7","message_ids":["1",3]}`))

	msgs := r.Messages("7")
	if len(msgs) != 1 || msgs[0].ID != "2" {
		t.Errorf("messages = %+v, want only 2", msgs)
	}
}

func TestConversationsOrderedByRecentActivity(t *testing.T) {
	r := newReconciler(nil, false)
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"1","conversation_id":"A","sender_id":"2","content":"old","timestamp":"2024-05-01T09:00:00Z"}}`))
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"2","conversation_id":"B","sender_id":"2","content":"new","timestamp":"2024-05-01T11:00:00Z"}}`))
	r.Apply(parse(t, `{"action":"conversation_created","conversation":{"id":"C","name":"empty","is_group":true}}`))

	rows := r.Conversations()
	var ids []string
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if want := []string{"B", "A", "C"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	if rows[0].Preview != "new" || rows[0].Unread != 1 {
		t.Errorf("row = %+v", rows[0])
	}

	r.Apply(parse(t, `{"action":"new_message","message":{"id":"3","conversation_id":"A","sender_id":"2","content":"newest","timestamp":"2024-05-01T12:00:00Z"}}`))
	if got := r.Conversations()[0].ID; got != "A" {
		t.Errorf("first conversation = %s, want A", got)
	}
}

func TestOrdering(t *testing.T) {
	frames := []string{
		`{"action":"new_message","message":{"id":"2","conversation_id":"7","sender_id":"2","content":"b","timestamp":"2024-05-01T10:00:02Z"}}`,
		`{"action":"new_message","message":{"id":"1","conversation_id":"7","sender_id":"2","content":"a","timestamp":"2024-05-01T10:00:01Z"}}`,
	}
	tests := []struct {
		name   string
		strict bool
		want   []string
	}{
		{"arrival order", false, []string{"2", "1"}},
		{"strict ordering", true, []string{"1", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconciler(nil, tt.strict)
			for _, f := range frames {
				r.Apply(parse(t, f))
			}
			var ids []string
			for _, m := range r.Messages("7") {
				ids = append(ids, m.ID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestLoadKeepsUnconfirmedPending(t *testing.T) {
	r := newReconciler(&stubSender{ok: true}, false)
	a, _ := r.Send(dispatch.Draft{ConversationID: "7", Content: "a", ClientMsgID: "n-a"})
	b, _ := r.Send(dispatch.Draft{ConversationID: "7", Content: "b", ClientMsgID: "n-b"})

	err := r.Load(protocol.ConversationPayload{ID: "7", Name: "team", IsGroup: true, Participants: []protocol.ID{"1", "2"},
		Messages: []protocol.MessagePayload{
			{ID: "10", ConversationID: "7", SenderID: "2", Content: "x"},
			{ID: "11", ConversationID: "7", SenderID: "1", Content: "a", ClientMsgID: "n-a"},
			{ID: "10", ConversationID: "7", SenderID: "2", Content: "x"},
		}})
	if err != nil {
		t.Fatal(err)
	}

	c, _ := r.Conversation("7")
	var ids []string
	for _, m := range c.Messages {
		ids = append(ids, m.ID)
	}
	if want := []string{"10", "11", b.ID}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v (pending %s confirmed by load)", ids, want, a.ID)
	}
	if c.Name != "team" || !c.IsGroup || len(c.Participants) != 2 {
		t.Errorf("metadata = %+v", c)
	}
}

func TestRefetchConfirmsOwnPendingWithoutNonce(t *testing.T) {
	tests := []struct {
		name string
		echo string
	}{
		{"message_sent after load", `{"action":"message_sent","message":{"id":"42","conversation_id":"7","sender_id":"1","content":"hi"}}`},
		{"new_message after load", `{"action":"new_message","message":{"id":"42","conversation_id":"7","sender_id":"1","content":"hi"}}`},
		{"no echo", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconciler(&stubSender{ok: true}, false)
			if _, err := r.Send(dispatch.Draft{ConversationID: "7", Content: "hi"}); err != nil {
				t.Fatal(err)
			}
			if _, err := r.Send(dispatch.Draft{ConversationID: "7", Content: "hi"}); err != nil {
				t.Fatal(err)
			}

			err := r.Load(protocol.ConversationPayload{ID: "7", Messages: []protocol.MessagePayload{
				{ID: "42", ConversationID: "7", SenderID: "1", Content: "hi"},
			}})
			if err != nil {
				t.Fatal(err)
			}
			if tt.echo != "" {
				r.Apply(parse(t, tt.echo))
			}

			msgs := r.Messages("7")
			if len(msgs) != 2 {
				t.Fatalf("len = %d, want 2: %+v", len(msgs), msgs)
			}
			if msgs[0].ID != "42" || msgs[0].Pending {
				t.Errorf("first = %+v, want confirmed 42", msgs[0])
			}
			if !msgs[1].Pending {
				t.Errorf("second = %+v, want the later send still pending", msgs[1])
			}
		})
	}
}

func TestEchoOfLoadedMessageRetiresPending(t *testing.T) {
	r := newReconciler(&stubSender{ok: true}, false)
	if err := r.Load(protocol.ConversationPayload{ID: "7", Messages: []protocol.MessagePayload{
		{ID: "42", ConversationID: "7", SenderID: "1", Content: "hi"},
	}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Send(dispatch.Draft{ConversationID: "7", Content: "hi", ClientMsgID: "n-1"}); err != nil {
		t.Fatal(err)
	}

	r.Apply(parse(t, `{"action":"message_sent","message":{"id":"42","conversation_id":"7","sender_id":"1","content":"hi","client_msg_id":"n-1"}}`))

	msgs := r.Messages("7")
	if len(msgs) != 1 || msgs[0].ID != "42" || msgs[0].Pending {
		t.Errorf("messages = %+v, want only confirmed 42", msgs)
	}
}

func TestPrependOlderPage(t *testing.T) {
	r := newReconciler(nil, false)
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"5","conversation_id":"7","sender_id":"2","content":"e"}}`))

	n := r.Prepend("7", []protocol.MessagePayload{
		{ID: "3", Content: "c"},
		{ID: "4", Content: "d"},
		{ID: "5", Content: "e"},
	})
	if n != 2 {
		t.Errorf("Prepend() = %d, want 2", n)
	}
	var ids []string
	for _, m := range r.Messages("7") {
		ids = append(ids, m.ID)
	}
	if want := []string{"3", "4", "5"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	r := newReconciler(nil, false)
	r.Apply(parse(t, `{"action":"new_message","message":{"id":"1","content":"no conversation"}}`))
	r.Apply(parse(t, `{"action":"new_message","message":"oops"}`))
	r.Apply(parse(t, `{"action":"status_update","user_code":"U2","status":"online"}`))
	if n := len(r.Conversations()); n != 0 {
		t.Errorf("conversations = %d, want 0", n)
	}
}
