package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("conversation.", 10)
	defer sub.Close()

	b.Publish(Event{Kind: KindConversationChanged, Key: "7", Payload: "test"})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindConversationChanged || evt.Key != "7" {
			t.Errorf("got %q/%q, want %s/7", evt.Kind, evt.Key, KindConversationChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("message.", 10)
	defer sub.Close()

	b.Publish(Event{Kind: KindPresenceChanged})
	b.Publish(Event{Kind: KindMessageConfirmed})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindMessageConfirmed {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageConfirmed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("presence.", 10)
	sub.Close()
	sub.Close()

	b.Publish(Event{Kind: KindPresenceChanged})

	select {
	case evt := <-sub.C:
		t.Errorf("received event after close: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("message.", 1)
	defer sub.Close()

	b.Publish(Event{Kind: "message.one"})
	b.Publish(Event{Kind: "message.two"})

	evt := <-sub.C
	if evt.Kind != "message.one" {
		t.Errorf("got %q, want message.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindPresenceChanged})
}
