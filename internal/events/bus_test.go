package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceRouter, KindRequestStart, map[string]any{"request_id": "r1"})

	select {
	case e := <-ch:
		if e.Source != SourceRouter || e.Kind != KindRequestStart {
			t.Errorf("got event %s/%s, want router/request_start", e.Source, e.Kind)
		}
		if e.Data["request_id"] != "r1" {
			t.Errorf("Data[request_id] = %v, want r1", e.Data["request_id"])
		}
		if e.Timestamp.IsZero() {
			t.Error("Emit did not stamp timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish more. Must not block.
	for i := 0; i < 5; i++ {
		b.Emit(SourceQueue, KindCallDone, nil)
	}

	// Exactly one event should have been delivered.
	<-ch
	select {
	case e := <-ch:
		t.Errorf("expected dropped events, got %v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}

	// Second unsubscribe is a no-op, not a panic.
	b.Unsubscribe(ch)

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{})
	b.Emit(SourceRouter, KindStage, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("nil bus SubscriberCount() = %d, want 0", got)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(1)
	c := b.Subscribe(1)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Emit(SourceBridge, KindMessageReceived, nil)

	for _, ch := range []<-chan Event{a, c} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
