package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish("order.executed", "ord-1")

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "order.executed" || ev.Data != "ord-1" {
				t.Fatalf("event = %+v", ev)
			}
			if ev.At.IsZero() {
				t.Fatal("event not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestFullSubscriberDropsAndCounts(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish("engine.tick", nil)
	b.Publish("engine.tick", nil) // buffer full, must not block

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()

	// Sending to the closed channel must not panic out of Publish.
	b.Publish("order.failed", nil)

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}
