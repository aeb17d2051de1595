package athanor

import "testing"

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(VillageTopic("u1"))

	for i := 0; i < 5; i++ {
		b.Publish(VillageTopic("u1"), StreamEvent{Type: EventToken, Text: string(rune('a' + i))})
	}
	b.Unsubscribe(sub)

	var got []string
	for ev := range sub.Events() {
		got = append(got, ev.Text)
	}
	if len(got) != 5 {
		t.Fatalf("received %d events", len(got))
	}
	for i, text := range got {
		if text != string(rune('a'+i)) {
			t.Errorf("event %d = %q, out of order", i, text)
		}
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	b := NewBus()
	sub1 := b.Subscribe(VillageTopic("u1"))
	sub2 := b.Subscribe(VillageTopic("u2"))

	b.Publish(VillageTopic("u1"), StreamEvent{Type: EventToken, Text: "for u1"})
	b.Unsubscribe(sub1)
	b.Unsubscribe(sub2)

	if ev := <-sub1.Events(); ev.Text != "for u1" {
		t.Errorf("sub1 got %+v", ev)
	}
	if _, open := <-sub2.Events(); open {
		t.Error("sub2 received a foreign event")
	}
}

func TestBusLaggedSubscriberDropped(t *testing.T) {
	b := NewBus(WithBusQueueSize(2))
	slow := b.Subscribe(CouncilTopic("s1"))

	// The subscriber never reads; the third publish overflows its queue.
	for i := 0; i < 4; i++ {
		b.Publish(CouncilTopic("s1"), StreamEvent{Type: EventToken})
	}

	var got []StreamEvent
	for ev := range slow.Events() {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("received %d events, want 2 plus the terminal marker", len(got))
	}
	if got[len(got)-1].Type != EventLagged {
		t.Errorf("last event = %s, want %s", got[len(got)-1].Type, EventLagged)
	}

	// The dropped subscriber no longer receives anything; later publishes
	// must not panic on its closed channel.
	b.Publish(CouncilTopic("s1"), StreamEvent{Type: EventToken})
	b.Unsubscribe(slow)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(VillageTopic("u1"))
	b.Unsubscribe(sub)
	if _, open := <-sub.Events(); open {
		t.Error("channel still open after unsubscribe")
	}
	// Unsubscribing twice is harmless.
	b.Unsubscribe(sub)
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	b.Publish(VillageTopic("nobody"), StreamEvent{Type: EventToken})
}
