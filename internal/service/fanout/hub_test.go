package fanout_test

import (
	"testing"
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/event"
	"github.com/zhouzirui/session-gateway/internal/service/fanout"
)

func evt(sessionID string, seq uint64) event.Event {
	return event.Event{Type: event.MessageReceived, SessionID: sessionID, Seq: seq}
}

func TestPublishReachesOnlyRoomMembers(t *testing.T) {
	hub := fanout.NewHub()
	a := fanout.NewSubscriber(4)
	b := fanout.NewSubscriber(4)
	hub.Subscribe("s1", a)
	hub.Subscribe("s2", b)

	hub.Publish(evt("s1", 1))

	select {
	case got := <-a.Events():
		if got.Seq != 1 {
			t.Fatalf("unexpected event %+v", got)
		}
	default:
		t.Fatal("expected s1 subscriber to receive event")
	}

	select {
	case got := <-b.Events():
		t.Fatalf("s2 subscriber received foreign event %+v", got)
	default:
	}
}

func TestSlowSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	hub := fanout.NewHub()
	slow := fanout.NewSubscriber(2)
	fast := fanout.NewSubscriber(16)
	hub.Subscribe("s1", slow)
	hub.Subscribe("s1", fast)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 5; i++ {
			hub.Publish(evt("s1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	first := <-slow.Events()
	second := <-slow.Events()
	if first.Seq != 4 || second.Seq != 5 {
		t.Fatalf("expected newest events 4,5 got %d,%d", first.Seq, second.Seq)
	}
	if slow.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", slow.Dropped())
	}
	if len(fast.Events()) != 5 {
		t.Fatalf("expected fast subscriber to hold all 5 events, got %d", len(fast.Events()))
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := fanout.NewHub()
	sub := fanout.NewSubscriber(4)
	hub.Subscribe("s1", sub)
	hub.Subscribe("s2", sub)

	hub.Unsubscribe("s1", sub)
	if hub.Subscribers("s1") != 0 || hub.Subscribers("s2") != 1 {
		t.Fatalf("unexpected membership s1=%d s2=%d", hub.Subscribers("s1"), hub.Subscribers("s2"))
	}

	hub.UnsubscribeAll(sub)
	hub.Publish(evt("s2", 1))
	if len(sub.Events()) != 0 {
		t.Fatal("expected no delivery after UnsubscribeAll")
	}
}
