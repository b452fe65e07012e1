package ws

import (
	"testing"
	"time"
)

type recordingSubscriber struct {
	received chan []byte
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.received <- payload
	return nil
}

func (s *recordingSubscriber) Close() {}

func TestHubBroadcastReachesMatchSubscribers(t *testing.T) {
	hub := NewHub(8)
	subA := &recordingSubscriber{received: make(chan []byte, 1)}
	subB := &recordingSubscriber{received: make(chan []byte, 1)}
	hub.Register("match-1", subA)
	hub.Register("match-2", subB)

	hub.Broadcast("match-1", []byte("update"))

	select {
	case payload := <-subA.received:
		if string(payload) != "update" {
			t.Fatalf("unexpected payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not receive broadcast")
	}

	select {
	case payload := <-subB.received:
		t.Fatalf("other match received payload %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(8)
	sub := &recordingSubscriber{received: make(chan []byte, 1)}
	hub.Register("match-1", sub)
	hub.Unregister("match-1", sub)

	hub.Broadcast("match-1", []byte("update"))

	select {
	case payload := <-sub.received:
		t.Fatalf("unregistered subscriber received %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}
