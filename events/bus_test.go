package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Kind: KindPeerConnected, Payload: PeerConnected{NodeID: "abc"}})

	select {
	case e := <-ch:
		require.Equal(t, KindPeerConnected, e.Kind)
		require.Equal(t, "abc", e.Payload.(PeerConnected).NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: KindStatusInfo})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	cancel()

	bus.Publish(Event{Kind: KindPeerConnected})

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus(4)
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Kind: KindPeerBanned})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			require.Equal(t, KindPeerBanned, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
