// Package events implements the bounded broadcast bus that replaces the
// callback-style UI notification pattern flagged in SPEC_FULL.md §9: the
// state machine and comms core publish typed events here, and any
// consumer (a console-wallet UI, an FFI bridge, a test) subscribes
// without the core holding a direct reference to it.
package events

import "sync"

// Kind identifies the category of a published Event.
type Kind int

const (
	// KindPeerConnected fires when a dialer or inbound acceptor
	// completes a connection. Payload: PeerConnected.
	KindPeerConnected Kind = iota
	// KindPeerConnectFailed fires when a dial fails terminally: all
	// attempts exhausted, a public-key mismatch, or a cancellation seen
	// by an attempt in progress. A cancellation seen between attempts
	// ends the dial without this event. Payload: PeerConnectFailed.
	KindPeerConnectFailed
	// KindBlockEvent fires for ValidBlockAdded / AddBlockFailed.
	// Payload: BlockEvent.
	KindBlockEvent
	// KindStatusInfo fires periodically from the sync state machines.
	// Payload: StatusInfo.
	KindStatusInfo
	// KindPeerBanned fires when the peer store bans a peer.
	// Payload: PeerBanned.
	KindPeerBanned
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Kind    Kind
	Payload interface{}
}

// PeerConnected is the KindPeerConnected payload.
type PeerConnected struct {
	NodeID string
}

// PeerConnectFailed is the KindPeerConnectFailed payload.
type PeerConnectFailed struct {
	NodeID string
	Reason error
}

// BlockAddOutcome classifies the result of adding a block to the chain
// store, matching the chainstore.AddBlock contract.
type BlockAddOutcome int

const (
	BlockAddOk BlockAddOutcome = iota
	BlockAddExists
	BlockAddOrphan
	BlockAddReorg
)

// BlockEvent is the KindBlockEvent payload.
type BlockEvent struct {
	BlockHash  [32]byte
	Outcome    BlockAddOutcome
	ReorgDepth uint64
	Broadcast  bool
	FailureErr error
}

// SyncState names the phase a sync state machine is in, for StatusInfo.
type SyncState int

const (
	SyncStateHorizon SyncState = iota
	SyncStateHeaders
	SyncStateBlocks
	SyncStateDone
)

// StatusInfo is the KindStatusInfo payload, the one piece of the
// console-wallet's progress UI this core is responsible for producing.
type StatusInfo struct {
	State         SyncState
	TipHeight     uint64
	NetworkTip    uint64
	SyncPeerCount int
}

// PeerBanned is the KindPeerBanned payload.
type PeerBanned struct {
	NodeID string
	Reason string
}

// Bus is a bounded, fan-out broadcast channel. Publish never blocks the
// publisher on a slow subscriber: a subscriber whose channel is full
// silently misses the event rather than stalling the sync/comms core.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	capacity    int
}

// NewBus creates a Bus whose subscriber channels are buffered to
// capacity. A typical capacity mirrors the request-channel backpressure
// sizing in SPEC_FULL.md §5 (20-100).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 32
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		capacity:    capacity,
	}
}

// Subscribe registers a new listener and returns its channel plus a
// cancel function to unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.capacity)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish fans the event out to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}
