package horizonsync

import (
	"sync"
	"time"

	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/metrics"
	"github.com/lightningnetwork/basenode/peerstore"
)

// peerPool is the rotating candidate set a single sync run draws from.
// Exclusion (wrong-chain suspicion) and banning (protocol violation)
// both remove a peer from this run's candidates; only banning also
// writes a timed ban to the peer store.
type peerPool struct {
	mu    sync.Mutex
	peers []SyncPeer
}

func newPeerPool(initial []SyncPeer) *peerPool {
	p := make([]SyncPeer, len(initial))
	copy(p, initial)
	return &peerPool{peers: p}
}

func (p *peerPool) healthy() []SyncPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SyncPeer, len(p.peers))
	copy(out, p.peers)
	return out
}

func (p *peerPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// exclude drops a peer from this run's candidate set without banning
// it; §4.F step 3 uses this when a peer's response doesn't match ours
// but may simply be on a different chain.
func (p *peerPool) exclude(peer SyncPeer) {
	p.remove(peer.NodeID())
}

// ban excludes the peer from this run's candidates and additionally
// records a timed ban in the peer store.
func (p *peerPool) ban(store *peerstore.Store, peer SyncPeer, reason string, duration time.Duration) {
	p.remove(peer.NodeID())
	if store != nil {
		if err := store.BanPeer(peer.NodeID(), reason, duration); err != nil {
			syncLog.Warnf("failed to persist ban for peer %s: %v", peer.NodeID(), err)
		} else {
			metrics.PeersBannedTotal.WithLabelValues(reason).Inc()
		}
	}
}

func (p *peerPool) remove(id identity.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, peer := range p.peers {
		if peer.NodeID() == id {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			return
		}
	}
}
