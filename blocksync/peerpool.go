package blocksync

import (
	"sync"
	"time"

	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/metrics"
	"github.com/lightningnetwork/basenode/peerstore"
)

// peerPool is the rotating candidate set a block-sync run draws from.
// Unlike horizonsync's pool, callers advance through it round-robin via
// next() rather than re-reading the whole healthy() snapshot per chunk,
// per §4.G's "pick a sync peer (round-robin over healthy set)".
type peerPool struct {
	mu     sync.Mutex
	peers  []SyncPeer
	cursor int
}

func newPeerPool(initial []SyncPeer) *peerPool {
	p := make([]SyncPeer, len(initial))
	copy(p, initial)
	return &peerPool{peers: p}
}

func (p *peerPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// next returns the next peer in round-robin order, or nil if the pool
// is empty.
func (p *peerPool) next() SyncPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) == 0 {
		return nil
	}
	peer := p.peers[p.cursor%len(p.peers)]
	p.cursor++
	return peer
}

// exclude drops a peer from this run's candidates without banning it;
// used when a request simply fails (I/O error, timeout).
func (p *peerPool) exclude(peer SyncPeer) {
	p.remove(peer.NodeID())
}

// ban excludes the peer and additionally records a timed ban in the
// peer store; used when a peer supplies an invalid header or body.
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
			if p.cursor > i {
				p.cursor--
			}
			return
		}
	}
}
