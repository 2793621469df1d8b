// Package peerstore implements the Peer Store: an in-memory index of
// known peers backed by a bbolt database for persistence across
// restarts, following the teacher's channeldb/db.go shape (a *bolt.DB
// embedded in a thin wrapper, versioned top-level buckets created on
// first open) with go.etcd.io/bbolt in place of the teacher's
// boltdb/bolt fork.
package peerstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lightningnetwork/basenode/identity"
)

const (
	dbName           = "peers.db"
	dbFilePermission = 0600
)

var peerBucket = []byte("peers")

// AddressSource names why an address was learned, used to break health
// ties (a manually configured address outranks a gossiped one).
type AddressSource int

const (
	SourceConfigured AddressSource = iota
	SourceGossip
	SourceInbound
)

// Address is one network location a peer has been reached at or
// claimed to be reachable at.
type Address struct {
	Addr          string
	LastSeen      time.Time
	LatencyMillis int64
	FailureCount  int
	Source        AddressSource
}

// Ban records a timed ban applied to a peer.
type Ban struct {
	Until  time.Time
	Reason string
}

// Peer is the persisted and in-memory record for one network peer.
// Invariant: NodeID == hash(PublicKey), enforced by the caller supplying
// an identity.NodeID derived the same way.
type Peer struct {
	NodeID               identity.NodeID
	PublicKey            []byte
	Addresses            []Address
	Features             uint64
	SupportedProtocols   []string
	UserAgent            string
	Ban                  *Ban
	LastConnectedClaim   time.Time
	OffenceCount         int
}

// IsBanned reports whether the peer is presently under a ban.
func (p *Peer) IsBanned(now time.Time) bool {
	return p.Ban != nil && now.Before(p.Ban.Until)
}

// sortAddressesByHealth orders addresses with the most recently
// successful first and the most failure-laden last, per §3's health
// score ordering; remaining ties go by Source.
func sortAddressesByHealth(addrs []Address) {
	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].FailureCount != addrs[j].FailureCount {
			return addrs[i].FailureCount < addrs[j].FailureCount
		}
		if !addrs[i].LastSeen.Equal(addrs[j].LastSeen) {
			return addrs[i].LastSeen.After(addrs[j].LastSeen)
		}
		return addrs[i].Source < addrs[j].Source
	})
}

// Store is the peer index: concurrent-safe reads, single-writer
// mutation, optionally persisted to a bbolt database.
type Store struct {
	mu    sync.RWMutex
	peers map[identity.NodeID]*Peer

	db *bolt.DB
}

// Open creates or loads a peer store at dbPath/peers.db, following the
// teacher's Open/createChannelDB pattern: create the file and its
// top-level bucket if absent, then load every persisted peer into
// memory.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dbPath, dbName)

	db, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, fmt.Errorf("peerstore: open: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peerBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: create bucket: %w", err)
	}

	s := &Store{
		peers: make(map[identity.NodeID]*Peer),
		db:    db,
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewInMemory creates a Store with no persistence, used by tests and
// by ephemeral node configurations.
func NewInMemory() *Store {
	return &Store{peers: make(map[identity.NodeID]*Peer)}
}

func (s *Store) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(peerBucket)
		return b.ForEach(func(k, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("peerstore: decode %x: %w", k, err)
			}
			s.peers[p.NodeID] = &p
			return nil
		})
	})
}

func (s *Store) persist(p *Peer) error {
	if s.db == nil {
		return nil
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peerBucket).Put(nodeIDKey(p.NodeID), buf)
	})
}

func nodeIDKey(id identity.NodeID) []byte {
	key := make([]byte, len(id))
	copy(key, id[:])
	return key
}

// Get returns the peer record for id, or nil if unknown.
func (s *Store) Get(id identity.NodeID) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Upsert inserts or replaces a peer record wholesale, persisting it.
func (s *Store) Upsert(p *Peer) error {
	sortAddressesByHealth(p.Addresses)

	s.mu.Lock()
	s.peers[p.NodeID] = p
	s.mu.Unlock()

	return s.persist(p)
}

// RecordDialSuccess clears the consecutive-failure count for addr and
// moves it to the front of the health ordering (§3, property 9: a
// successful dial strictly reduces the address's failure rank).
func (s *Store) RecordDialSuccess(id identity.NodeID, addr string, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("peerstore: unknown peer %s", id)
	}
	for i := range p.Addresses {
		if p.Addresses[i].Addr == addr {
			p.Addresses[i].FailureCount = 0
			p.Addresses[i].LastSeen = time.Now()
			p.Addresses[i].LatencyMillis = latency.Milliseconds()
		}
	}
	sortAddressesByHealth(p.Addresses)
	return s.persist(p)
}

// RecordDialFailure tags addr with a strictly worse health rank (§3,
// property 9: a failed dial strictly increases the failure rank).
func (s *Store) RecordDialFailure(id identity.NodeID, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("peerstore: unknown peer %s", id)
	}
	for i := range p.Addresses {
		if p.Addresses[i].Addr == addr {
			p.Addresses[i].FailureCount++
		}
	}
	sortAddressesByHealth(p.Addresses)
	return s.persist(p)
}

// RecordOffence increments the peer's offence counter and applies a
// timed ban once it exceeds maxOffences, per §4.C.
func (s *Store) RecordOffence(id identity.NodeID, reason string, maxOffences int, banDuration time.Duration) (banned bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return false, fmt.Errorf("peerstore: unknown peer %s", id)
	}
	p.OffenceCount++
	if p.OffenceCount >= maxOffences {
		p.Ban = &Ban{Until: time.Now().Add(banDuration), Reason: reason}
		banned = true
	}
	return banned, s.persist(p)
}

// BanPeer applies an immediate timed ban regardless of offence count, used
// by the sync state machines on a hard protocol violation (§4.F, §4.G).
func (s *Store) BanPeer(id identity.NodeID, reason string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("peerstore: unknown peer %s", id)
	}
	p.Ban = &Ban{Until: time.Now().Add(duration), Reason: reason}
	return s.persist(p)
}

// HealthySet returns every known peer not presently banned, the
// candidate pool the dialer and sync state machines pick from.
func (s *Store) HealthySet() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if !p.IsBanned(now) {
			out = append(out, p)
		}
	}
	return out
}

// Close releases the underlying database handle, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
