package connmgr

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/identityexchange"
	"github.com/lightningnetwork/basenode/noisesocket"
	"github.com/lightningnetwork/basenode/peerstore"
	"github.com/lightningnetwork/basenode/wire"
)

func testDialer(t *testing.T, cfg Config, dialTransport func(ctx context.Context, addr string) (net.Conn, error)) (*Dialer, *peerstore.Store) {
	t.Helper()

	id, err := identity.Generate(nil, 0)
	require.NoError(t, err)
	noiseKey, err := noisesocket.GenerateKeypair()
	require.NoError(t, err)

	store := peerstore.NewInMemory()
	bus := events.NewBus(16)

	return New(cfg, id, noiseKey, store, bus, dialTransport), store
}

func addTestPeer(t *testing.T, store *peerstore.Store, addrs ...string) *peerstore.Peer {
	t.Helper()
	id, err := identity.Generate(nil, 0)
	require.NoError(t, err)

	addresses := make([]peerstore.Address, len(addrs))
	for i, a := range addrs {
		addresses[i] = peerstore.Address{Addr: a}
	}
	p := &peerstore.Peer{NodeID: id.NodeID, Addresses: addresses}
	require.NoError(t, store.Upsert(p))
	return p
}

func TestDialIdempotenceSingleInFlightAttempt(t *testing.T) {
	var dialCount int32
	block := make(chan struct{})

	cfg := Config{MaxDialAttempts: 3, PeerDialRetryTimeout: time.Second}
	dialer, store := testDialer(t, cfg, func(ctx context.Context, addr string) (net.Conn, error) {
		atomic.AddInt32(&dialCount, 1)
		<-block
		return nil, errors.New("refused")
	})
	peer := addTestPeer(t, store, "10.0.0.1:9000")

	const n = 5
	replies := make([]chan DialResult, n)
	for i := 0; i < n; i++ {
		replies[i] = make(chan DialResult, 1)
		dialer.Dial(peer, replies[i])
	}

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&dialCount), "only one transport-level dial should be in flight")

	close(block)

	for i := 0; i < n; i++ {
		select {
		case res := <-replies[i]:
			require.Error(t, res.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("reply sink never resolved")
		}
	}
}

func TestDialCancelResolvesWithDialCancelled(t *testing.T) {
	cfg := Config{MaxDialAttempts: 10, PeerDialRetryTimeout: time.Hour}
	dialer, store := testDialer(t, cfg, func(ctx context.Context, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	peer := addTestPeer(t, store, "10.0.0.1:9000")

	reply := make(chan DialResult, 1)
	dialer.Dial(peer, reply)

	time.Sleep(20 * time.Millisecond)
	dialer.CancelPendingDial(peer.NodeID)

	select {
	case res := <-reply:
		require.ErrorIs(t, res.Err, ErrDialCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("dial did not resolve after cancel")
	}
}

func TestRetryExhaustionMakesExactlyMaxAttempts(t *testing.T) {
	var dialCount int32
	cfg := Config{MaxDialAttempts: 3, PeerDialRetryTimeout: 100 * time.Millisecond}
	dialer, store := testDialer(t, cfg, func(ctx context.Context, addr string) (net.Conn, error) {
		atomic.AddInt32(&dialCount, 1)
		return nil, errors.New("refused")
	})
	peer := addTestPeer(t, store, "10.0.0.1:9000")

	reply := make(chan DialResult, 1)
	dialer.Dial(peer, reply)

	select {
	case res := <-reply:
		require.ErrorIs(t, res.Err, ErrConnectFailedMaximumAttempts)
	case <-time.After(10 * time.Second):
		t.Fatal("dial never exhausted retries")
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&dialCount))
}

// TestDialAbortsRemainingAddressesOnPublicKeyMismatch is scenario S6:
// a peer whose identity claim verifies but presents a different
// long-term public key than the one already on file must fail the
// dial with ErrDialedPublicKeyMismatch, and attemptOnce must not try
// the peer's remaining addresses afterward.
func TestDialAbortsRemainingAddressesOnPublicKeyMismatch(t *testing.T) {
	remoteID, err := identity.Generate(nil, 0)
	require.NoError(t, err)
	knownID, err := identity.Generate(nil, 0)
	require.NoError(t, err)

	var dialCount int32
	cfg := Config{
		MaxDialAttempts:       3,
		PeerDialRetryTimeout:  2 * time.Second,
		IdentitySkewTolerance: time.Minute,
	}
	dialer, store := testDialer(t, cfg, func(ctx context.Context, addr string) (net.Conn, error) {
		atomic.AddInt32(&dialCount, 1)
		clientConn, serverConn := net.Pipe()
		go serveMismatchedIdentity(t, serverConn, remoteID)
		return clientConn, nil
	})

	peer := addTestPeer(t, store, "10.0.0.1:9000", "10.0.0.2:9000")
	peer.PublicKey = knownID.PublicKey.SerializeCompressed()
	require.NoError(t, store.Upsert(peer))

	reply := make(chan DialResult, 1)
	dialer.Dial(peer, reply)

	select {
	case res := <-reply:
		require.ErrorIs(t, res.Err, ErrDialedPublicKeyMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("dial never resolved")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&dialCount), "second address must never be attempted after a key mismatch")
}

// serveMismatchedIdentity runs the remote side of a Noise handshake
// plus identity exchange, presenting a validly-signed claim for id
// (distinct from whatever public key the dialer already has on file).
func serveMismatchedIdentity(t *testing.T, conn net.Conn, id *identity.NodeIdentity) {
	t.Helper()

	respKey, err := noisesocket.GenerateKeypair()
	if err != nil {
		conn.Close()
		return
	}
	sock, err := noisesocket.UpgradeResponder(conn, respKey, 0)
	if err != nil {
		return
	}
	defer sock.Close()

	if _, err := wire.ReadEnvelope(sock); err != nil {
		return
	}

	claim := identityexchange.BuildClaim(id, respKey.Public, nil, nil, "test/0.1", 0, time.Now())
	if err := wire.WriteEnvelope(sock, wire.Envelope{IsSynced: true, Body: claim}); err != nil {
		return
	}
	sock.Flush()
}
