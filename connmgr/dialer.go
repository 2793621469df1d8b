// Package connmgr implements the Dialer: it serialises outbound
// connection attempts per peer, performs the Noise handshake and
// peer-identity exchange, retries with backoff, and emits connection
// events. Structurally this is a Go port of the teacher's upstream
// dialer.rs (DialerRequest enum, one DialState per peer, a cancel
// signal table keyed by node_id, perform_socket_upgrade_procedure),
// using github.com/cenkalti/backoff/v4 for the retry schedule and
// github.com/libp2p/go-yamux/v5 for the post-handshake stream muxer,
// both drawn from the wider example pack rather than the teacher
// itself (the teacher's own comms stack was never retrieved).
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flynn/noise"
	yamux "github.com/libp2p/go-yamux/v5"

	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/identityexchange"
	"github.com/lightningnetwork/basenode/log"
	"github.com/lightningnetwork/basenode/metrics"
	"github.com/lightningnetwork/basenode/noisesocket"
	"github.com/lightningnetwork/basenode/peerstore"
	"github.com/lightningnetwork/basenode/wire"
)

var dialerLog = log.Logger(log.SubsystemDialer)

// Errors named in §7's taxonomy that are specific to the dial path.
var (
	ErrDialedPublicKeyMismatch       = errors.New("connmgr: remote static key does not match peer's known public key")
	ErrDialCancelled                 = errors.New("connmgr: dial cancelled")
	ErrConnectFailedMaximumAttempts  = errors.New("connmgr: maximum dial attempts reached")
)

// Direction names which side opened a PeerConnection.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// PeerConnection is the handle handed to subscribers once a dial or
// inbound accept resolves. Cloning the handle is cheap; the muxer
// session is shared, not duplicated.
type PeerConnection struct {
	PeerNodeID          identity.NodeID
	Direction           Direction
	NegotiatedProtocols []string
	Muxer               *yamux.Session
	CreatedAt           time.Time

	closeOnce sync.Once
}

// Close tears the connection down. Idempotent, per the data model's
// destruction invariant for PeerConnection.
func (c *PeerConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Muxer.Close()
	})
	return err
}

// DialResult is delivered to every reply sink registered against a
// DialState when the attempt resolves.
type DialResult struct {
	Conn *PeerConnection
	Err  error
}

// dialState is the per-peer in-flight-attempt record. The dialer's own
// goroutine for that peer updates attempts; Dial appends reply sinks
// under the Dialer's mutex.
type dialState struct {
	peer       *peerstore.Peer
	attempts   int
	cancel     chan struct{}
	cancelOnce sync.Once
	replySinks []chan DialResult
}

func (d *dialState) addReplySink(ch chan DialResult) {
	d.replySinks = append(d.replySinks, ch)
}

func (d *dialState) resolve(res DialResult) {
	for _, sink := range d.replySinks {
		sink <- res
	}
}

func (d *dialState) requestCancel() {
	d.cancelOnce.Do(func() { close(d.cancel) })
}

// Config bounds the dialer's retry behaviour, mirroring the
// config-surface fields named in SPEC_FULL §6.
type Config struct {
	MaxDialAttempts      int
	PeerDialRetryTimeout time.Duration
	NetworkByte          byte
	MaxOffencesBeforeBan int
	PeerBanDuration      time.Duration
	IdentitySkewTolerance time.Duration
}

// Dialer arbitrates all outbound connection attempts. One Dial future
// exists per peer at a time; duplicate requests register additional
// reply sinks rather than starting a second attempt, satisfying
// property 4 (dialer idempotence).
type Dialer struct {
	cfg Config

	identity       *identity.NodeIdentity
	noiseStaticKey noise.DHKey
	peers          *peerstore.Store
	bus            *events.Bus

	mu     sync.Mutex
	states map[identity.NodeID]*dialState

	dialTransport func(ctx context.Context, addr string) (net.Conn, error)
}

// New constructs a Dialer. dialTransport is injectable so tests can
// substitute an in-memory transport; production code passes a function
// backed by net.Dialer.DialContext.
func New(
	cfg Config,
	id *identity.NodeIdentity,
	noiseStaticKey noise.DHKey,
	peers *peerstore.Store,
	bus *events.Bus,
	dialTransport func(ctx context.Context, addr string) (net.Conn, error),
) *Dialer {
	return &Dialer{
		cfg:            cfg,
		identity:       id,
		noiseStaticKey: noiseStaticKey,
		peers:          peers,
		bus:            bus,
		states:         make(map[identity.NodeID]*dialState),
		dialTransport:  dialTransport,
	}
}

// Dial requests a connection to peer. If an attempt is already in
// flight for this peer, reply is registered against it and no new
// attempt starts. The result (success or terminal failure) is sent to
// reply exactly once.
func (d *Dialer) Dial(peer *peerstore.Peer, reply chan DialResult) {
	d.mu.Lock()
	if st, ok := d.states[peer.NodeID]; ok {
		st.addReplySink(reply)
		d.mu.Unlock()
		return
	}

	st := &dialState{peer: peer, cancel: make(chan struct{})}
	st.addReplySink(reply)
	d.states[peer.NodeID] = st
	d.mu.Unlock()

	go d.runDial(st)
}

// CancelPendingDial cancels any in-flight attempt for nodeID. Safe to
// call even if no attempt is in flight.
func (d *Dialer) CancelPendingDial(nodeID identity.NodeID) {
	d.mu.Lock()
	st, ok := d.states[nodeID]
	d.mu.Unlock()
	if ok {
		st.requestCancel()
	}
}

// NotifyInboundConnected resolves any pending outbound dial for
// nodeID with the inbound connection and cancels the outbound attempt,
// per §4.B's concurrency-with-inbound rule.
func (d *Dialer) NotifyInboundConnected(nodeID identity.NodeID, conn *PeerConnection) {
	d.mu.Lock()
	st, ok := d.states[nodeID]
	d.mu.Unlock()
	if !ok {
		return
	}
	st.requestCancel()
	d.finish(nodeID, st, DialResult{Conn: conn})
}

func (d *Dialer) finish(nodeID identity.NodeID, st *dialState, res DialResult) {
	d.mu.Lock()
	if d.states[nodeID] != st {
		d.mu.Unlock()
		return
	}
	delete(d.states, nodeID)
	d.mu.Unlock()
	st.resolve(res)
}

func (d *Dialer) runDial(st *dialState) {
	peer := st.peer

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = 500 * time.Millisecond
	backoffPolicy.MaxInterval = 30 * time.Second
	backoffPolicy.MaxElapsedTime = 0 // bounded by MaxDialAttempts, not elapsed time

	for attempt := 1; attempt <= d.cfg.MaxDialAttempts; attempt++ {
		select {
		case <-st.cancel:
			d.finish(peer.NodeID, st, DialResult{Err: ErrDialCancelled})
			return
		default:
		}

		st.attempts = attempt
		conn, err := d.attemptOnce(st)
		if err == nil {
			d.finish(peer.NodeID, st, DialResult{Conn: conn})
			metrics.DialAttemptsTotal.WithLabelValues("success").Inc()
			d.bus.Publish(events.Event{
				Kind:    events.KindPeerConnected,
				Payload: events.PeerConnected{NodeID: peer.NodeID.String()},
			})
			return
		}

		if errors.Is(err, ErrDialedPublicKeyMismatch) || errors.Is(err, ErrDialCancelled) {
			d.finish(peer.NodeID, st, DialResult{Err: err})
			d.publishFailure(peer.NodeID, err)
			return
		}

		dialerLog.Warnf("dial attempt %d/%d to %s failed: %v", attempt, d.cfg.MaxDialAttempts, peer.NodeID, err)

		if attempt == d.cfg.MaxDialAttempts {
			break
		}

		delay := backoffPolicy.NextBackOff()
		select {
		case <-time.After(delay):
		case <-st.cancel:
			d.finish(peer.NodeID, st, DialResult{Err: ErrDialCancelled})
			return
		}
	}

	d.finish(peer.NodeID, st, DialResult{Err: ErrConnectFailedMaximumAttempts})
	d.publishFailure(peer.NodeID, ErrConnectFailedMaximumAttempts)
}

func (d *Dialer) publishFailure(nodeID identity.NodeID, err error) {
	metrics.DialAttemptsTotal.WithLabelValues("failure").Inc()
	d.bus.Publish(events.Event{
		Kind: events.KindPeerConnectFailed,
		Payload: events.PeerConnectFailed{
			NodeID: nodeID.String(),
			Reason: err,
		},
	})
}

// attemptOnce walks the peer's addresses in health order, per §4.B's
// algorithm for one attempt.
func (d *Dialer) attemptOnce(st *dialState) (*PeerConnection, error) {
	peer := st.peer

	if len(peer.Addresses) == 0 {
		return nil, fmt.Errorf("connmgr: peer %s has no known addresses", peer.NodeID)
	}

	var lastErr error
	for _, addr := range peer.Addresses {
		select {
		case <-st.cancel:
			return nil, ErrDialCancelled
		default:
		}

		conn, err := d.dialOneAddress(st, addr.Addr)
		if err != nil {
			if errors.Is(err, ErrDialedPublicKeyMismatch) {
				return nil, err
			}
			lastErr = err
			_ = d.peers.RecordDialFailure(peer.NodeID, addr.Addr)
			continue
		}
		_ = d.peers.RecordDialSuccess(peer.NodeID, addr.Addr, 0)
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("connmgr: no addresses attempted")
	}
	return nil, lastErr
}

func (d *Dialer) dialOneAddress(st *dialState, addr string) (*PeerConnection, error) {
	peer := st.peer

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PeerDialRetryTimeout)
	defer cancel()

	// Observe the per-peer cancel signal during in-flight I/O, not
	// just between attempts, per §5's cancellation model.
	go func() {
		select {
		case <-st.cancel:
			cancel()
		case <-ctx.Done():
		}
	}()

	rawConn, err := d.dialTransport(ctx, addr)
	if err != nil {
		select {
		case <-st.cancel:
			return nil, ErrDialCancelled
		default:
		}
		return nil, fmt.Errorf("connmgr: transport dial: %w", err)
	}

	sock, err := noisesocket.UpgradeInitiator(rawConn, d.noiseStaticKey, d.cfg.NetworkByte)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("connmgr: noise handshake: %w", err)
	}

	// Identity exchange authenticates the peer's long-term identity
	// key against this specific Noise session (see identityexchange
	// package doc); the dialer then checks that identity key, not the
	// ephemeral-per-session Noise key, against any previously known
	// public key for this peer (§4.B step 2).
	if err := d.exchangeIdentity(st, sock); err != nil {
		sock.Close()
		return nil, err
	}

	session, err := yamux.Client(sock, yamux.DefaultConfig())
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("connmgr: yamux upgrade: %w", err)
	}

	return &PeerConnection{
		PeerNodeID: peer.NodeID,
		Direction:  DirectionOutbound,
		Muxer:      session,
		CreatedAt:  time.Now(),
	}, nil
}

// exchangeIdentity sends this node's claim and validates the peer's,
// per §4.C. A validation failure is an offence, not merely a transport
// error: it is recorded against the peer store and may trigger a ban.
func (d *Dialer) exchangeIdentity(st *dialState, sock *noisesocket.Socket) error {
	peer := st.peer

	localClaim := identityexchange.BuildClaim(
		d.identity, d.noiseStaticKey.Public, d.identity.AdvertisedAddresses,
		nil, "basenode/0.1", d.cfg.NetworkByte, time.Now(),
	)
	if err := wire.WriteEnvelope(sock, wire.Envelope{IsSynced: true, Body: localClaim}); err != nil {
		return fmt.Errorf("connmgr: send identity claim: %w", err)
	}
	if err := sock.Flush(); err != nil {
		return fmt.Errorf("connmgr: flush identity claim: %w", err)
	}

	env, err := wire.ReadEnvelope(sock)
	if err != nil {
		return fmt.Errorf("connmgr: read identity claim: %w", err)
	}
	remoteClaim, ok := env.Body.(*wire.PeerIdentityMsg)
	if !ok {
		return errors.New("connmgr: expected peer identity message")
	}

	result, verr := identityexchange.Validate(
		remoteClaim, sock.RemoteStaticPublicKey(), d.cfg.NetworkByte,
		d.cfg.IdentitySkewTolerance, time.Now(),
	)
	if verr != nil {
		banned, banErr := d.peers.RecordOffence(peer.NodeID, verr.Error(), d.cfg.MaxOffencesBeforeBan, d.cfg.PeerBanDuration)
		if banErr == nil && banned {
			d.bus.Publish(events.Event{
				Kind:    events.KindPeerBanned,
				Payload: events.PeerBanned{NodeID: peer.NodeID.String(), Reason: verr.Error()},
			})
		}
		return verr
	}

	if len(peer.PublicKey) > 0 && !publicKeyMatches(peer.PublicKey, result.PublicKey) {
		return ErrDialedPublicKeyMismatch
	}
	if len(peer.PublicKey) == 0 {
		peer.PublicKey = result.PublicKey
		_ = d.peers.Upsert(peer)
	}
	return nil
}

func publicKeyMatches(known, presented []byte) bool {
	if len(known) != len(presented) {
		return false
	}
	for i := range known {
		if known[i] != presented[i] {
			return false
		}
	}
	return true
}
