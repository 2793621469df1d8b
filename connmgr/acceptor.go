package connmgr

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"
	yamux "github.com/libp2p/go-yamux/v5"

	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/identityexchange"
	"github.com/lightningnetwork/basenode/noisesocket"
	"github.com/lightningnetwork/basenode/peerstore"
	"github.com/lightningnetwork/basenode/wire"
)

// Acceptor is the symmetric inbound counterpart to Dialer: it accepts
// raw connections, runs the Noise responder handshake and identity
// exchange, and hands the result to the Dialer (to resolve any pending
// outbound attempt for the same peer, per §4.B) and to the peer store.
type Acceptor struct {
	cfg            Config
	identity       *identity.NodeIdentity
	noiseStaticKey noise.DHKey
	peers          *peerstore.Store
	bus            *events.Bus
	dialer         *Dialer
}

// NewAcceptor constructs an Acceptor sharing the Dialer's
// configuration and identity.
func NewAcceptor(
	cfg Config,
	id *identity.NodeIdentity,
	noiseStaticKey noise.DHKey,
	peers *peerstore.Store,
	bus *events.Bus,
	dialer *Dialer,
) *Acceptor {
	return &Acceptor{
		cfg: cfg, identity: id, noiseStaticKey: noiseStaticKey,
		peers: peers, bus: bus, dialer: dialer,
	}
}

// Serve accepts connections from ln until it returns an error (e.g. on
// listener close), handling each on its own goroutine.
func (a *Acceptor) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go a.handleConn(conn)
	}
}

func (a *Acceptor) handleConn(conn net.Conn) {
	pc, err := a.upgrade(conn)
	if err != nil {
		conn.Close()
		return
	}

	a.dialer.NotifyInboundConnected(pc.PeerNodeID, pc)
	a.bus.Publish(events.Event{
		Kind:    events.KindPeerConnected,
		Payload: events.PeerConnected{NodeID: pc.PeerNodeID.String()},
	})
}

func (a *Acceptor) upgrade(conn net.Conn) (*PeerConnection, error) {
	sock, err := noisesocket.UpgradeResponder(conn, a.noiseStaticKey, a.cfg.NetworkByte)
	if err != nil {
		return nil, fmt.Errorf("connmgr: noise handshake: %w", err)
	}

	result, err := a.exchangeIdentity(sock)
	if err != nil {
		sock.Close()
		return nil, err
	}

	session, err := yamux.Server(sock, yamux.DefaultConfig())
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("connmgr: yamux upgrade: %w", err)
	}

	return &PeerConnection{
		PeerNodeID: result.NodeID,
		Direction:  DirectionInbound,
		Muxer:      session,
		CreatedAt:  time.Now(),
	}, nil
}

func (a *Acceptor) exchangeIdentity(sock *noisesocket.Socket) (*identityexchange.Result, error) {
	env, err := wire.ReadEnvelope(sock)
	if err != nil {
		return nil, fmt.Errorf("connmgr: read identity claim: %w", err)
	}
	remoteClaim, ok := env.Body.(*wire.PeerIdentityMsg)
	if !ok {
		return nil, errors.New("connmgr: expected peer identity message")
	}

	result, verr := identityexchange.Validate(
		remoteClaim, sock.RemoteStaticPublicKey(), a.cfg.NetworkByte,
		a.cfg.IdentitySkewTolerance, time.Now(),
	)
	if verr != nil {
		// The peer's identity never validated, so there is no known
		// peer-store record to charge the offence against yet; the
		// connection is simply dropped.
		return nil, verr
	}

	if existing := a.peers.Get(result.NodeID); existing == nil {
		_ = a.peers.Upsert(&peerstore.Peer{
			NodeID:    result.NodeID,
			PublicKey: result.PublicKey,
			Addresses: addressesFromClaim(result.Addresses),
		})
	}

	localClaim := identityexchange.BuildClaim(
		a.identity, a.noiseStaticKey.Public, a.identity.AdvertisedAddresses,
		nil, "basenode/0.1", a.cfg.NetworkByte, time.Now(),
	)
	if err := wire.WriteEnvelope(sock, wire.Envelope{IsSynced: true, Body: localClaim}); err != nil {
		return nil, fmt.Errorf("connmgr: send identity claim: %w", err)
	}
	if err := sock.Flush(); err != nil {
		return nil, fmt.Errorf("connmgr: flush identity claim: %w", err)
	}

	return result, nil
}

func addressesFromClaim(addrs []string) []peerstore.Address {
	out := make([]peerstore.Address, len(addrs))
	for i, a := range addrs {
		out[i] = peerstore.Address{Addr: a, Source: peerstore.SourceGossip}
	}
	return out
}
