// Package identityexchange validates the peer-identity claim exchanged
// immediately after a Noise socket reaches transport mode (§4.C),
// following the teacher's discovery/validation.go pattern of hashing a
// canonical byte encoding and verifying a signature over it against a
// public key, generalized here to also bind the claim to this specific
// session's Noise static key the way libp2p's Noise transport binds a
// peer's long-term identity key to its per-connection handshake key
// (the pattern demonstrated in the go-libp2p example package): the
// signed payload includes the remote static key bytes, so a claim
// cannot be replayed over a different Noise session.
package identityexchange

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/wire"
)

// Offence classifies which validation rule a claim violated, each
// incrementing the peer's offence counter per §4.C.
type Offence int

const (
	OffenceNone Offence = iota
	OffenceBadSignature
	OffenceTimestampSkew
	OffenceMalformedAddress
	OffenceWrongNetwork
)

func (o Offence) String() string {
	switch o {
	case OffenceBadSignature:
		return "bad_signature"
	case OffenceTimestampSkew:
		return "timestamp_skew"
	case OffenceMalformedAddress:
		return "malformed_address"
	case OffenceWrongNetwork:
		return "wrong_network"
	default:
		return "none"
	}
}

// ValidationError carries the offence classification alongside the
// underlying reason, so the caller can both log a message and
// increment the right peer-store counter.
type ValidationError struct {
	Offence Offence
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("identityexchange: %s: %s", e.Offence, e.Reason)
}

var errEmptyAddress = errors.New("identityexchange: empty address")

// dataToSign reproduces the exact byte sequence the claim is signed
// over: the session's Noise static key, then addresses, then features
// and timestamp. Binding the Noise key into the signed payload is what
// makes the claim "verify against the authenticated Noise static
// public key" per §4.C: a claim signed for one session cannot be
// replayed over another.
func dataToSign(noiseStaticKey []byte, addresses []string, features uint64, timestamp uint64) []byte {
	var buf bytes.Buffer
	buf.Write(noiseStaticKey)
	for _, a := range addresses {
		buf.WriteString(a)
		buf.WriteByte(0)
	}
	var numBuf [16]byte
	binary.BigEndian.PutUint64(numBuf[:8], features)
	binary.BigEndian.PutUint64(numBuf[8:], timestamp)
	buf.Write(numBuf[:])
	return buf.Bytes()
}

// dedupeAddresses collapses duplicate addresses, preserving first-seen
// order, per §4.C ("duplicates collapsed").
func dedupeAddresses(addrs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" {
			return nil, errEmptyAddress
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

// Result is the outcome of a successful Validate call.
type Result struct {
	NodeID    identity.NodeID
	PublicKey []byte
	Addresses []string
}

// Validate checks a peer's identity message against the Noise static
// key the message was received over, the local network byte, and a
// clock-skew tolerance.
func Validate(
	msg *wire.PeerIdentityMsg,
	localNoiseStaticKey []byte,
	localNetworkByte byte,
	skewTolerance time.Duration,
	now time.Time,
) (*Result, *ValidationError) {
	if msg.NetworkByte != localNetworkByte {
		return nil, &ValidationError{OffenceWrongNetwork, "network byte mismatch"}
	}

	claimTime := time.Unix(int64(msg.ClaimTimestamp), 0)
	skew := now.Sub(claimTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > skewTolerance {
		return nil, &ValidationError{OffenceTimestampSkew, fmt.Sprintf("skew %s exceeds tolerance %s", skew, skewTolerance)}
	}

	addrs, err := dedupeAddresses(msg.Addresses)
	if err != nil {
		return nil, &ValidationError{OffenceMalformedAddress, err.Error()}
	}

	pub, err := identity.ParsePublicKey(msg.IdentityPublicKey)
	if err != nil {
		return nil, &ValidationError{OffenceBadSignature, err.Error()}
	}

	// The signer's own session key is the Noise key *they* presented,
	// which is the remote static key as observed locally.
	data := dataToSign(localNoiseStaticKey, msg.Addresses, msg.Features, msg.ClaimTimestamp)
	if !identity.VerifySignature(pub, data, msg.Signature) {
		return nil, &ValidationError{OffenceBadSignature, "signature does not verify"}
	}

	return &Result{
		NodeID:    deriveNodeID(msg.IdentityPublicKey),
		PublicKey: msg.IdentityPublicKey,
		Addresses: addrs,
	}, nil
}

func deriveNodeID(pubKey []byte) identity.NodeID {
	pub, err := identity.ParsePublicKey(pubKey)
	if err != nil {
		return identity.NodeID{}
	}
	return sha256.Sum256(pub.SerializeCompressed())
}

// BuildClaim constructs the PeerIdentityMsg this node sends after its
// own Noise socket reaches transport mode, signing over that socket's
// local static key.
func BuildClaim(
	id *identity.NodeIdentity,
	localNoiseStaticKey []byte,
	addresses []string,
	supportedProtocols []string,
	userAgent string,
	networkByte byte,
	now time.Time,
) *wire.PeerIdentityMsg {
	ts := uint64(now.Unix())
	data := dataToSign(localNoiseStaticKey, addresses, id.Features, ts)
	return &wire.PeerIdentityMsg{
		IdentityPublicKey:  id.PublicKey.SerializeCompressed(),
		Addresses:          addresses,
		Features:           id.Features,
		Signature:          id.Sign(data),
		ClaimTimestamp:     ts,
		SupportedProtocols: supportedProtocols,
		UserAgent:          userAgent,
		NetworkByte:        networkByte,
	}
}
