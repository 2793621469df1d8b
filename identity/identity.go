// Package identity implements the process-wide NodeIdentity: the
// private/public keypair and derived node_id this node presents to
// every peer, immutable once created. Key handling follows the
// teacher's use of a single secp256k1 keypair per channel identity
// (lnwallet/reservation.go's funding-key generation), generalised here
// to the top-level peer identity rather than a per-channel key.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// NodeID is the hash of a node's public key, used as its stable address
// on the network.
type NodeID [32]byte

func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:8])
}

// deriveNodeID hashes the compressed public key encoding, per the data
// model invariant node_id == hash(public_key).
func deriveNodeID(pub *secp256k1.PublicKey) NodeID {
	return sha256.Sum256(pub.SerializeCompressed())
}

// NodeIdentity is created once at startup and never mutated afterward.
type NodeIdentity struct {
	PrivateKey          *secp256k1.PrivateKey
	PublicKey           *secp256k1.PublicKey
	NodeID              NodeID
	AdvertisedAddresses []string
	Features            uint64
}

// Generate creates a fresh NodeIdentity with a random keypair.
func Generate(advertisedAddresses []string, features uint64) (*NodeIdentity, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return FromPrivateKey(priv, advertisedAddresses, features), nil
}

// FromPrivateKey builds a NodeIdentity from an existing key, the path
// used when loading a persisted identity from disk on restart.
func FromPrivateKey(priv *secp256k1.PrivateKey, advertisedAddresses []string, features uint64) *NodeIdentity {
	pub := priv.PubKey()
	return &NodeIdentity{
		PrivateKey:          priv,
		PublicKey:           pub,
		NodeID:              deriveNodeID(pub),
		AdvertisedAddresses: advertisedAddresses,
		Features:            features,
	}
}

// Sign produces a Schnorr-free ECDSA signature over data, used for the
// peer-identity claim signature in §4.C.
func (n *NodeIdentity) Sign(data []byte) []byte {
	hash := sha256.Sum256(data)
	sig := secp256k1.SignCompact(n.PrivateKey, hash[:], true)
	return sig
}

// VerifySignature checks a signature produced by Sign against the
// given public key, used by identityexchange to authenticate a claim
// against the Noise-authenticated remote static key.
func VerifySignature(pub *secp256k1.PublicKey, data, sig []byte) bool {
	hash := sha256.Sum256(data)
	recoveredPub, _, err := secp256k1.RecoverCompact(sig, hash[:])
	if err != nil {
		return false
	}
	return recoveredPub.IsEqual(pub)
}

// ParsePublicKey decodes a compressed secp256k1 public key, the format
// a peer-identity claim carries its identity key in.
func ParsePublicKey(b []byte) (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}
