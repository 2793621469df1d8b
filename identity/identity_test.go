package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateDerivesNodeIDFromPublicKey(t *testing.T) {
	id, err := Generate([]string{"127.0.0.1:9000"}, 1)
	require.NoError(t, err)
	require.Equal(t, deriveNodeID(id.PublicKey), id.NodeID)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate(nil, 0)
	require.NoError(t, err)

	data := []byte("addresses||features||timestamp")
	sig := id.Sign(data)

	require.True(t, VerifySignature(id.PublicKey, data, sig))
}

func TestVerifySignatureRejectsTamperedData(t *testing.T) {
	id, err := Generate(nil, 0)
	require.NoError(t, err)

	sig := id.Sign([]byte("original"))
	require.False(t, VerifySignature(id.PublicKey, []byte("tampered"), sig))
}

func TestVerifySignatureRejectsWrongKey(t *testing.T) {
	alice, err := Generate(nil, 0)
	require.NoError(t, err)
	bob, err := Generate(nil, 0)
	require.NoError(t, err)

	data := []byte("claim")
	sig := alice.Sign(data)

	require.False(t, VerifySignature(bob.PublicKey, data, sig))
}
