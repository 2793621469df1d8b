package identityexchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/basenode/identity"
)

func TestBuildClaimValidatesRoundTrip(t *testing.T) {
	id, err := identity.Generate([]string{"10.0.0.1:9000"}, 7)
	require.NoError(t, err)

	noiseKey := []byte("session-static-key-bytes-32byte")
	now := time.Now()

	claim := BuildClaim(id, noiseKey, []string{"10.0.0.1:9000", "10.0.0.1:9000"}, []string{"sync/1"}, "basenode/0.1", 0x4D, now)

	result, verr := Validate(claim, noiseKey, 0x4D, time.Minute, now)
	require.Nil(t, verr)
	require.Equal(t, []string{"10.0.0.1:9000"}, result.Addresses, "duplicate address collapsed")
	require.Equal(t, id.PublicKey.SerializeCompressed(), result.PublicKey)
}

func TestValidateRejectsWrongNetworkByte(t *testing.T) {
	id, err := identity.Generate(nil, 0)
	require.NoError(t, err)

	noiseKey := []byte("session-key")
	now := time.Now()
	claim := BuildClaim(id, noiseKey, nil, nil, "", 0x4D, now)

	_, verr := Validate(claim, noiseKey, 0x01, time.Minute, now)
	require.NotNil(t, verr)
	require.Equal(t, OffenceWrongNetwork, verr.Offence)
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	id, err := identity.Generate(nil, 0)
	require.NoError(t, err)

	noiseKey := []byte("session-key")
	past := time.Now().Add(-time.Hour)
	claim := BuildClaim(id, noiseKey, nil, nil, "", 0x4D, past)

	_, verr := Validate(claim, noiseKey, 0x4D, time.Minute, time.Now())
	require.NotNil(t, verr)
	require.Equal(t, OffenceTimestampSkew, verr.Offence)
}

func TestValidateRejectsDifferentSession(t *testing.T) {
	id, err := identity.Generate(nil, 0)
	require.NoError(t, err)

	now := time.Now()
	claim := BuildClaim(id, []byte("session-a"), nil, nil, "", 0x4D, now)

	_, verr := Validate(claim, []byte("session-b"), 0x4D, time.Minute, now)
	require.NotNil(t, verr)
	require.Equal(t, OffenceBadSignature, verr.Offence)
}
