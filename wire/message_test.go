package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/basenode/chainstore"
)

func TestEnvelopeRoundTripFetchHeaders(t *testing.T) {
	env := Envelope{
		IsSynced: true,
		Body:     &FetchHeaders{Heights: []uint64{1, 3, 5}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.True(t, got.IsSynced)
	require.Equal(t, env.Body, got.Body)
}

func TestEnvelopeRoundTripHeaders(t *testing.T) {
	h := chainstore.BlockHeader{
		Height:        5,
		KernelMMRSize: 10,
		OutputMMRSize: 20,
	}
	env := Envelope{Body: &Headers{Headers: []chainstore.BlockHeader{h}}}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.False(t, got.IsSynced)

	decoded, ok := got.Body.(*Headers)
	require.True(t, ok)
	require.Len(t, decoded.Headers, 1)
	require.Equal(t, h.Height, decoded.Headers[0].Height)
	require.Equal(t, h.Hash, decoded.Headers[0].Hash)
}

func TestEnvelopeRoundTripNewBlockAnnounce(t *testing.T) {
	env := Envelope{Body: &NewBlockAnnounce{Hash: [32]byte{1, 2, 3}}}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, env.Body, got.Body)
}

func TestReadEnvelopeUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFE, 0})

	_, err := ReadEnvelope(&buf)
	require.Error(t, err)

	var unknown *UnknownMessage
	require.ErrorAs(t, err, &unknown)
}

func TestFetchMatchingUtxosEmptyRoundTrip(t *testing.T) {
	env := Envelope{Body: &FetchMatchingUtxos{Hashes: nil}}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	decoded, ok := got.Body.(*FetchMatchingUtxos)
	require.True(t, ok)
	require.Empty(t, decoded.Hashes)
}
