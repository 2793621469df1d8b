package noisesocket

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func handshakePair(t *testing.T) (*Socket, *Socket) {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	initKey, err := GenerateKeypair()
	require.NoError(t, err)
	respKey, err := GenerateKeypair()
	require.NoError(t, err)

	var (
		initiator, responder *Socket
		initErr, respErr     error
		wg                   sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		initiator, initErr = UpgradeInitiator(clientConn, initKey, 0x4D)
	}()
	go func() {
		defer wg.Done()
		responder, respErr = UpgradeResponder(serverConn, respKey, 0x4D)
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)

	return initiator, responder
}

func TestHandshakeMutualKeyKnowledge(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	require.NotEmpty(t, initiator.RemoteStaticPublicKey())
	require.NotEmpty(t, responder.RemoteStaticPublicKey())
}

func TestFramingRoundTrip(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	payload := bytes.Repeat([]byte("a"), MaxPayloadLength*2+17)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := initiator.Write(payload)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
		require.NoError(t, initiator.Flush())
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		n, err := responder.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	wg.Wait()

	require.Equal(t, payload, got)
}

func TestInterleavedWritesDoNotCrossTalk(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := initiator.Write([]byte("ping"))
			require.NoError(t, err)
			require.NoError(t, initiator.Flush())
		}
	}()

	var received bytes.Buffer
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		for received.Len() < 50*len("ping") {
			n, err := responder.Read(buf)
			require.NoError(t, err)
			received.Write(buf[:n])
		}
	}()

	wg.Wait()
	require.Equal(t, bytes.Repeat([]byte("ping"), 50), received.Bytes())
}

func TestCleanCloseIsEOF(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer responder.Close()

	require.NoError(t, initiator.Close())

	buf := make([]byte, 16)
	_, err := responder.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
