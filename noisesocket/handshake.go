package noisesocket

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
)

// handshakePattern is Noise IX: the initiator sends (e, s) in its only
// message, the responder replies with (e, ee, se, s, es); transport
// mode begins immediately after, a single round trip.
var handshakePattern = noise.HandshakeIX

// writeHandshakeMessage/readHandshakeMessage frame handshake messages
// with the same 16-bit length prefix as transport frames, since
// handshake payloads are not yet encrypted and need no Noise tag
// allowance.
func writeHandshakeMessage(w io.Writer, msg []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMessage(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// exchangeNetworkByte writes the local network byte and reads the
// peer's, used to reject mis-wired peers before any Noise traffic.
func exchangeNetworkByte(conn net.Conn, networkByte byte) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte{networkByte})
		errCh <- err
	}()

	var remote [1]byte
	if _, err := io.ReadFull(conn, remote[:]); err != nil {
		<-errCh
		return fmt.Errorf("noisesocket: network byte read: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("noisesocket: network byte write: %w", err)
	}
	if remote[0] != networkByte {
		return fmt.Errorf("noisesocket: network byte mismatch: got %x want %x", remote[0], networkByte)
	}
	return nil
}

// UpgradeInitiator performs the outbound handshake: network byte
// exchange, then Noise IX as initiator. Returns a transport-mode
// Socket on success.
func UpgradeInitiator(conn net.Conn, staticKeypair noise.DHKey, networkByte byte) (*Socket, error) {
	if err := exchangeNetworkByte(conn, networkByte); err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       handshakePattern,
		Initiator:     true,
		StaticKeypair: staticKeypair,
	})
	if err != nil {
		return nil, fmt.Errorf("noisesocket: new handshake state: %w", err)
	}

	// Message 1: (e, s), sent to responder.
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisesocket: write message 1: %w", err)
	}
	if err := writeHandshakeMessage(conn, msg1); err != nil {
		return nil, err
	}

	// Message 2: (e, ee, se, s, es), from responder; handshake completes.
	msg2, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("noisesocket: read message 2: %w", err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("noisesocket: noise handshake: %w", err)
	}

	// cs1 encrypts initiator->responder traffic; cs2 decrypts
	// responder->initiator traffic.
	return &Socket{
		conn:   conn,
		send:   cs1,
		recv:   cs2,
		remote: hs.PeerStatic(),
	}, nil
}

// UpgradeResponder performs the inbound handshake as the Noise
// responder.
func UpgradeResponder(conn net.Conn, staticKeypair noise.DHKey, networkByte byte) (*Socket, error) {
	if err := exchangeNetworkByte(conn, networkByte); err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       handshakePattern,
		Initiator:     false,
		StaticKeypair: staticKeypair,
	})
	if err != nil {
		return nil, fmt.Errorf("noisesocket: new handshake state: %w", err)
	}

	msg1, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("noisesocket: read message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("noisesocket: noise handshake: %w", err)
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisesocket: write message 2: %w", err)
	}
	if err := writeHandshakeMessage(conn, msg2); err != nil {
		return nil, err
	}

	// cs1 decrypts initiator->responder traffic for the responder;
	// cs2 encrypts responder->initiator traffic.
	return &Socket{
		conn:   conn,
		send:   cs2,
		recv:   cs1,
		remote: hs.PeerStatic(),
	}, nil
}
