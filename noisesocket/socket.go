// Package noisesocket implements the Framed Noise Socket: a symmetric
// encrypted byte stream over a net.Conn transport, using
// 16-bit length-prefixed frames and a Noise IX handshake. It is a
// direct Go port of the read/write state machines in the teacher's
// upstream Noise socket (same ReadLen/ReadFrame/CopyDecrypted and
// BufferData/WriteLen/WriteFrame/Flush phases), built on
// github.com/flynn/noise instead of snow since that is the Noise
// implementation present across the retrieved example pack.
package noisesocket

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/flynn/noise"

	"github.com/lightningnetwork/basenode/log"
)

// MaxPayloadLength is the largest plaintext payload a single frame can
// carry: the Noise transport tag consumes 16 of the 65535 bytes a
// 16-bit length prefix can address.
const MaxPayloadLength = 65535 - 16

// maxFrameLength is the largest LEN value legal on the wire.
const maxFrameLength = 65535

var (
	// ErrDecryption is returned once a frame fails to decrypt; the
	// socket is terminally broken afterward, per §4.A.
	ErrDecryption = errors.New("noisesocket: decryption failed")
	// ErrUnexpectedEOF mirrors the spec's distinction between a clean
	// remote close (EOF at offset 0 of ReadLen) and a torn connection.
	ErrUnexpectedEOF = errors.New("noisesocket: unexpected eof mid-frame")
	// ErrPublicKeyMismatch names a remote static key that differs from
	// the one a caller expected. UpgradeInitiator and UpgradeResponder
	// take no expected key and never return it.
	ErrPublicKeyMismatch = errors.New("noisesocket: remote static key mismatch")
	// ErrClosed is returned by Read/Write after a terminal error or
	// explicit Close.
	ErrClosed = errors.New("noisesocket: socket closed")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// GenerateKeypair creates a fresh X25519 static keypair for the Noise
// layer. The comms identity key (identity.NodeIdentity, secp256k1) and
// this transport key are deliberately separate: the peer-identity
// claim signed with the comms key is what binds the two together, per
// §4.C ("signature must verify against the authenticated Noise static
// public key" pins the claim to whichever key this socket presents).
func GenerateKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(nil)
}

// readState names the phases of Socket.Read's state machine, kept as
// an explicit field (rather than folded into Go's natural blocking
// call stack) so the terminal states (eof, decryptionError) are
// observable the same way the upstream implementation observes them.
type readState int

const (
	readInit readState = iota
	readEOF
	readDecryptionError
)

type writeState int

const (
	writeInit writeState = iota
	writeEOF
)

// Socket is a Noise-encrypted, length-framed duplex stream.
type Socket struct {
	conn   net.Conn
	send   *noise.CipherState
	recv   *noise.CipherState
	remote []byte

	readState  readState
	readBuf    []byte // decrypted plaintext not yet consumed by Read
	readOffset int

	writeState  writeState
	writeBuf    []byte // buffered plaintext awaiting Flush
	closed      bool
}

// RemoteStaticPublicKey returns the X25519 public key the peer
// presented during the handshake.
func (s *Socket) RemoteStaticPublicKey() []byte {
	return s.remote
}

// Read implements io.Reader. It walks Init -> ReadLen -> ReadFrame ->
// CopyDecrypted -> Init, returning plaintext bytes from one decrypted
// frame at a time.
func (s *Socket) Read(p []byte) (int, error) {
	if s.closed || s.readState == readEOF {
		return 0, io.EOF
	}
	if s.readState == readDecryptionError {
		return 0, ErrDecryption
	}

	if s.readOffset < len(s.readBuf) {
		n := copy(p, s.readBuf[s.readOffset:])
		s.readOffset += n
		return n, nil
	}

	frame, err := s.readFrame()
	if err != nil {
		return 0, err
	}
	if len(frame) == 0 {
		// Legal empty frame; conveys no plaintext. Caller should retry.
		return 0, nil
	}

	plain, err := s.recv.Decrypt(frame[:0], nil, frame)
	if err != nil {
		s.readState = readDecryptionError
		log.Logger(log.SubsystemNoise).Errorf("frame decryption failed: %v", err)
		return 0, ErrDecryption
	}

	n := copy(p, plain)
	if n < len(plain) {
		s.readBuf = plain
		s.readOffset = n
	} else {
		s.readBuf = nil
		s.readOffset = 0
	}
	return n, nil
}

// readFrame implements ReadLen -> ReadFrame: read the 2-byte length
// prefix, then exactly that many ciphertext bytes.
func (s *Socket) readFrame() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		if err == io.EOF {
			// EOF observed with offset == 0 in ReadLen: clean close.
			s.readState = readEOF
			return nil, io.EOF
		}
		return nil, ErrUnexpectedEOF
	}

	frameLen := binary.BigEndian.Uint16(lenBuf[:])
	if frameLen == 0 {
		return nil, nil
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(s.conn, frame); err != nil {
		return nil, ErrUnexpectedEOF
	}
	return frame, nil
}

// Write implements io.Writer. It buffers plaintext up to
// MaxPayloadLength, walking BufferData -> WriteLen -> WriteFrame ->
// Flush -> Init whenever the buffer fills or Flush is called
// explicitly.
func (s *Socket) Write(p []byte) (int, error) {
	if s.closed || s.writeState == writeEOF {
		return 0, ErrClosed
	}

	written := 0
	for len(p) > 0 {
		room := MaxPayloadLength - len(s.writeBuf)
		n := len(p)
		if n > room {
			n = room
		}
		s.writeBuf = append(s.writeBuf, p[:n]...)
		p = p[n:]
		written += n

		if len(s.writeBuf) >= MaxPayloadLength {
			if err := s.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush forces any buffered plaintext to be encrypted and emitted as a
// single frame.
func (s *Socket) Flush() error {
	if len(s.writeBuf) == 0 {
		return nil
	}

	ciphertext := s.send.Encrypt(nil, nil, s.writeBuf)
	s.writeBuf = s.writeBuf[:0]

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ciphertext)))

	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		s.writeState = writeEOF
		return err
	}
	if _, err := s.conn.Write(ciphertext); err != nil {
		s.writeState = writeEOF
		return err
	}
	return nil
}

// Close flushes any pending write and closes the underlying transport.
// Idempotent.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.Flush()
	return s.conn.Close()
}
