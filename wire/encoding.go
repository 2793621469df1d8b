package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrLengthExceeded is returned when a peer-supplied length prefix
// exceeds the sanity bound for its field, guarding decode against a
// hostile or corrupt sender without reading unbounded memory.
var ErrLengthExceeded = errors.New("wire: length prefix exceeds bound")

// writeVarBytes and readVarBytes follow lnwire's length-prefix
// convention for variable-length fields, but with a 4-byte prefix since
// full-block and UTXO-set payloads can exceed lnwire's 2-byte limit.
func writeVarBytes(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	if l > maxLen {
		return nil, ErrLengthExceeded
	}
	if l == 0 {
		return nil, nil
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w io.Writer, s string) error {
	return writeVarBytes(w, []byte(s))
}

func readString(r io.Reader, maxLen uint32) (string, error) {
	b, err := readVarBytes(r, maxLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeHash(w io.Writer, h [32]byte) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) ([32]byte, error) {
	var h [32]byte
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeBool(w io.Writer, b bool) error {
	var v byte
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] == 1, nil
}

func writeHashSlice(w io.Writer, hashes [][32]byte) error {
	if err := writeUint32(w, uint32(len(hashes))); err != nil {
		return err
	}
	for _, h := range hashes {
		if err := writeHash(w, h); err != nil {
			return err
		}
	}
	return nil
}

// maxHashSliceLen bounds hash-slice decoding against a hostile peer
// sending an oversized count prefix.
const maxHashSliceLen = 1 << 20

func readHashSlice(r io.Reader) ([][32]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxHashSliceLen {
		return nil, ErrLengthExceeded
	}
	hashes := make([][32]byte, n)
	for i := range hashes {
		h, err := readHash(r)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

func writeUint64Slice(w io.Writer, vals []uint64) error {
	if err := writeUint32(w, uint32(len(vals))); err != nil {
		return err
	}
	for _, v := range vals {
		if err := writeUint64(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readUint64Slice(r io.Reader) ([]uint64, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxHashSliceLen {
		return nil, ErrLengthExceeded
	}
	vals := make([]uint64, n)
	for i := range vals {
		v, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}
