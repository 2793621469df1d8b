package wire

import (
	"io"

	"github.com/lightningnetwork/basenode/chainstore"
)

const maxUserAgentLen = 256
const maxAddrLen = 128

// GetChainMetadata has no fields; the request is the message type tag.
type GetChainMetadata struct{}

func (m *GetChainMetadata) MsgType() MessageType    { return MsgGetChainMetadata }
func (m *GetChainMetadata) Encode(io.Writer) error  { return nil }
func (m *GetChainMetadata) Decode(io.Reader) error  { return nil }

// ChainMetadata is the GetChainMetadata response.
type ChainMetadata struct {
	BestHeight            uint64
	BestBlockHash         [32]byte
	AccumulatedDifficulty []byte
	PrunedHeight          uint64
}

func (m *ChainMetadata) MsgType() MessageType { return MsgChainMetadata }

func (m *ChainMetadata) Encode(w io.Writer) error {
	if err := writeUint64(w, m.BestHeight); err != nil {
		return err
	}
	if err := writeHash(w, m.BestBlockHash); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.AccumulatedDifficulty); err != nil {
		return err
	}
	return writeUint64(w, m.PrunedHeight)
}

func (m *ChainMetadata) Decode(r io.Reader) error {
	var err error
	if m.BestHeight, err = readUint64(r); err != nil {
		return err
	}
	if m.BestBlockHash, err = readHash(r); err != nil {
		return err
	}
	if m.AccumulatedDifficulty, err = readVarBytes(r, 64); err != nil {
		return err
	}
	m.PrunedHeight, err = readUint64(r)
	return err
}

// FetchHeaders requests headers at specific heights, in order.
type FetchHeaders struct {
	Heights []uint64
}

func (m *FetchHeaders) MsgType() MessageType { return MsgFetchHeaders }
func (m *FetchHeaders) Encode(w io.Writer) error {
	return writeUint64Slice(w, m.Heights)
}
func (m *FetchHeaders) Decode(r io.Reader) error {
	heights, err := readUint64Slice(r)
	m.Heights = heights
	return err
}

// FetchHeadersAfter requests contiguous headers starting just after the
// first hash in KnownHashes the responder knows, up to StopHash, per
// spec §4.D.
type FetchHeadersAfter struct {
	KnownHashes [][32]byte
	StopHash    [32]byte
}

func (m *FetchHeadersAfter) MsgType() MessageType { return MsgFetchHeadersAfter }
func (m *FetchHeadersAfter) Encode(w io.Writer) error {
	if err := writeHashSlice(w, m.KnownHashes); err != nil {
		return err
	}
	return writeHash(w, m.StopHash)
}
func (m *FetchHeadersAfter) Decode(r io.Reader) error {
	hashes, err := readHashSlice(r)
	if err != nil {
		return err
	}
	m.KnownHashes = hashes
	m.StopHash, err = readHash(r)
	return err
}

func writeHeader(w io.Writer, h chainstore.BlockHeader) error {
	if err := writeUint64(w, h.Height); err != nil {
		return err
	}
	if err := writeHash(w, h.PrevHash); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(h.Timestamp.Unix())); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(h.Version)); err != nil {
		return err
	}
	if err := writeVarBytes(w, h.Pow); err != nil {
		return err
	}
	if err := writeUint64(w, h.KernelMMRSize); err != nil {
		return err
	}
	if err := writeUint64(w, h.OutputMMRSize); err != nil {
		return err
	}
	if err := writeHash(w, h.KernelMMRRoot); err != nil {
		return err
	}
	if err := writeHash(w, h.OutputMMRRoot); err != nil {
		return err
	}
	if err := writeHash(w, h.RangeProofRoot); err != nil {
		return err
	}
	return writeHash(w, h.Hash)
}

func readHeader(r io.Reader) (chainstore.BlockHeader, error) {
	var h chainstore.BlockHeader
	var err error

	if h.Height, err = readUint64(r); err != nil {
		return h, err
	}
	if h.PrevHash, err = readHash(r); err != nil {
		return h, err
	}
	ts, err := readUint64(r)
	if err != nil {
		return h, err
	}
	h.Timestamp = unixToTime(ts)
	ver, err := readUint32(r)
	if err != nil {
		return h, err
	}
	h.Version = uint16(ver)
	if h.Pow, err = readVarBytes(r, 4096); err != nil {
		return h, err
	}
	if h.KernelMMRSize, err = readUint64(r); err != nil {
		return h, err
	}
	if h.OutputMMRSize, err = readUint64(r); err != nil {
		return h, err
	}
	if h.KernelMMRRoot, err = readHash(r); err != nil {
		return h, err
	}
	if h.OutputMMRRoot, err = readHash(r); err != nil {
		return h, err
	}
	if h.RangeProofRoot, err = readHash(r); err != nil {
		return h, err
	}
	h.Hash, err = readHash(r)
	return h, err
}

// Headers is the FetchHeaders / FetchHeadersAfter response.
type Headers struct {
	Headers []chainstore.BlockHeader
}

func (m *Headers) MsgType() MessageType { return MsgHeaders }
func (m *Headers) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(len(m.Headers))); err != nil {
		return err
	}
	for _, h := range m.Headers {
		if err := writeHeader(w, h); err != nil {
			return err
		}
	}
	return nil
}
func (m *Headers) Decode(r io.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n > maxHashSliceLen {
		return ErrLengthExceeded
	}
	headers := make([]chainstore.BlockHeader, n)
	for i := range headers {
		if headers[i], err = readHeader(r); err != nil {
			return err
		}
	}
	m.Headers = headers
	return nil
}

// FetchKernels requests kernels by hash; a missing kernel fails the
// whole request (§4.D).
type FetchKernels struct {
	Hashes [][32]byte
}

func (m *FetchKernels) MsgType() MessageType   { return MsgFetchKernels }
func (m *FetchKernels) Encode(w io.Writer) error { return writeHashSlice(w, m.Hashes) }
func (m *FetchKernels) Decode(r io.Reader) error {
	hashes, err := readHashSlice(r)
	m.Hashes = hashes
	return err
}

func writeKernel(w io.Writer, k chainstore.TransactionKernel) error {
	if _, err := w.Write([]byte{k.Features}); err != nil {
		return err
	}
	if err := writeUint64(w, k.Fee); err != nil {
		return err
	}
	if err := writeUint64(w, k.LockHeight); err != nil {
		return err
	}
	if err := writeVarBytes(w, k.Excess); err != nil {
		return err
	}
	if err := writeVarBytes(w, k.ExcessSig); err != nil {
		return err
	}
	return writeHash(w, k.Hash)
}

func readKernel(r io.Reader) (chainstore.TransactionKernel, error) {
	var k chainstore.TransactionKernel
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return k, err
	}
	k.Features = buf[0]
	var err error
	if k.Fee, err = readUint64(r); err != nil {
		return k, err
	}
	if k.LockHeight, err = readUint64(r); err != nil {
		return k, err
	}
	if k.Excess, err = readVarBytes(r, 256); err != nil {
		return k, err
	}
	if k.ExcessSig, err = readVarBytes(r, 256); err != nil {
		return k, err
	}
	k.Hash, err = readHash(r)
	return k, err
}

// Kernels is the FetchKernels response.
type Kernels struct {
	Kernels []chainstore.TransactionKernel
}

func (m *Kernels) MsgType() MessageType { return MsgKernels }
func (m *Kernels) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(len(m.Kernels))); err != nil {
		return err
	}
	for _, k := range m.Kernels {
		if err := writeKernel(w, k); err != nil {
			return err
		}
	}
	return nil
}
func (m *Kernels) Decode(r io.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n > maxHashSliceLen {
		return ErrLengthExceeded
	}
	kernels := make([]chainstore.TransactionKernel, n)
	for i := range kernels {
		if kernels[i], err = readKernel(r); err != nil {
			return err
		}
	}
	m.Kernels = kernels
	return nil
}

// FetchMatchingUtxos requests UTXOs by hash; missing entries are
// silently omitted from the response (§4.D).
type FetchMatchingUtxos struct {
	Hashes [][32]byte
}

func (m *FetchMatchingUtxos) MsgType() MessageType   { return MsgFetchMatchingUtxos }
func (m *FetchMatchingUtxos) Encode(w io.Writer) error { return writeHashSlice(w, m.Hashes) }
func (m *FetchMatchingUtxos) Decode(r io.Reader) error {
	hashes, err := readHashSlice(r)
	m.Hashes = hashes
	return err
}

func writeUtxo(w io.Writer, o chainstore.TransactionOutput) error {
	if _, err := w.Write([]byte{o.Version, o.Features}); err != nil {
		return err
	}
	for _, b := range [][]byte{
		o.Commitment, o.RangeProof, o.Script, o.SenderOffsetPublicKey,
		o.MetadataSignature, o.Covenant, o.EncryptedValue,
	} {
		if err := writeVarBytes(w, b); err != nil {
			return err
		}
	}
	if err := writeUint64(w, o.MinimumValuePromise); err != nil {
		return err
	}
	return writeHash(w, o.Hash)
}

func readUtxo(r io.Reader) (chainstore.TransactionOutput, error) {
	var o chainstore.TransactionOutput
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return o, err
	}
	o.Version, o.Features = buf[0], buf[1]

	fields := []*[]byte{
		&o.Commitment, &o.RangeProof, &o.Script, &o.SenderOffsetPublicKey,
		&o.MetadataSignature, &o.Covenant, &o.EncryptedValue,
	}
	for _, f := range fields {
		b, err := readVarBytes(r, 1<<16)
		if err != nil {
			return o, err
		}
		*f = b
	}

	var err error
	if o.MinimumValuePromise, err = readUint64(r); err != nil {
		return o, err
	}
	o.Hash, err = readHash(r)
	return o, err
}

// Utxos is the FetchMatchingUtxos response.
type Utxos struct {
	Utxos []chainstore.TransactionOutput
}

func (m *Utxos) MsgType() MessageType { return MsgUtxos }
func (m *Utxos) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(len(m.Utxos))); err != nil {
		return err
	}
	for _, o := range m.Utxos {
		if err := writeUtxo(w, o); err != nil {
			return err
		}
	}
	return nil
}
func (m *Utxos) Decode(r io.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n > maxHashSliceLen {
		return ErrLengthExceeded
	}
	utxos := make([]chainstore.TransactionOutput, n)
	for i := range utxos {
		if utxos[i], err = readUtxo(r); err != nil {
			return err
		}
	}
	m.Utxos = utxos
	return nil
}

// FetchBlocksWithHashes requests full blocks by hash; missing blocks
// are logged by the handler, not errored (§4.D).
type FetchBlocksWithHashes struct {
	Hashes [][32]byte
}

func (m *FetchBlocksWithHashes) MsgType() MessageType   { return MsgFetchBlocksWithHashes }
func (m *FetchBlocksWithHashes) Encode(w io.Writer) error { return writeHashSlice(w, m.Hashes) }
func (m *FetchBlocksWithHashes) Decode(r io.Reader) error {
	hashes, err := readHashSlice(r)
	m.Hashes = hashes
	return err
}

// Blocks is the FetchBlocksWithHashes response.
type Blocks struct {
	Blocks []chainstore.Block
}

func (m *Blocks) MsgType() MessageType { return MsgBlocks }
func (m *Blocks) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(len(m.Blocks))); err != nil {
		return err
	}
	for _, b := range m.Blocks {
		if err := writeHeader(w, b.Header); err != nil {
			return err
		}
		if err := writeHashSlice(w, b.Inputs); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(b.Outputs))); err != nil {
			return err
		}
		for _, o := range b.Outputs {
			if err := writeUtxo(w, o); err != nil {
				return err
			}
		}
		if err := writeUint32(w, uint32(len(b.Kernels))); err != nil {
			return err
		}
		for _, k := range b.Kernels {
			if err := writeKernel(w, k); err != nil {
				return err
			}
		}
	}
	return nil
}
func (m *Blocks) Decode(r io.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n > maxHashSliceLen {
		return ErrLengthExceeded
	}
	blocks := make([]chainstore.Block, n)
	for i := range blocks {
		b := &blocks[i]
		if b.Header, err = readHeader(r); err != nil {
			return err
		}
		if b.Inputs, err = readHashSlice(r); err != nil {
			return err
		}
		outN, err := readUint32(r)
		if err != nil {
			return err
		}
		if outN > maxHashSliceLen {
			return ErrLengthExceeded
		}
		b.Outputs = make([]chainstore.TransactionOutput, outN)
		for j := range b.Outputs {
			if b.Outputs[j], err = readUtxo(r); err != nil {
				return err
			}
		}
		kernN, err := readUint32(r)
		if err != nil {
			return err
		}
		if kernN > maxHashSliceLen {
			return ErrLengthExceeded
		}
		b.Kernels = make([]chainstore.TransactionKernel, kernN)
		for j := range b.Kernels {
			if b.Kernels[j], err = readKernel(r); err != nil {
				return err
			}
		}
	}
	m.Blocks = blocks
	return nil
}

// FetchMmrNodes requests a chunk of an MMR tree at a historical height.
type FetchMmrNodes struct {
	Tree       chainstore.Tree
	Pos        uint64
	Count      uint64
	HistHeight uint64
}

func (m *FetchMmrNodes) MsgType() MessageType { return MsgFetchMmrNodes }
func (m *FetchMmrNodes) Encode(w io.Writer) error {
	if err := writeUint32(w, uint32(m.Tree)); err != nil {
		return err
	}
	if err := writeUint64(w, m.Pos); err != nil {
		return err
	}
	if err := writeUint64(w, m.Count); err != nil {
		return err
	}
	return writeUint64(w, m.HistHeight)
}
func (m *FetchMmrNodes) Decode(r io.Reader) error {
	tree, err := readUint32(r)
	if err != nil {
		return err
	}
	m.Tree = chainstore.Tree(tree)
	if m.Pos, err = readUint64(r); err != nil {
		return err
	}
	if m.Count, err = readUint64(r); err != nil {
		return err
	}
	m.HistHeight, err = readUint64(r)
	return err
}

// MmrNodes is the FetchMmrNodes response: leaf hashes plus a serialised
// deleted bitmap (rbitmap.Bitmap.Serialize output).
type MmrNodes struct {
	LeafHashes    [][32]byte
	DeletedBitmap []byte
}

func (m *MmrNodes) MsgType() MessageType { return MsgMmrNodes }
func (m *MmrNodes) Encode(w io.Writer) error {
	if err := writeHashSlice(w, m.LeafHashes); err != nil {
		return err
	}
	return writeVarBytes(w, m.DeletedBitmap)
}
func (m *MmrNodes) Decode(r io.Reader) error {
	hashes, err := readHashSlice(r)
	if err != nil {
		return err
	}
	m.LeafHashes = hashes
	m.DeletedBitmap, err = readVarBytes(r, 1<<24)
	return err
}

// NewBlockAnnounce carries only the 32-byte block hash, per §6: full
// block transfer uses the separate FetchBlocksWithHashes streaming RPC.
type NewBlockAnnounce struct {
	Hash [32]byte
}

func (m *NewBlockAnnounce) MsgType() MessageType   { return MsgNewBlockAnnounce }
func (m *NewBlockAnnounce) Encode(w io.Writer) error { return writeHash(w, m.Hash) }
func (m *NewBlockAnnounce) Decode(r io.Reader) error {
	h, err := readHash(r)
	m.Hash = h
	return err
}

// PeerIdentityMsg is the single post-handshake identity frame each side
// sends, per §4.C.
type PeerIdentityMsg struct {
	IdentityPublicKey  []byte
	Addresses          []string
	Features           uint64
	Signature          []byte
	ClaimTimestamp     uint64
	SupportedProtocols []string
	UserAgent          string
	NetworkByte        byte
}

func (m *PeerIdentityMsg) MsgType() MessageType { return MsgPeerIdentity }

func (m *PeerIdentityMsg) Encode(w io.Writer) error {
	if err := writeVarBytes(w, m.IdentityPublicKey); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.Addresses))); err != nil {
		return err
	}
	for _, a := range m.Addresses {
		if err := writeString(w, a); err != nil {
			return err
		}
	}
	if err := writeUint64(w, m.Features); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.Signature); err != nil {
		return err
	}
	if err := writeUint64(w, m.ClaimTimestamp); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.SupportedProtocols))); err != nil {
		return err
	}
	for _, p := range m.SupportedProtocols {
		if err := writeString(w, p); err != nil {
			return err
		}
	}
	if err := writeString(w, m.UserAgent); err != nil {
		return err
	}
	_, err := w.Write([]byte{m.NetworkByte})
	return err
}

func (m *PeerIdentityMsg) Decode(r io.Reader) error {
	pub, err := readVarBytes(r, 64)
	if err != nil {
		return err
	}
	m.IdentityPublicKey = pub

	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n > 1024 {
		return ErrLengthExceeded
	}
	addrs := make([]string, n)
	for i := range addrs {
		if addrs[i], err = readString(r, maxAddrLen); err != nil {
			return err
		}
	}
	m.Addresses = addrs

	if m.Features, err = readUint64(r); err != nil {
		return err
	}
	if m.Signature, err = readVarBytes(r, 256); err != nil {
		return err
	}
	if m.ClaimTimestamp, err = readUint64(r); err != nil {
		return err
	}

	pn, err := readUint32(r)
	if err != nil {
		return err
	}
	if pn > 1024 {
		return ErrLengthExceeded
	}
	protos := make([]string, pn)
	for i := range protos {
		if protos[i], err = readString(r, 64); err != nil {
			return err
		}
	}
	m.SupportedProtocols = protos

	if m.UserAgent, err = readString(r, maxUserAgentLen); err != nil {
		return err
	}
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	m.NetworkByte = buf[0]
	return nil
}

// ErrorMsg carries a peer-visible protocol error string.
type ErrorMsg struct {
	Message string
}

func (m *ErrorMsg) MsgType() MessageType   { return MsgError }
func (m *ErrorMsg) Encode(w io.Writer) error { return writeString(w, m.Message) }
func (m *ErrorMsg) Decode(r io.Reader) error {
	s, err := readString(r, 1024)
	m.Message = s
	return err
}
