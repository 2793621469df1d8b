package wire

import (
	"io"
	"time"

	"github.com/lightningnetwork/basenode/chainstore"
)

func unixToTime(v uint64) time.Time {
	return time.Unix(int64(v), 0).UTC()
}

// GetNewBlockTemplate requests a block template for the named PoW
// algorithm, per §4.D.
type GetNewBlockTemplate struct {
	Algo string
}

func (m *GetNewBlockTemplate) MsgType() MessageType   { return MsgGetNewBlockTemplate }
func (m *GetNewBlockTemplate) Encode(w io.Writer) error { return writeString(w, m.Algo) }
func (m *GetNewBlockTemplate) Decode(r io.Reader) error {
	s, err := readString(r, 32)
	m.Algo = s
	return err
}

// BlockTemplate is the prior tip's successor header plus the
// transactions selected to fill it; advisory, never persisted.
type BlockTemplate struct {
	Header  chainstore.BlockHeader
	Inputs  [][32]byte
	Outputs []chainstore.TransactionOutput
	Kernels []chainstore.TransactionKernel
}

func (m *BlockTemplate) MsgType() MessageType { return MsgNewBlockTemplate }
func (m *BlockTemplate) Encode(w io.Writer) error {
	return (&Blocks{Blocks: []chainstore.Block{{
		Header: m.Header, Inputs: m.Inputs, Outputs: m.Outputs, Kernels: m.Kernels,
	}}}).Encode(w)
}
func (m *BlockTemplate) Decode(r io.Reader) error {
	var blocks Blocks
	if err := blocks.Decode(r); err != nil {
		return err
	}
	if len(blocks.Blocks) != 1 {
		return ErrLengthExceeded
	}
	b := blocks.Blocks[0]
	m.Header, m.Inputs, m.Outputs, m.Kernels = b.Header, b.Inputs, b.Outputs, b.Kernels
	return nil
}

// GetNewBlock asks the peer to compute MMR roots for a template that
// was built locally; a pure function of template + store (§4.D).
type GetNewBlock struct {
	Template BlockTemplate
}

func (m *GetNewBlock) MsgType() MessageType   { return MsgGetNewBlock }
func (m *GetNewBlock) Encode(w io.Writer) error { return m.Template.Encode(w) }
func (m *GetNewBlock) Decode(r io.Reader) error { return m.Template.Decode(r) }

// NewBlock is the GetNewBlock response: the template with MMR roots
// computed, ready for proof-of-work and submission.
type NewBlock struct {
	Block chainstore.Block
}

func (m *NewBlock) MsgType() MessageType { return MsgNewBlock }
func (m *NewBlock) Encode(w io.Writer) error {
	return (&Blocks{Blocks: []chainstore.Block{m.Block}}).Encode(w)
}
func (m *NewBlock) Decode(r io.Reader) error {
	var blocks Blocks
	if err := blocks.Decode(r); err != nil {
		return err
	}
	if len(blocks.Blocks) != 1 {
		return ErrLengthExceeded
	}
	m.Block = blocks.Blocks[0]
	return nil
}
