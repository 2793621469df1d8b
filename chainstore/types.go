// Package chainstore declares the external chain-store contract this
// core depends on but does not implement: an ACID block/MMR database.
// Only the interfaces and value types the core calls across are defined
// here, following the spec's framing of Chain Store as an external
// collaborator (§2, §6) — this mirrors how the teacher treats its own
// wallet backend as an interface (lnwallet.WalletController) rather than
// embedding a concrete implementation in the core packages.
package chainstore

import "time"

// Tree names an MMR instance. Kernel, UTXO and RangeProof MMRs are kept
// as separate append-only trees per the spec's data model.
type Tree int

const (
	TreeKernel Tree = iota
	TreeUTXO
	TreeRangeProof
)

// BlockHeader is the canonical block header. Hash is computed over the
// canonical encoding of every other field; the invariant
// header.hash == hash(canonical_encoding(header)) is enforced by the
// chain store at insert time, not here.
type BlockHeader struct {
	Height         uint64
	PrevHash       [32]byte
	Timestamp      time.Time
	Version        uint16
	Pow            []byte
	KernelMMRSize  uint64
	OutputMMRSize  uint64
	KernelMMRRoot  [32]byte
	OutputMMRRoot  [32]byte
	RangeProofRoot [32]byte
	Hash           [32]byte
}

// TransactionKernel is a transaction's public-signature component.
type TransactionKernel struct {
	Features       uint8
	Fee            uint64
	LockHeight     uint64
	Excess         []byte
	ExcessSig      []byte
	Hash           [32]byte
}

// TransactionOutput is a UTXO in its full, unpruned form.
type TransactionOutput struct {
	Version                uint8
	Features               uint8
	Commitment             []byte
	RangeProof             []byte
	Script                 []byte
	SenderOffsetPublicKey  []byte
	MetadataSignature      []byte
	Covenant               []byte
	EncryptedValue         []byte
	MinimumValuePromise    uint64
	Hash                   [32]byte
}

// Block is a header plus body.
type Block struct {
	Header  BlockHeader
	Inputs  [][32]byte
	Outputs []TransactionOutput
	Kernels []TransactionKernel
}

// AddBlockResult classifies the outcome of AddBlock.
type AddBlockResult int

const (
	AddBlockOk AddBlockResult = iota
	AddBlockExists
	AddBlockOrphan
	AddBlockReorg
)

// AddBlockOutcome is the full result of AddBlock, including reorg detail.
type AddBlockOutcome struct {
	Result     AddBlockResult
	ReorgDepth uint64
	ReorgChain []Block
}

// ChainMetadata is the snapshot returned by GetChainMetadata.
type ChainMetadata struct {
	BestHeight             uint64
	BestBlockHash          [32]byte
	AccumulatedDifficulty  []byte
	PrunedHeight           uint64
}

// MmrNode is a single leaf of an MMR tree: its hash, and whether the
// underlying UTXO it represents has been spent.
type MmrNode struct {
	Hash    [32]byte
	Deleted bool
}

// Verifier is the opaque cryptography capability named in the spec's
// design notes (§9): "abstract as a Verifier capability passed by
// reference into validation routines; no process-wide singletons in
// the core." Every validating component takes one as an argument
// instead of reaching for a package-level crypto factory.
type Verifier interface {
	VerifyKernel(k *TransactionKernel) error
	VerifyRangeProof(o *TransactionOutput) error
	ComputeMmrRoot(tree Tree, nodes []MmrNode) ([32]byte, error)
}

// Store is the chain-store contract from spec §6, named by behaviour.
// No implementation lives in this module; the SQLite/ACID persistence
// layer is explicitly out of scope (§1).
type Store interface {
	GetChainMetadata() (ChainMetadata, error)

	FetchHeader(height uint64) (*BlockHeader, error)
	FetchHeaderByHash(hash [32]byte) (*BlockHeader, error)
	FetchBlock(height uint64) (*Block, error)
	FetchBlockWithHash(hash [32]byte) (*Block, error)
	BlockExists(hash [32]byte) (bool, error)

	AddBlock(b *Block) (AddBlockOutcome, error)

	FetchMmrNodeCount(tree Tree, height uint64) (uint64, error)
	FetchMmrNodes(tree Tree, pos, count uint64, histHeight uint64) ([]MmrNode, error)
	InsertMmrNode(tree Tree, hash [32]byte, deleted bool) error
	InsertUtxo(o *TransactionOutput) error
	InsertKernel(k *TransactionKernel) error
	InvalidateOutput(hash [32]byte) error
	ValidateMerkleRoot(tree Tree, height uint64) (bool, error)

	HorizonSyncBegin() error
	HorizonSyncCommit() error
	HorizonSyncRollback() error

	FetchTargetDifficulties(algo string, tip uint64, window uint64) ([][]byte, error)

	FetchKernelsByHash(hashes [][32]byte) ([]TransactionKernel, error)
	FetchUtxosByHash(hashes [][32]byte) ([]TransactionOutput, error)
}
