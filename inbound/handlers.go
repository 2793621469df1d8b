// Package inbound implements the Inbound Request Handler: responses to
// peer requests for headers, blocks, kernels, UTXOs, MMR nodes and
// block templates. None of these mutate the chain store (§4.D).
// Grounded on the teacher's upstream inbound_handlers.rs match-over-
// request-variant dispatch, restructured as one Go method per request
// type instead of one large match arm.
package inbound

import (
	"context"
	"errors"

	"github.com/lightningnetwork/basenode/chainstore"
	"github.com/lightningnetwork/basenode/log"
	"github.com/lightningnetwork/basenode/rbitmap"
)

var inboundLog = log.Logger(log.SubsystemInbound)

// MaxHeadersPerResponse caps FetchHeaders / FetchHeadersAfter
// responses, per §4.D.
const MaxHeadersPerResponse = 100

// ErrMissingKernel is returned by FetchKernels when any requested
// kernel is absent: the spec requires the whole request to fail rather
// than returning a partial result.
var ErrMissingKernel = errors.New("inbound: requested kernel not found")

// Handlers implements the read-only request surface over a chain
// store. It holds no mutable state of its own.
type Handlers struct {
	store chainstore.Store
}

// New constructs a Handlers bound to a chain store.
func New(store chainstore.Store) *Handlers {
	return &Handlers{store: store}
}

// GetChainMetadata returns the current chain snapshot.
func (h *Handlers) GetChainMetadata(ctx context.Context) (chainstore.ChainMetadata, error) {
	return h.store.GetChainMetadata()
}

// FetchHeaders returns headers for the requested heights, in the
// requested order, capped at MaxHeadersPerResponse.
func (h *Handlers) FetchHeaders(ctx context.Context, heights []uint64) ([]chainstore.BlockHeader, error) {
	if len(heights) > MaxHeadersPerResponse {
		heights = heights[:MaxHeadersPerResponse]
	}

	headers := make([]chainstore.BlockHeader, 0, len(heights))
	for _, height := range heights {
		hdr, err := h.store.FetchHeader(height)
		if err != nil {
			inboundLog.Debugf("FetchHeaders: height %d not found: %v", height, err)
			continue
		}
		headers = append(headers, *hdr)
	}
	return headers, nil
}

// FetchHeadersAfter returns contiguous headers starting after the
// first of knownHashes found locally, up to stopHash, capped at
// MaxHeadersPerResponse. If none of knownHashes are found, it falls
// back to genesis (height 0).
func (h *Handlers) FetchHeadersAfter(ctx context.Context, knownHashes [][32]byte, stopHash [32]byte) ([]chainstore.BlockHeader, error) {
	startHeight := uint64(0)
	found := false
	for _, hash := range knownHashes {
		hdr, err := h.store.FetchHeaderByHash(hash)
		if err != nil {
			continue
		}
		startHeight = hdr.Height + 1
		found = true
		break
	}
	if !found {
		inboundLog.Debugf("FetchHeadersAfter: no known hash matched, falling back to genesis")
	}

	headers := make([]chainstore.BlockHeader, 0, MaxHeadersPerResponse)
	for height := startHeight; len(headers) < MaxHeadersPerResponse; height++ {
		hdr, err := h.store.FetchHeader(height)
		if err != nil {
			break
		}
		headers = append(headers, *hdr)
		if hdr.Hash == stopHash {
			break
		}
	}
	return headers, nil
}

// FetchKernels returns kernels by hash in the requested order; any
// missing kernel fails the whole request.
func (h *Handlers) FetchKernels(ctx context.Context, hashes [][32]byte) ([]chainstore.TransactionKernel, error) {
	kernels, err := h.store.FetchKernelsByHash(hashes)
	if err != nil {
		return nil, err
	}
	if len(kernels) != len(hashes) {
		return nil, ErrMissingKernel
	}
	return kernels, nil
}

// FetchMatchingUtxos returns the present-only subset of the requested
// UTXOs, order preserved; missing entries are silently omitted.
func (h *Handlers) FetchMatchingUtxos(ctx context.Context, hashes [][32]byte) ([]chainstore.TransactionOutput, error) {
	return h.store.FetchUtxosByHash(hashes)
}

// FetchBlocksWithHashes returns the present-only subset of the
// requested blocks; missing blocks are logged, not errored.
func (h *Handlers) FetchBlocksWithHashes(ctx context.Context, hashes [][32]byte) ([]chainstore.Block, error) {
	blocks := make([]chainstore.Block, 0, len(hashes))
	for _, hash := range hashes {
		b, err := h.store.FetchBlockWithHash(hash)
		if err != nil || b == nil {
			inboundLog.Debugf("FetchBlocksWithHashes: block %x not found", hash)
			continue
		}
		blocks = append(blocks, *b)
	}
	return blocks, nil
}

// FetchMmrNodes returns a chunk of leaf hashes plus a serialised
// deleted bitmap for the requested MMR tree and range. Returns an
// empty result (not an error) on failure, per §4.D.
func (h *Handlers) FetchMmrNodes(ctx context.Context, tree chainstore.Tree, pos, count, histHeight uint64) ([][32]byte, []byte, error) {
	nodes, err := h.store.FetchMmrNodes(tree, pos, count, histHeight)
	if err != nil {
		inboundLog.Debugf("FetchMmrNodes: %v", err)
		return nil, nil, nil
	}

	hashes := make([][32]byte, len(nodes))
	deleted := rbitmap.New()
	for i, n := range nodes {
		hashes[i] = n.Hash
		if n.Deleted {
			deleted.Add(uint32(pos) + uint32(i))
		}
	}
	return hashes, deleted.Serialize(), nil
}

// BlockTemplate is the advisory, unpersisted successor block a peer
// may build upon.
type BlockTemplate struct {
	Header  chainstore.BlockHeader
	Inputs  [][32]byte
	Outputs []chainstore.TransactionOutput
	Kernels []chainstore.TransactionKernel
}

// MempoolSource supplies candidate transactions for a new block
// template; the consensus rules for selection are parameterised, not
// specified here (§1 Non-goals).
type MempoolSource interface {
	SelectForBlock(maxWeight uint64) ([]chainstore.TransactionOutput, []chainstore.TransactionKernel, [][32]byte)
}

// GetNewBlockTemplate builds the prior tip's successor header plus
// selected mempool transactions fitting the weight budget. Advisory;
// never persisted.
func (h *Handlers) GetNewBlockTemplate(ctx context.Context, algo string, mempool MempoolSource, maxWeight uint64) (*BlockTemplate, error) {
	meta, err := h.store.GetChainMetadata()
	if err != nil {
		return nil, err
	}
	tip, err := h.store.FetchHeaderByHash(meta.BestBlockHash)
	if err != nil {
		return nil, err
	}

	outputs, kernels, inputs := mempool.SelectForBlock(maxWeight)

	return &BlockTemplate{
		Header: chainstore.BlockHeader{
			Height:        tip.Height + 1,
			PrevHash:      tip.Hash,
			KernelMMRSize: tip.KernelMMRSize,
			OutputMMRSize: tip.OutputMMRSize,
		},
		Inputs:  inputs,
		Outputs: outputs,
		Kernels: kernels,
	}, nil
}

// GetNewBlock computes MMR roots for a previously-built template and
// returns the resulting block. A pure function of template + store.
func (h *Handlers) GetNewBlock(ctx context.Context, tpl *BlockTemplate, verifier chainstore.Verifier) (*chainstore.Block, error) {
	nodes := make([]chainstore.MmrNode, 0, len(tpl.Outputs))
	for _, o := range tpl.Outputs {
		nodes = append(nodes, chainstore.MmrNode{Hash: o.Hash})
	}
	outputRoot, err := verifier.ComputeMmrRoot(chainstore.TreeUTXO, nodes)
	if err != nil {
		return nil, err
	}

	kernelNodes := make([]chainstore.MmrNode, 0, len(tpl.Kernels))
	for _, k := range tpl.Kernels {
		kernelNodes = append(kernelNodes, chainstore.MmrNode{Hash: k.Hash})
	}
	kernelRoot, err := verifier.ComputeMmrRoot(chainstore.TreeKernel, kernelNodes)
	if err != nil {
		return nil, err
	}

	header := tpl.Header
	header.OutputMMRRoot = outputRoot
	header.KernelMMRRoot = kernelRoot
	header.OutputMMRSize += uint64(len(tpl.Outputs))
	header.KernelMMRSize += uint64(len(tpl.Kernels))

	return &chainstore.Block{
		Header:  header,
		Inputs:  tpl.Inputs,
		Outputs: tpl.Outputs,
		Kernels: tpl.Kernels,
	}, nil
}
