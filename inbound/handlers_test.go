package inbound

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/basenode/chainstore"
)

// fakeStore is a minimal in-memory chainstore.Store double used only
// to exercise the inbound handlers in isolation; it is not the chain
// store implementation (out of scope per §1).
type fakeStore struct {
	headers    map[uint64]*chainstore.BlockHeader
	byHash     map[[32]byte]*chainstore.BlockHeader
	blocks     map[[32]byte]*chainstore.Block
	kernels    map[[32]byte]chainstore.TransactionKernel
	utxos      map[[32]byte]chainstore.TransactionOutput
	mmrNodes   []chainstore.MmrNode
	metadata   chainstore.ChainMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		headers: make(map[uint64]*chainstore.BlockHeader),
		byHash:  make(map[[32]byte]*chainstore.BlockHeader),
		blocks:  make(map[[32]byte]*chainstore.Block),
		kernels: make(map[[32]byte]chainstore.TransactionKernel),
		utxos:   make(map[[32]byte]chainstore.TransactionOutput),
	}
}

func (f *fakeStore) addHeader(height uint64, hash byte) {
	h := &chainstore.BlockHeader{Height: height, Hash: [32]byte{hash}}
	f.headers[height] = h
	f.byHash[h.Hash] = h
}

func (f *fakeStore) GetChainMetadata() (chainstore.ChainMetadata, error) { return f.metadata, nil }
func (f *fakeStore) FetchHeader(height uint64) (*chainstore.BlockHeader, error) {
	h, ok := f.headers[height]
	if !ok {
		return nil, errNotFound
	}
	return h, nil
}
func (f *fakeStore) FetchHeaderByHash(hash [32]byte) (*chainstore.BlockHeader, error) {
	h, ok := f.byHash[hash]
	if !ok {
		return nil, errNotFound
	}
	return h, nil
}
func (f *fakeStore) FetchBlock(height uint64) (*chainstore.Block, error) { return nil, errNotFound }
func (f *fakeStore) FetchBlockWithHash(hash [32]byte) (*chainstore.Block, error) {
	b, ok := f.blocks[hash]
	if !ok {
		return nil, nil
	}
	return b, nil
}
func (f *fakeStore) BlockExists(hash [32]byte) (bool, error) {
	_, ok := f.blocks[hash]
	return ok, nil
}
func (f *fakeStore) AddBlock(b *chainstore.Block) (chainstore.AddBlockOutcome, error) {
	f.blocks[b.Header.Hash] = b
	return chainstore.AddBlockOutcome{Result: chainstore.AddBlockOk}, nil
}
func (f *fakeStore) FetchMmrNodeCount(tree chainstore.Tree, height uint64) (uint64, error) {
	return uint64(len(f.mmrNodes)), nil
}
func (f *fakeStore) FetchMmrNodes(tree chainstore.Tree, pos, count, histHeight uint64) ([]chainstore.MmrNode, error) {
	if pos+count > uint64(len(f.mmrNodes)) {
		return nil, errNotFound
	}
	return f.mmrNodes[pos : pos+count], nil
}
func (f *fakeStore) InsertMmrNode(tree chainstore.Tree, hash [32]byte, deleted bool) error {
	f.mmrNodes = append(f.mmrNodes, chainstore.MmrNode{Hash: hash, Deleted: deleted})
	return nil
}
func (f *fakeStore) InsertUtxo(o *chainstore.TransactionOutput) error {
	f.utxos[o.Hash] = *o
	return nil
}
func (f *fakeStore) InsertKernel(k *chainstore.TransactionKernel) error {
	f.kernels[k.Hash] = *k
	return nil
}
func (f *fakeStore) InvalidateOutput(hash [32]byte) error { return nil }
func (f *fakeStore) ValidateMerkleRoot(tree chainstore.Tree, height uint64) (bool, error) {
	return true, nil
}
func (f *fakeStore) HorizonSyncBegin() error    { return nil }
func (f *fakeStore) HorizonSyncCommit() error   { return nil }
func (f *fakeStore) HorizonSyncRollback() error { return nil }
func (f *fakeStore) FetchTargetDifficulties(algo string, tip, window uint64) ([][]byte, error) {
	return nil, nil
}
func (f *fakeStore) FetchKernelsByHash(hashes [][32]byte) ([]chainstore.TransactionKernel, error) {
	out := make([]chainstore.TransactionKernel, 0, len(hashes))
	for _, h := range hashes {
		k, ok := f.kernels[h]
		if !ok {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
func (f *fakeStore) FetchUtxosByHash(hashes [][32]byte) ([]chainstore.TransactionOutput, error) {
	out := make([]chainstore.TransactionOutput, 0, len(hashes))
	for _, h := range hashes {
		u, ok := f.utxos[h]
		if !ok {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

var _ chainstore.Store = (*fakeStore)(nil)

// TestFetchHeadersRoundTrip is scenario S1: preload genesis + 5
// blocks, request heights [1,3,5], expect [h1,h3,h5] in order.
func TestFetchHeadersRoundTrip(t *testing.T) {
	store := newFakeStore()
	for i := uint64(0); i <= 5; i++ {
		store.addHeader(i, byte(i))
	}
	h := New(store)

	headers, err := h.FetchHeaders(context.Background(), []uint64{1, 3, 5})
	require.NoError(t, err)
	require.Len(t, headers, 3)
	require.Equal(t, uint64(1), headers[0].Height)
	require.Equal(t, uint64(3), headers[1].Height)
	require.Equal(t, uint64(5), headers[2].Height)
}

func TestFetchHeadersCapsAtMax(t *testing.T) {
	store := newFakeStore()
	for i := uint64(0); i < 200; i++ {
		store.addHeader(i, byte(i))
	}
	h := New(store)

	heights := make([]uint64, 200)
	for i := range heights {
		heights[i] = uint64(i)
	}

	headers, err := h.FetchHeaders(context.Background(), heights)
	require.NoError(t, err)
	require.Len(t, headers, MaxHeadersPerResponse)
}

func TestFetchHeadersAfterFallsBackToGenesis(t *testing.T) {
	store := newFakeStore()
	for i := uint64(0); i <= 3; i++ {
		store.addHeader(i, byte(i+10))
	}
	h := New(store)

	headers, err := h.FetchHeadersAfter(context.Background(), [][32]byte{{99}}, [32]byte{})
	require.NoError(t, err)
	require.NotEmpty(t, headers)
	require.Equal(t, uint64(0), headers[0].Height)
}

func TestFetchKernelsFailsEntireRequestOnMissing(t *testing.T) {
	store := newFakeStore()
	store.kernels[[32]byte{1}] = chainstore.TransactionKernel{Hash: [32]byte{1}}
	h := New(store)

	_, err := h.FetchKernels(context.Background(), [][32]byte{{1}, {2}})
	require.ErrorIs(t, err, ErrMissingKernel)
}

func TestFetchMatchingUtxosOmitsMissing(t *testing.T) {
	store := newFakeStore()
	store.utxos[[32]byte{1}] = chainstore.TransactionOutput{Hash: [32]byte{1}}
	h := New(store)

	utxos, err := h.FetchMatchingUtxos(context.Background(), [][32]byte{{1}, {2}})
	require.NoError(t, err)
	require.Len(t, utxos, 1)
}

func TestFetchBlocksWithHashesOmitsMissing(t *testing.T) {
	store := newFakeStore()
	store.blocks[[32]byte{1}] = &chainstore.Block{Header: chainstore.BlockHeader{Hash: [32]byte{1}}}
	h := New(store)

	blocks, err := h.FetchBlocksWithHashes(context.Background(), [][32]byte{{1}, {2}})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}
