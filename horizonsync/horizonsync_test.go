package horizonsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/basenode/chainstore"
	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/peerstore"
)

func TestSyncHeightScenarioS4(t *testing.T) {
	require.EqualValues(t, 85, SyncHeight(100, 20, 5))
}

func TestSyncHeightNeverExceedsNetworkTip(t *testing.T) {
	require.EqualValues(t, 100, SyncHeight(100, 0, 50))
}

func TestSyncHeightClampsWhenHorizonExceedsTip(t *testing.T) {
	require.EqualValues(t, 0, SyncHeight(10, 100, 0))
}

type fakeStore struct {
	kernelNodes []chainstore.MmrNode
	utxoNodes   []chainstore.MmrNode
	rpNodes     []chainstore.MmrNode
	rootValid   map[chainstore.Tree]bool

	beginCalled, commitCalled, rollbackCalled bool

	insertedKernels []chainstore.TransactionKernel
	insertedUtxos   []chainstore.TransactionOutput
}

func newFakeStore() *fakeStore {
	return &fakeStore{rootValid: map[chainstore.Tree]bool{
		chainstore.TreeKernel:     true,
		chainstore.TreeUTXO:       true,
		chainstore.TreeRangeProof: true,
	}}
}

func (f *fakeStore) GetChainMetadata() (chainstore.ChainMetadata, error) { return chainstore.ChainMetadata{}, nil }
func (f *fakeStore) FetchHeader(height uint64) (*chainstore.BlockHeader, error) { return nil, nil }
func (f *fakeStore) FetchHeaderByHash(hash [32]byte) (*chainstore.BlockHeader, error) { return nil, nil }
func (f *fakeStore) FetchBlock(height uint64) (*chainstore.Block, error) { return nil, nil }
func (f *fakeStore) FetchBlockWithHash(hash [32]byte) (*chainstore.Block, error) { return nil, nil }
func (f *fakeStore) BlockExists(hash [32]byte) (bool, error) { return false, nil }
func (f *fakeStore) AddBlock(b *chainstore.Block) (chainstore.AddBlockOutcome, error) {
	return chainstore.AddBlockOutcome{}, nil
}

func (f *fakeStore) nodesFor(tree chainstore.Tree) []chainstore.MmrNode {
	switch tree {
	case chainstore.TreeKernel:
		return f.kernelNodes
	case chainstore.TreeUTXO:
		return f.utxoNodes
	default:
		return f.rpNodes
	}
}

func (f *fakeStore) FetchMmrNodeCount(tree chainstore.Tree, height uint64) (uint64, error) {
	return uint64(len(f.nodesFor(tree))), nil
}

func (f *fakeStore) FetchMmrNodes(tree chainstore.Tree, pos, count, histHeight uint64) ([]chainstore.MmrNode, error) {
	nodes := f.nodesFor(tree)
	if pos+count > uint64(len(nodes)) {
		return nil, errors.New("out of range")
	}
	return nodes[pos : pos+count], nil
}

func (f *fakeStore) InsertMmrNode(tree chainstore.Tree, hash [32]byte, deleted bool) error {
	node := chainstore.MmrNode{Hash: hash, Deleted: deleted}
	switch tree {
	case chainstore.TreeKernel:
		f.kernelNodes = append(f.kernelNodes, node)
	case chainstore.TreeUTXO:
		f.utxoNodes = append(f.utxoNodes, node)
	default:
		f.rpNodes = append(f.rpNodes, node)
	}
	return nil
}

func (f *fakeStore) InsertUtxo(o *chainstore.TransactionOutput) error {
	f.insertedUtxos = append(f.insertedUtxos, *o)
	f.utxoNodes = append(f.utxoNodes, chainstore.MmrNode{Hash: o.Hash})
	f.rpNodes = append(f.rpNodes, chainstore.MmrNode{Hash: o.Hash})
	return nil
}

func (f *fakeStore) InsertKernel(k *chainstore.TransactionKernel) error {
	f.insertedKernels = append(f.insertedKernels, *k)
	f.kernelNodes = append(f.kernelNodes, chainstore.MmrNode{Hash: k.Hash})
	return nil
}

func (f *fakeStore) InvalidateOutput(hash [32]byte) error {
	for i, n := range f.utxoNodes {
		if n.Hash == hash {
			f.utxoNodes[i].Deleted = true
		}
	}
	return nil
}

func (f *fakeStore) ValidateMerkleRoot(tree chainstore.Tree, height uint64) (bool, error) {
	return f.rootValid[tree], nil
}

func (f *fakeStore) HorizonSyncBegin() error    { f.beginCalled = true; return nil }
func (f *fakeStore) HorizonSyncCommit() error   { f.commitCalled = true; return nil }
func (f *fakeStore) HorizonSyncRollback() error { f.rollbackCalled = true; return nil }

func (f *fakeStore) FetchTargetDifficulties(algo string, tip, window uint64) ([][]byte, error) {
	return nil, nil
}
func (f *fakeStore) FetchKernelsByHash(hashes [][32]byte) ([]chainstore.TransactionKernel, error) {
	return nil, nil
}
func (f *fakeStore) FetchUtxosByHash(hashes [][32]byte) ([]chainstore.TransactionOutput, error) {
	return nil, nil
}

var _ chainstore.Store = (*fakeStore)(nil)

type fakeVerifier struct {
	kernelErr error
}

func (v *fakeVerifier) VerifyKernel(k *chainstore.TransactionKernel) error { return v.kernelErr }
func (v *fakeVerifier) VerifyRangeProof(o *chainstore.TransactionOutput) error { return nil }
func (v *fakeVerifier) ComputeMmrRoot(tree chainstore.Tree, nodes []chainstore.MmrNode) ([32]byte, error) {
	return [32]byte{}, nil
}

var _ chainstore.Verifier = (*fakeVerifier)(nil)

type fakeSyncPeer struct {
	id           identity.NodeID
	remoteCounts map[chainstore.Tree]uint64
	nodes        map[chainstore.Tree][][32]byte
	bitmap       map[chainstore.Tree][]byte
	kernels      []chainstore.TransactionKernel
	utxos        []chainstore.TransactionOutput
}

func (p *fakeSyncPeer) NodeID() identity.NodeID { return p.id }

func (p *fakeSyncPeer) FetchMmrNodeCount(ctx context.Context, tree chainstore.Tree, height uint64) (uint64, error) {
	return p.remoteCounts[tree], nil
}

func (p *fakeSyncPeer) FetchMmrNodes(ctx context.Context, tree chainstore.Tree, pos, count, histHeight uint64) ([][32]byte, []byte, error) {
	return p.nodes[tree], p.bitmap[tree], nil
}

func (p *fakeSyncPeer) FetchKernels(ctx context.Context, hashes [][32]byte) ([]chainstore.TransactionKernel, error) {
	return p.kernels, nil
}

func (p *fakeSyncPeer) FetchMatchingUtxos(ctx context.Context, hashes [][32]byte) ([]chainstore.TransactionOutput, error) {
	return p.utxos, nil
}

var _ SyncPeer = (*fakeSyncPeer)(nil)

func newNodeID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func TestRunCommitsWhenAlreadySynchronized(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{}
	peerStore := peerstore.NewInMemory()
	bus := events.NewBus(4)
	peer := &fakeSyncPeer{id: newNodeID(1), remoteCounts: map[chainstore.Tree]uint64{}}

	cfg := Config{MaxSyncRequestRetryAttempts: 3, MaxUTXOMMRNodeRequestSize: 100, PeerBanDuration: time.Minute}
	sync := New(cfg, store, verifier, peerStore, bus, nil, []SyncPeer{peer})

	err := sync.Run(context.Background(), 0, 0)
	require.NoError(t, err)
	require.True(t, store.beginCalled)
	require.True(t, store.commitCalled)
	require.False(t, store.rollbackCalled)
}

func TestRunRollsBackOnInvalidMmrRoot(t *testing.T) {
	store := newFakeStore()
	store.rootValid[chainstore.TreeKernel] = false
	verifier := &fakeVerifier{}
	peerStore := peerstore.NewInMemory()
	bus := events.NewBus(4)
	hash := [32]byte{9}
	peer := &fakeSyncPeer{
		id:           newNodeID(1),
		remoteCounts: map[chainstore.Tree]uint64{chainstore.TreeKernel: 1},
		nodes:        map[chainstore.Tree][][32]byte{chainstore.TreeKernel: {hash}},
		kernels:      []chainstore.TransactionKernel{{Hash: hash}},
	}

	cfg := Config{MaxSyncRequestRetryAttempts: 3, MaxUTXOMMRNodeRequestSize: 100, PeerBanDuration: time.Minute}
	sync := New(cfg, store, verifier, peerStore, bus, nil, []SyncPeer{peer})

	err := sync.Run(context.Background(), 0, 0)
	require.ErrorIs(t, err, ErrInvalidMmrRoot)
	require.True(t, store.rollbackCalled)
	require.False(t, store.commitCalled)
}

func TestKernelSyncBansPeerOnInvalidSignatureAndExhaustsAttempts(t *testing.T) {
	store := newFakeStore()
	hash := [32]byte{9}
	verifier := &fakeVerifier{kernelErr: errors.New("bad signature")}
	peerStore := peerstore.NewInMemory()
	nodeID := newNodeID(2)
	require.NoError(t, peerStore.Upsert(&peerstore.Peer{NodeID: nodeID}))

	bus := events.NewBus(4)
	peer := &fakeSyncPeer{
		id:           nodeID,
		remoteCounts: map[chainstore.Tree]uint64{chainstore.TreeKernel: 1},
		nodes:        map[chainstore.Tree][][32]byte{chainstore.TreeKernel: {hash}},
		kernels:      []chainstore.TransactionKernel{{Hash: hash}},
	}

	cfg := Config{MaxSyncRequestRetryAttempts: 3, MaxUTXOMMRNodeRequestSize: 100, PeerBanDuration: time.Minute}
	sync := New(cfg, store, verifier, peerStore, bus, nil, []SyncPeer{peer})

	err := sync.Run(context.Background(), 0, 0)
	require.ErrorIs(t, err, ErrMaxSyncAttemptsReached)
	require.True(t, store.rollbackCalled)

	banned := peerStore.Get(nodeID)
	require.NotNil(t, banned)
	require.True(t, banned.IsBanned(time.Now()))
}
