// Package horizonsync implements the Horizon Sync State Machine (§4.F):
// bringing a pruned node's kernel, UTXO and range-proof MMRs up to a
// target sync height against a rotating set of peers, inside a single
// chain-store transactional bracket. Grounded on the teacher's upstream
// horizon_state_sync/state_sync.rs (HorizonStateSynchronization's
// synchronize/begin_sync/finalize_horizon_sync/rollback sequence),
// restructured as a linear Go method chain instead of a struct of
// borrowed references.
package horizonsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/basenode/chainstore"
	"github.com/lightningnetwork/basenode/chunk"
	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/log"
	"github.com/lightningnetwork/basenode/metrics"
	"github.com/lightningnetwork/basenode/peerstore"
	"github.com/lightningnetwork/basenode/rbitmap"
)

var syncLog = log.Logger(log.SubsystemHorizon)

// Sentinel errors. Anything not in this list that bubbles from a
// collaborator is treated as recoverable: the caller may retry.
var (
	ErrMaxSyncAttemptsReached = errors.New("horizonsync: exhausted all candidate peers for this chunk")
	ErrInvalidMmrRoot         = errors.New("horizonsync: recomputed mmr root does not match expected root")
	ErrIncorrectResponse      = errors.New("horizonsync: peer response shape does not match the request")
	ErrEmptyResponse          = errors.New("horizonsync: peer returned no data for a non-empty request")
	ErrFinalValidationFailed  = errors.New("horizonsync: final state validation failed")
)

// unrecoverable reports whether err demands a rollback rather than a
// bubble-and-retry by the caller, per §4.F step 6.
func unrecoverable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidMmrRoot),
		errors.Is(err, ErrFinalValidationFailed),
		errors.Is(err, ErrMaxSyncAttemptsReached):
		return true
	default:
		return false
	}
}

// SyncPeer is the remote request surface the sync routine needs against
// one candidate peer: the same shapes the local Handlers type in
// package inbound serves, but issued over the wire against a remote.
type SyncPeer interface {
	NodeID() identity.NodeID
	FetchMmrNodeCount(ctx context.Context, tree chainstore.Tree, height uint64) (uint64, error)
	FetchMmrNodes(ctx context.Context, tree chainstore.Tree, pos, count, histHeight uint64) (hashes [][32]byte, deletedBitmap []byte, err error)
	FetchKernels(ctx context.Context, hashes [][32]byte) ([]chainstore.TransactionKernel, error)
	FetchMatchingUtxos(ctx context.Context, hashes [][32]byte) ([]chainstore.TransactionOutput, error)
}

// FinalStateValidator runs pluggable, user-supplied validation over the
// synchronized state at the target height before it is committed.
type FinalStateValidator func(syncHeight uint64) error

// Config names every horizon-sync knob from SPEC_FULL.md §6.
type Config struct {
	MaxSyncRequestRetryAttempts int
	MaxUTXOMMRNodeRequestSize   uint64
	PeerBanDuration             time.Duration
}

// SyncHeight computes min(network_tip - pruning_horizon + offset,
// network_tip), the Open Question resolution from §4.F: the horizon
// sync target trails the network tip by the pruning horizon, plus a
// safety offset, but never overshoots the tip itself.
func SyncHeight(networkTip, pruningHorizon, offset uint64) uint64 {
	if pruningHorizon > networkTip+offset {
		return 0
	}
	target := networkTip - pruningHorizon + offset
	if target > networkTip {
		return networkTip
	}
	return target
}

// Sync drives one horizon-sync run against a chain store and a rotating
// peer pool.
type Sync struct {
	cfg       Config
	store     chainstore.Store
	verifier  chainstore.Verifier
	peerStore *peerstore.Store
	bus       *events.Bus
	validator FinalStateValidator
	pool      *peerPool
}

// New constructs a Sync over an initial candidate peer set.
func New(
	cfg Config,
	store chainstore.Store,
	verifier chainstore.Verifier,
	peerStore *peerstore.Store,
	bus *events.Bus,
	validator FinalStateValidator,
	peers []SyncPeer,
) *Sync {
	return &Sync{
		cfg:       cfg,
		store:     store,
		verifier:  verifier,
		peerStore: peerStore,
		bus:       bus,
		validator: validator,
		pool:      newPeerPool(peers),
	}
}

// Run executes the full horizon-sync protocol to syncHeight: prepare,
// kernel sync, UTXO deletion reconciliation, UTXO+range-proof
// extension, finalize. localTipHeight is the local chain's current
// height, used to bound the UTXO-deletion-reconciliation pass over
// already-held UTXOs (§4.F step 3); it is ordinarily below syncHeight.
// Unrecoverable errors are rolled back before returning; recoverable
// errors bubble without rollback so the caller may retry the whole run.
func (s *Sync) Run(ctx context.Context, localTipHeight, syncHeight uint64) error {
	if err := s.store.HorizonSyncBegin(); err != nil {
		return err
	}

	err := s.runSteps(ctx, localTipHeight, syncHeight)
	if err == nil {
		s.publish(true)
		return nil
	}

	if !unrecoverable(err) {
		s.publish(false)
		return err
	}

	syncLog.Errorf("horizon sync failed at height %d, rolling back: %v", syncHeight, err)
	if rbErr := s.store.HorizonSyncRollback(); rbErr != nil {
		syncLog.Errorf("horizon sync rollback also failed: %v", rbErr)
	}
	s.publish(false)
	return err
}

func (s *Sync) publish(ok bool) {
	state := events.SyncStateDone
	if !ok {
		state = events.SyncStateHorizon
	}
	s.bus.Publish(events.Event{
		Kind:    events.KindStatusInfo,
		Payload: events.StatusInfo{State: state, SyncPeerCount: s.pool.len()},
	})
}

func (s *Sync) runSteps(ctx context.Context, localTipHeight, syncHeight uint64) error {
	if err := s.syncKernels(ctx, syncHeight); err != nil {
		return err
	}
	if err := s.reconcileUtxoDeletions(ctx, localTipHeight, syncHeight); err != nil {
		return err
	}
	if err := s.extendUtxosAndRangeProofs(ctx, syncHeight); err != nil {
		return err
	}
	return s.finalize(syncHeight)
}

// syncKernels is §4.F step 2.
func (s *Sync) syncKernels(ctx context.Context, syncHeight uint64) error {
	localCount, err := s.store.FetchMmrNodeCount(chainstore.TreeKernel, syncHeight)
	if err != nil {
		return err
	}

	remoteCount, _, err := s.requestRemoteMmrNodeCount(ctx, chainstore.TreeKernel, syncHeight)
	if err != nil {
		return err
	}
	if localCount >= remoteCount {
		syncLog.Debugf("local kernel set already synchronized at height %d", syncHeight)
		return nil
	}

	for _, rng := range chunk.Chunks(localCount, remoteCount, s.cfg.MaxUTXOMMRNodeRequestSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncKernelChunk(ctx, rng, syncHeight); err != nil {
			return err
		}
	}

	ok, err := s.store.ValidateMerkleRoot(chainstore.TreeKernel, syncHeight)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidMmrRoot
	}
	return nil
}

func (s *Sync) syncKernelChunk(ctx context.Context, rng chunk.Range, syncHeight uint64) error {
	start := time.Now()
	defer func() { metrics.HorizonSyncChunkDuration.Observe(time.Since(start).Seconds()) }()

	peers := s.pool.healthy()
	for attempt, peer := range peers {
		hashes, _, err := peer.FetchMmrNodes(ctx, chainstore.TreeKernel, rng.Pos, rng.Count, syncHeight)
		if err != nil {
			syncLog.Debugf("kernel mmr node request to %s failed: %v", peer.NodeID(), err)
			continue
		}
		kernels, err := peer.FetchKernels(ctx, hashes)
		if err != nil {
			syncLog.Debugf("kernel fetch from %s failed: %v", peer.NodeID(), err)
			continue
		}

		if err := validateKernelResponse(hashes, kernels, s.verifier); err != nil {
			syncLog.Warnf("peer %s supplied invalid kernels: %v", peer.NodeID(), err)
			s.pool.ban(s.peerStore, peer, "invalid kernel response", s.cfg.PeerBanDuration)
			if attempt == len(peers)-1 {
				return ErrMaxSyncAttemptsReached
			}
			continue
		}

		for i := range kernels {
			if err := s.store.InsertKernel(&kernels[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrMaxSyncAttemptsReached
}

// reconcileUtxoDeletions is §4.F step 3: check whether any UTXO the
// local node already holds has since been spent remotely.
func (s *Sync) reconcileUtxoDeletions(ctx context.Context, localTipHeight, syncHeight uint64) error {
	localCount, err := s.store.FetchMmrNodeCount(chainstore.TreeUTXO, localTipHeight)
	if err != nil {
		return err
	}

	for _, rng := range chunk.Chunks(0, localCount, s.cfg.MaxUTXOMMRNodeRequestSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.reconcileUtxoDeletionChunk(ctx, rng, syncHeight); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sync) reconcileUtxoDeletionChunk(ctx context.Context, rng chunk.Range, syncHeight uint64) error {
	start := time.Now()
	defer func() { metrics.HorizonSyncChunkDuration.Observe(time.Since(start).Seconds()) }()

	localNodes, err := s.store.FetchMmrNodes(chainstore.TreeUTXO, rng.Pos, rng.Count, syncHeight)
	if err != nil {
		return err
	}

	peers := s.pool.healthy()
	for attempt, peer := range peers {
		remoteHashes, remoteBitmapBytes, err := peer.FetchMmrNodes(ctx, chainstore.TreeUTXO, rng.Pos, rng.Count, syncHeight)
		if err != nil {
			syncLog.Debugf("utxo deletion-state request to %s failed: %v", peer.NodeID(), err)
			continue
		}

		if len(remoteHashes) != len(localNodes) {
			syncLog.Warnf("peer %s returned %d utxo hashes, expected %d; excluding", peer.NodeID(), len(remoteHashes), len(localNodes))
			s.pool.exclude(peer)
			if attempt == len(peers)-1 {
				return ErrMaxSyncAttemptsReached
			}
			continue
		}

		remoteDeleted, err := rbitmap.Deserialize(remoteBitmapBytes)
		if err != nil {
			s.pool.exclude(peer)
			continue
		}

		mismatch := false
		for i, local := range localNodes {
			if local.Hash != remoteHashes[i] {
				mismatch = true
				break
			}
		}
		if mismatch {
			syncLog.Warnf("peer %s returned mismatched utxo hashes at pos %d; excluding, may be on a different chain", peer.NodeID(), rng.Pos)
			s.pool.exclude(peer)
			if attempt == len(peers)-1 {
				return ErrMaxSyncAttemptsReached
			}
			continue
		}

		for i, local := range localNodes {
			if remoteDeleted.Contains(uint32(rng.Pos)+uint32(i)) && !local.Deleted {
				if err := s.store.InvalidateOutput(local.Hash); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return ErrMaxSyncAttemptsReached
}

// extendUtxosAndRangeProofs is §4.F step 4.
func (s *Sync) extendUtxosAndRangeProofs(ctx context.Context, syncHeight uint64) error {
	localCount, err := s.store.FetchMmrNodeCount(chainstore.TreeUTXO, syncHeight)
	if err != nil {
		return err
	}
	remoteCount, _, err := s.requestRemoteMmrNodeCount(ctx, chainstore.TreeUTXO, syncHeight)
	if err != nil {
		return err
	}

	for _, rng := range chunk.Chunks(localCount, remoteCount, s.cfg.MaxUTXOMMRNodeRequestSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.extendChunk(ctx, rng, syncHeight); err != nil {
			return err
		}
	}

	for _, tree := range []chainstore.Tree{chainstore.TreeUTXO, chainstore.TreeRangeProof} {
		ok, err := s.store.ValidateMerkleRoot(tree, syncHeight)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: tree %v", ErrInvalidMmrRoot, tree)
		}
	}
	return nil
}

func (s *Sync) extendChunk(ctx context.Context, rng chunk.Range, syncHeight uint64) error {
	start := time.Now()
	defer func() { metrics.HorizonSyncChunkDuration.Observe(time.Since(start).Seconds()) }()

	peers := s.pool.healthy()
	for attempt, peer := range peers {
		utxoHashes, utxoBitmapBytes, err := peer.FetchMmrNodes(ctx, chainstore.TreeUTXO, rng.Pos, rng.Count, syncHeight)
		if err != nil {
			continue
		}
		rpHashes, _, err := peer.FetchMmrNodes(ctx, chainstore.TreeRangeProof, rng.Pos, rng.Count, syncHeight)
		if err != nil {
			continue
		}
		if len(utxoHashes) != len(rpHashes) {
			syncLog.Warnf("peer %s returned mismatched utxo/rangeproof node counts", peer.NodeID())
			s.pool.ban(s.peerStore, peer, "mismatched utxo/rangeproof node counts", s.cfg.PeerBanDuration)
			if attempt == len(peers)-1 {
				return ErrMaxSyncAttemptsReached
			}
			continue
		}

		deleted, err := rbitmap.Deserialize(utxoBitmapBytes)
		if err != nil {
			continue
		}

		requestHashes := make([][32]byte, 0, len(utxoHashes))
		isSpent := make([]bool, len(utxoHashes))
		for i, h := range utxoHashes {
			if deleted.Contains(uint32(rng.Pos) + uint32(i)) {
				isSpent[i] = true
				continue
			}
			requestHashes = append(requestHashes, h)
		}

		utxos, err := peer.FetchMatchingUtxos(ctx, requestHashes)
		if err != nil || len(utxos) != len(requestHashes) {
			syncLog.Warnf("peer %s did not supply the full requested utxo set", peer.NodeID())
			s.pool.ban(s.peerStore, peer, "incomplete utxo response", s.cfg.PeerBanDuration)
			if attempt == len(peers)-1 {
				return ErrMaxSyncAttemptsReached
			}
			continue
		}

		utxoIdx := 0
		for i := range utxoHashes {
			if isSpent[i] {
				if err := s.store.InsertMmrNode(chainstore.TreeUTXO, utxoHashes[i], true); err != nil {
					return err
				}
				if err := s.store.InsertMmrNode(chainstore.TreeRangeProof, rpHashes[i], false); err != nil {
					return err
				}
				continue
			}
			out := utxos[utxoIdx]
			utxoIdx++
			if out.Hash != utxoHashes[i] {
				return fmt.Errorf("%w: utxo hash mismatch at position %d", ErrIncorrectResponse, rng.Pos+uint64(i))
			}
			if err := s.verifier.VerifyRangeProof(&out); err != nil {
				return fmt.Errorf("%w: %v", ErrIncorrectResponse, err)
			}
			if err := s.store.InsertUtxo(&out); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrMaxSyncAttemptsReached
}

func (s *Sync) finalize(syncHeight uint64) error {
	if s.validator != nil {
		if err := s.validator(syncHeight); err != nil {
			return fmt.Errorf("%w: %v", ErrFinalValidationFailed, err)
		}
	}
	return s.store.HorizonSyncCommit()
}

func (s *Sync) requestRemoteMmrNodeCount(ctx context.Context, tree chainstore.Tree, height uint64) (uint64, SyncPeer, error) {
	peers := s.pool.healthy()
	for attempt, peer := range peers {
		count, err := peer.FetchMmrNodeCount(ctx, tree, height)
		if err == nil {
			return count, peer, nil
		}
		syncLog.Debugf("mmr node count request to %s failed: %v", peer.NodeID(), err)
		if attempt == len(peers)-1 {
			return 0, nil, ErrMaxSyncAttemptsReached
		}
	}
	return 0, nil, ErrMaxSyncAttemptsReached
}

func validateKernelResponse(hashes [][32]byte, kernels []chainstore.TransactionKernel, verifier chainstore.Verifier) error {
	if len(kernels) == 0 {
		return ErrEmptyResponse
	}
	if len(hashes) != len(kernels) {
		return ErrIncorrectResponse
	}
	for i, k := range kernels {
		if k.Hash != hashes[i] {
			return ErrIncorrectResponse
		}
		if err := verifier.VerifyKernel(&k); err != nil {
			return fmt.Errorf("%w: %v", ErrIncorrectResponse, err)
		}
	}
	return nil
}
