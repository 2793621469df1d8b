// Package propagation implements the Block-Propagation Core (§4.E): a
// single-permit semaphore gating full-block fetches so that multiple
// peers gossiping the same hash trigger exactly one fetch, plus
// re-propagation of newly-accepted blocks to every other connected
// peer. Grounded on inbound_handlers.rs's
// new_block_request_semaphore: Arc<Semaphore::new(1)> and
// handle_new_block_message.
package propagation

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/basenode/chainstore"
	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/log"
)

var propagationLog = log.Logger(log.SubsystemPropagation)

// ErrPeerFailedToSupplyBlock is returned when the peer that announced a
// block does not return it on request.
var ErrPeerFailedToSupplyBlock = errors.New("propagation: peer failed to supply requested block")

// Outcome classifies the result of handling a NewBlock announcement.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeBlockExists
	OutcomeOrphanBlock
	OutcomeChainReorg
	OutcomeInvalidPeerResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "Ok"
	case OutcomeBlockExists:
		return "BlockExists"
	case OutcomeOrphanBlock:
		return "OrphanBlock"
	case OutcomeChainReorg:
		return "ChainReorg"
	case OutcomeInvalidPeerResponse:
		return "InvalidPeerResponse"
	default:
		return "Unknown"
	}
}

// PeerClient is the request surface the propagation core needs against
// a single connected peer: fetching a full block body, and announcing
// one onward. The concrete RPC transport (noisesocket + wire + yamux
// stream) lives in connmgr; this package only depends on the
// behavioural contract.
type PeerClient interface {
	FetchBlocksWithHashes(ctx context.Context, hashes [][32]byte) ([]chainstore.Block, error)
	AnnounceNewBlock(ctx context.Context, hash [32]byte) error
}

// PeerSet resolves a connected peer by ID and enumerates the exclude-set
// for re-propagation.
type PeerSet interface {
	Get(id identity.NodeID) (PeerClient, bool)
	AllExcept(id identity.NodeID) map[identity.NodeID]PeerClient
}

// BlockStore is the slice of chainstore.Store the propagation core
// actually calls: existence check and atomic insert. A narrower
// interface than the full chain-store contract, named by behaviour the
// same way chainstore.Store itself is.
type BlockStore interface {
	BlockExists(hash [32]byte) (bool, error)
	AddBlock(b *chainstore.Block) (chainstore.AddBlockOutcome, error)
}

// Core is the propagation state machine. Its only mutable state is the
// one-token permit channel; everything else is a reference to a
// collaborator.
type Core struct {
	store  BlockStore
	bus    *events.Bus
	peers  PeerSet
	permit chan struct{}
}

// New constructs a Core with its permit available.
func New(store BlockStore, bus *events.Bus, peers PeerSet) *Core {
	c := &Core{
		store:  store,
		bus:    bus,
		peers:  peers,
		permit: make(chan struct{}, 1),
	}
	c.permit <- struct{}{}
	return c
}

func (c *Core) acquire(ctx context.Context) error {
	select {
	case <-c.permit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) release() {
	c.permit <- struct{}{}
}

// HandleNewBlock runs the propagation protocol for a NewBlock(hash)
// announcement received from peer from. The permit is held only across
// steps 1-4 (acquisition is brief, per §5's cancellation model); it is
// released before re-propagating to other peers.
func (c *Core) HandleNewBlock(ctx context.Context, hash [32]byte, from identity.NodeID) (Outcome, error) {
	if err := c.acquire(ctx); err != nil {
		return OutcomeInvalidPeerResponse, err
	}

	block, dedup, err := c.fetchBlock(ctx, hash, from)
	if err != nil {
		c.release()
		return OutcomeInvalidPeerResponse, err
	}
	if dedup {
		c.release()
		return OutcomeBlockExists, nil
	}

	result, addErr := c.store.AddBlock(block)
	c.release()
	if addErr != nil {
		c.bus.Publish(events.Event{
			Kind: events.KindBlockEvent,
			Payload: events.BlockEvent{BlockHash: hash, FailureErr: addErr},
		})
		return OutcomeInvalidPeerResponse, addErr
	}

	outcome := outcomeFor(result.Result)
	c.bus.Publish(events.Event{
		Kind:    events.KindBlockEvent,
		Payload: events.BlockEvent{BlockHash: hash, Outcome: blockAddOutcomeFor(outcome), ReorgDepth: result.ReorgDepth},
	})

	if outcome == OutcomeOk || outcome == OutcomeChainReorg {
		c.propagate(ctx, hash, from)
	}

	return outcome, nil
}

var errNoConnection = errors.New("propagation: no connection for announcing peer")

// fetchBlock runs steps 2-3 under the permit: dedup against an
// already-known block, then fetch the full body from the announcing
// peer. dedup reports a clean step-2 short-circuit; a non-nil error
// means step 3 failed and step 4 must not run at all, matching the
// spec's "return InvalidPeerResponse" short-circuit that precedes
// block-store classification and event publication.
func (c *Core) fetchBlock(ctx context.Context, hash [32]byte, from identity.NodeID) (block *chainstore.Block, dedup bool, err error) {
	exists, err := c.store.BlockExists(hash)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, true, nil
	}

	peer, ok := c.peers.Get(from)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", errNoConnection, from)
	}

	blocks, err := peer.FetchBlocksWithHashes(ctx, [][32]byte{hash})
	if err != nil || len(blocks) == 0 {
		propagationLog.Warnf("peer %s announced block %x but failed to supply it: %v", from, hash, err)
		return nil, false, ErrPeerFailedToSupplyBlock
	}

	return &blocks[0], false, nil
}

func (c *Core) propagate(ctx context.Context, hash [32]byte, from identity.NodeID) {
	for id, peer := range c.peers.AllExcept(from) {
		if err := peer.AnnounceNewBlock(ctx, hash); err != nil {
			propagationLog.Debugf("propagate block %x to %s: %v", hash, id, err)
		}
	}
}

func outcomeFor(r chainstore.AddBlockResult) Outcome {
	switch r {
	case chainstore.AddBlockOk:
		return OutcomeOk
	case chainstore.AddBlockExists:
		return OutcomeBlockExists
	case chainstore.AddBlockOrphan:
		return OutcomeOrphanBlock
	case chainstore.AddBlockReorg:
		return OutcomeChainReorg
	default:
		return OutcomeInvalidPeerResponse
	}
}

func blockAddOutcomeFor(o Outcome) events.BlockAddOutcome {
	switch o {
	case OutcomeOk:
		return events.BlockAddOk
	case OutcomeBlockExists:
		return events.BlockAddExists
	case OutcomeOrphanBlock:
		return events.BlockAddOrphan
	case OutcomeChainReorg:
		return events.BlockAddReorg
	default:
		return events.BlockAddOrphan
	}
}
