// Package metrics exposes process health as prometheus gauges/counters,
// the same client_golang dependency the teacher's go.mod carries
// (wired through grpc-ecosystem/go-grpc-prometheus there; wired here
// directly, since this core has no gRPC surface of its own). Grounded
// on the counter/gauge-vec shape used by go-libp2p's tcp transport
// metrics (p2p/transport/tcp/metrics.go): package-level vectors
// registered once, exported via promhttp rather than hand-rolled text.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/log"
)

var metricsLog = log.Logger(log.SubsystemNode)

var (
	// ConnectedPeers counts PeerConnected events; nothing decrements it
	// when a connection closes.
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "basenode_connected_peers",
		Help: "Number of peer connections established since start.",
	})

	// DialAttemptsTotal counts outbound dial attempts by outcome.
	DialAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basenode_dial_attempts_total",
		Help: "Outbound dial attempts, labelled by outcome.",
	}, []string{"outcome"})

	// PeersBannedTotal counts peer-store bans by reason.
	PeersBannedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basenode_peers_banned_total",
		Help: "Peers banned, labelled by reason.",
	}, []string{"reason"})

	// BlocksAddedTotal counts chain-store AddBlock results by outcome.
	BlocksAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basenode_blocks_added_total",
		Help: "Blocks passed to the chain store, labelled by outcome.",
	}, []string{"outcome"})

	// ChainTipHeight is the local chain's current best height.
	ChainTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "basenode_chain_tip_height",
		Help: "Height of the local chain tip.",
	})

	// NetworkTipHeight is the last network tip height observed from peers.
	NetworkTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "basenode_network_tip_height",
		Help: "Highest tip height claimed by a connected peer.",
	})

	// SyncState mirrors events.SyncState as a gauge (0=Horizon,
	// 1=Headers, 2=Blocks, 3=Done) for dashboards that can't subscribe
	// to the event bus directly.
	SyncState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "basenode_sync_state",
		Help: "Current sync-state-machine phase.",
	})

	// HorizonSyncChunkDuration times each horizon-sync chunk request.
	HorizonSyncChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "basenode_horizon_sync_chunk_duration_seconds",
		Help:    "Wall time spent per horizon-sync chunk.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// Collector subscribes to an events.Bus and translates the events the
// comms/sync core already publishes (connects, bans, block-add
// outcomes, sync status) into updates on the instruments above.
// Instruments with no corresponding event (dial attempts, sync-driven
// bans, chunk timing) are updated directly at their call sites instead.
type Collector struct {
	cancel func()
}

// StartCollector subscribes to bus and runs the translation loop until
// Stop is called. Mirrors the subscribe-then-range-over-channel shape
// every other events.Bus consumer in this tree uses.
func StartCollector(bus *events.Bus) *Collector {
	ch, cancel := bus.Subscribe()
	c := &Collector{cancel: cancel}
	go func() {
		for e := range ch {
			observe(e)
		}
	}()
	return c
}

// Stop unsubscribes the collector from its bus.
func (c *Collector) Stop() {
	c.cancel()
}

func observe(e events.Event) {
	switch e.Kind {
	case events.KindPeerConnected:
		ConnectedPeers.Inc()
	case events.KindPeerBanned:
		if p, ok := e.Payload.(events.PeerBanned); ok {
			PeersBannedTotal.WithLabelValues(p.Reason).Inc()
		}
	case events.KindBlockEvent:
		if b, ok := e.Payload.(events.BlockEvent); ok {
			BlocksAddedTotal.WithLabelValues(blockEventOutcome(b)).Inc()
		}
	case events.KindStatusInfo:
		if s, ok := e.Payload.(events.StatusInfo); ok {
			ChainTipHeight.Set(float64(s.TipHeight))
			NetworkTipHeight.Set(float64(s.NetworkTip))
			SyncState.Set(float64(s.State))
		}
	}
}

func blockEventOutcome(b events.BlockEvent) string {
	if b.FailureErr != nil {
		return "error"
	}
	switch b.Outcome {
	case events.BlockAddOk:
		return "ok"
	case events.BlockAddExists:
		return "exists"
	case events.BlockAddOrphan:
		return "orphan"
	case events.BlockAddReorg:
		return "reorg"
	default:
		return "unknown"
	}
}

// Serve starts the metrics HTTP listener on addr and blocks until ctx
// is cancelled or the listener fails. Mirrors the teacher's lnd.go
// pprof-on-cfg.Profile pattern (a bare net/http server under a
// dedicated port, started in a goroutine by the caller), but exposes
// promhttp's handler instead of net/http/pprof's.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		metricsLog.Infof("metrics server shutting down")
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
