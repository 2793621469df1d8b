package metrics

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/basenode/events"
)

func TestServeExposesMetricsEndpoint(t *testing.T) {
	ConnectedPeers.Set(3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:9998") }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:9998/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCollectorTranslatesBusEvents(t *testing.T) {
	bus := events.NewBus(8)
	c := StartCollector(bus)
	defer c.Stop()

	before := testutil.ToFloat64(ConnectedPeers)
	bus.Publish(events.Event{Kind: events.KindPeerConnected})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ConnectedPeers) == before+1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{
		Kind: events.KindBlockEvent,
		Payload: events.BlockEvent{
			BlockHash: [32]byte{1},
			FailureErr: errors.New("invalid kernel"),
		},
	})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(BlocksAddedTotal.WithLabelValues("error")) > 0
	}, time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{
		Kind: events.KindStatusInfo,
		Payload: events.StatusInfo{
			State:      events.SyncStateBlocks,
			TipHeight:  42,
			NetworkTip: 100,
		},
	})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ChainTipHeight) == 42 && testutil.ToFloat64(NetworkTipHeight) == 100
	}, time.Second, 10*time.Millisecond)
}

func TestBlockEventOutcomeLabel(t *testing.T) {
	require.Equal(t, "error", blockEventOutcome(events.BlockEvent{FailureErr: errors.New("boom")}))
	require.Equal(t, "ok", blockEventOutcome(events.BlockEvent{Outcome: events.BlockAddOk}))
	require.Equal(t, "exists", blockEventOutcome(events.BlockEvent{Outcome: events.BlockAddExists}))
	require.Equal(t, "orphan", blockEventOutcome(events.BlockEvent{Outcome: events.BlockAddOrphan}))
	require.Equal(t, "reorg", blockEventOutcome(events.BlockEvent{Outcome: events.BlockAddReorg}))
}
