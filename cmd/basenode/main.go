// Command basenode is the process entry point, wiring the comms and
// sync core packages together the way lnd.go's lndMain wires lnd's
// subsystems: load config, set up logging, bring up identity and the
// peer store, start the dialer/acceptor, then block on a shutdown
// signal. Grounded directly on lnd.go's lndMain/main shape.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btclog"

	"github.com/lightningnetwork/basenode/config"
	"github.com/lightningnetwork/basenode/connmgr"
	"github.com/lightningnetwork/basenode/events"
	"github.com/lightningnetwork/basenode/identity"
	"github.com/lightningnetwork/basenode/log"
	"github.com/lightningnetwork/basenode/metrics"
	"github.com/lightningnetwork/basenode/noisesocket"
	"github.com/lightningnetwork/basenode/peerstore"
)

var nodeLog = log.Logger(log.SubsystemNode)

func main() {
	if err := basenodeMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// basenodeMain is the true entry point. Kept separate from main so
// deferred cleanup always runs, matching lndMain's rationale (os.Exit
// skips top-level defers).
func basenodeMain() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if level, ok := btclog.LevelFromString(cfg.LogLevel); ok {
		log.SetLevel(level)
	}
	if cfg.LogDir != "" {
		if err := log.UseRotatingFile(cfg.LogDir+"/basenode.log", 10); err != nil {
			return fmt.Errorf("setting up log rotation: %w", err)
		}
	}

	nodeLog.Infof("basenode starting, datadir=%s", cfg.DataDir)

	id, err := identity.Generate(cfg.ListenAddrs, 0)
	if err != nil {
		return fmt.Errorf("generating node identity: %w", err)
	}
	nodeLog.Infof("node id: %s", id.NodeID)

	staticKey, err := noisesocket.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating noise static keypair: %w", err)
	}

	peers := peerstore.NewInMemory()
	bus := events.NewBus(64)

	collector := metrics.StartCollector(bus)
	defer collector.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Profile != "" {
		addr := net.JoinHostPort("", cfg.Profile)
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				nodeLog.Errorf("metrics server exited: %v", err)
			}
		}()
		nodeLog.Infof("metrics listening on %s", addr)
	}

	dialerCfg := connmgr.Config{
		MaxDialAttempts:       cfg.MaxDialAttempts,
		PeerDialRetryTimeout:  cfg.PeerDialRetryTimeout,
		NetworkByte:           cfg.NetworkByte,
		MaxOffencesBeforeBan:  cfg.MaxOffencesBeforeBan,
		PeerBanDuration:       cfg.PeerBanDuration,
		IdentitySkewTolerance: cfg.IdentitySkewTolerance,
	}
	dialer := connmgr.New(dialerCfg, id, staticKey, peers, bus, dialNet)
	acceptor := connmgr.NewAcceptor(dialerCfg, id, staticKey, peers, bus, dialer)

	listeners, err := startListeners(cfg.ListenAddrs, acceptor)
	if err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	// The chain store (chainstore.Store/Verifier) and the peer-facing
	// wire RPC client (the inbound.Handlers counterpart satisfying
	// propagation.PeerClient / horizonsync.SyncPeer / blocksync.SyncPeer)
	// are external collaborators by design (§1 Non-goals: SQLite layer,
	// script interpreter, range-proof cryptography) and are supplied by
	// an embedding application, not constructed here. With them plugged
	// in, the sync drivers are wired exactly like the dialer above:
	// horizonsync.New(cfg, store, verifier, peers, bus, validator, syncPeers)
	// followed by blocksync.New(cfg, store, peers, bus, syncPeers), driven
	// from a loop that watches store.GetChainMetadata() against the
	// highest NetworkTip claimed by a connected peer.
	nodeLog.Infof("comms core up, waiting for shutdown signal")

	waitForShutdown()
	nodeLog.Infof("shutdown signal received, stopping")
	return nil
}

func dialNet(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func startListeners(addrs []string, acceptor *connmgr.Acceptor) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
		go func(ln net.Listener) {
			if err := acceptor.Serve(ln); err != nil {
				nodeLog.Debugf("listener %s stopped: %v", ln.Addr(), err)
			}
		}(ln)
		nodeLog.Infof("listening on %s", ln.Addr())
	}
	return listeners, nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
