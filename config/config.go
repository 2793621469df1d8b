// Package config defines the node's configuration surface, parsed from
// flags/ini the way the teacher's lnd.go/loadConfig does, using
// jessevdk/go-flags (the flags library actually pinned in the teacher's
// go.mod).
package config

import (
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "basenode.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"

	// DefaultMaxDialAttempts bounds the retry loop in the dialer.
	DefaultMaxDialAttempts = 3
	// DefaultPeerDialRetryTimeout is the per-attempt dial timeout.
	DefaultPeerDialRetryTimeout = 10 * time.Second
	// DefaultBaseNodeQueryTimeout is the default per-RPC deadline
	// option; no request handler in this module reads it.
	DefaultBaseNodeQueryTimeout = 10 * time.Second
	// DefaultMaxSyncRequestRetryAttempts bounds per-chunk peer attempts
	// in block sync; horizonsync.Config carries the field but horizon
	// sync does not read it.
	DefaultMaxSyncRequestRetryAttempts = 3
	// DefaultMaxUTXOMMRNodeRequestSize is the chunk size for MMR and
	// UTXO sync requests.
	DefaultMaxUTXOMMRNodeRequestSize = 1000
	// DefaultHeaderRequestSize is the chunk size for header sync.
	DefaultHeaderRequestSize = 100
	// DefaultHorizonSyncHeightOffset is the safety cushion ahead of
	// the pruning horizon.
	DefaultHorizonSyncHeightOffset = 5
	// DefaultPeerBanDuration is the timed-ban length applied on
	// offence thresholds.
	DefaultPeerBanDuration = 10 * time.Minute
	// DefaultNetworkByte is the pre-handshake magic byte.
	DefaultNetworkByte = 0x4D // 'M', for mainnet.
	// DefaultMaxOffencesBeforeBan is the peer-identity offence ceiling.
	DefaultMaxOffencesBeforeBan = 3
	// DefaultIdentitySkewTolerance bounds the allowed clock skew on a
	// peer-identity claim timestamp.
	DefaultIdentitySkewTolerance = 2 * time.Minute
	// DefaultRequestChannelCapacity is the default request-channel
	// capacity option; the dialer and inbound handlers take calls
	// directly and no channel in this module is sized by it.
	DefaultRequestChannelCapacity = 64
)

// Config mirrors lnd's flat top-level config struct, widened to this
// node's domain. Every option named in SPEC_FULL.md §6 is present here.
type Config struct {
	DataDir  string `long:"datadir" description:"directory to store the chain and peer databases"`
	LogDir   string `long:"logdir" description:"directory to log output"`
	LogLevel string `long:"loglevel" description:"logging level"`
	Profile  string `long:"profile" description:"serve prometheus metrics over HTTP on this port"`

	ListenAddrs []string `long:"listen" description:"addresses to listen for peer connections"`

	MaxDialAttempts      int           `long:"maxdialattempts" description:"maximum outbound dial attempts per peer before giving up"`
	PeerDialRetryTimeout time.Duration `long:"dialtimeout" description:"per-attempt dial timeout"`
	BaseNodeQueryTimeout time.Duration `long:"querytimeout" description:"per-RPC deadline applied to peer requests"`

	MaxSyncRequestRetryAttempts int           `long:"syncretries" description:"per-chunk retry attempts during horizon/block sync"`
	MaxUTXOMMRNodeRequestSize   uint64        `long:"mmrchunksize" description:"chunk size for MMR and UTXO sync requests"`
	HeaderRequestSize           uint64        `long:"headerchunksize" description:"chunk size for header sync"`
	HorizonSyncHeightOffset     uint64        `long:"horizonoffset" description:"safety cushion ahead of the pruning horizon"`
	PruningHorizon              uint64        `long:"pruninghorizon" description:"0 for archival, else the guaranteed-retained depth"`

	PeerBanDuration       time.Duration `long:"banduration" description:"timed ban length"`
	NetworkByte           byte          `long:"networkbyte" description:"pre-handshake magic byte"`
	MaxOffencesBeforeBan  int           `long:"maxoffences" description:"peer-identity offence ceiling before a ban"`
	IdentitySkewTolerance time.Duration `long:"identityskew" description:"allowed clock skew on a peer-identity claim"`

	RequestChannelCapacity int `long:"reqchancap" description:"capacity of bounded request channels"`
}

// Default returns a Config populated with the same defaults
// lndMain/loadConfig would apply before flag parsing overrides them.
func Default() *Config {
	return &Config{
		DataDir:  defaultDataDir(),
		LogDir:   defaultLogDir(),
		LogLevel: defaultLogLevel,

		MaxDialAttempts:      DefaultMaxDialAttempts,
		PeerDialRetryTimeout: DefaultPeerDialRetryTimeout,
		BaseNodeQueryTimeout: DefaultBaseNodeQueryTimeout,

		MaxSyncRequestRetryAttempts: DefaultMaxSyncRequestRetryAttempts,
		MaxUTXOMMRNodeRequestSize:   DefaultMaxUTXOMMRNodeRequestSize,
		HeaderRequestSize:           DefaultHeaderRequestSize,
		HorizonSyncHeightOffset:     DefaultHorizonSyncHeightOffset,
		PruningHorizon:              0,

		PeerBanDuration:       DefaultPeerBanDuration,
		NetworkByte:           DefaultNetworkByte,
		MaxOffencesBeforeBan:  DefaultMaxOffencesBeforeBan,
		IdentitySkewTolerance: DefaultIdentitySkewTolerance,

		RequestChannelCapacity: DefaultRequestChannelCapacity,
	}
}

// Load parses CLI flags (and, if present, the ini config file in
// DataDir) over the defaults, the same two-pass shape lnd.go's
// loadConfig uses.
func Load() (*Config, error) {
	cfg := Default()

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	confFile := filepath.Join(cfg.DataDir, defaultConfigFilename)
	if _, err := os.Stat(confFile); err == nil {
		if err := flags.IniParse(confFile, cfg); err != nil {
			return nil, err
		}
		// CLI flags still take precedence over the config file.
		if _, err := parser.Parse(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// IsArchival reports whether this node retains full history
// (PruningHorizon == 0).
func (c *Config) IsArchival() bool {
	return c.PruningHorizon == 0
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDataDirname
	}
	return filepath.Join(home, ".basenode", defaultDataDirname)
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "logs"
	}
	return filepath.Join(home, ".basenode", "logs")
}
