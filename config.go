// Package torm is the top-level configuration surface for the client:
// everything a caller needs to build a client.Manager from a YAML file on
// disk, instead of hand-assembling torrent.Options.
package torm

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/realAndi/Torm-sub004/internal/choker"
	"github.com/realAndi/Torm-sub004/internal/peerconn"
	"github.com/realAndi/Torm-sub004/internal/piecepicker"
	"github.com/realAndi/Torm-sub004/torrent"
)

// Config is the on-disk, YAML-loadable shape of every session option
// spec.md §4.2–§4.6 and §9 name a default for.
type Config struct {
	DataDir string `yaml:"data_dir"`

	MaxConnAttempts     int           `yaml:"max_conn_attempts"`
	MinPeers            int           `yaml:"min_peers"`
	PeerRefreshInterval time.Duration `yaml:"peer_refresh_interval"`

	UnchokedPeers   int           `yaml:"unchoked_peers"`
	OptimisticSlots int           `yaml:"optimistic_slots"`
	ChokeTick       time.Duration `yaml:"choke_tick"`
	OptimisticTick  time.Duration `yaml:"optimistic_tick"`

	RequestTimeout            time.Duration `yaml:"request_timeout"`
	RequestScanTick           time.Duration `yaml:"request_scan_tick"`
	MaxRequestTimeoutsPerPeer int           `yaml:"max_request_timeouts_per_peer"`

	StatsTick    time.Duration `yaml:"stats_tick"`
	AutoSaveTick time.Duration `yaml:"autosave_tick"`

	PeerConnectTimeout time.Duration `yaml:"peer_connect_timeout"`
	PeerIdleTimeout    time.Duration `yaml:"peer_idle_timeout"`
	BlockSize          uint32        `yaml:"block_size"`

	MaxVerificationFailures int `yaml:"max_verification_failures"`

	// DownloadLimit and UploadLimit are the client-wide bandwidth caps,
	// shared across every torrent the manager runs; 0 means unlimited.
	// SessionOptions also passes the same values to each torrent as its
	// per-torrent limit; a separate per-torrent value is not exposed at
	// this layer (a caller wanting a tighter per-torrent cap sets
	// torrent.Options directly).
	DownloadLimit int `yaml:"download_limit"`
	UploadLimit   int `yaml:"upload_limit"`

	VerifierWorkers    int `yaml:"verifier_workers"`
	PieceWriterWorkers int `yaml:"piece_writer_workers"`

	// Sequential switches every torrent's piece picker from rarest-first
	// to in-order, for streaming-style use.
	Sequential bool `yaml:"sequential"`

	// EncryptionPrimary tries the obfuscated (MSE) handshake before
	// plaintext on outbound dials, for networks that throttle
	// unobfuscated BitTorrent traffic.
	EncryptionPrimary bool `yaml:"encryption_primary"`
}

// DefaultConfig mirrors torrent.DefaultOptions, plus the client-level
// fields torrent.Options doesn't own.
var DefaultConfig = Config{
	DataDir:                   "~/.torm",
	MaxConnAttempts:           50,
	MinPeers:                  30,
	PeerRefreshInterval:       120 * time.Second,
	UnchokedPeers:             choker.DefaultUnchokedPeers,
	OptimisticSlots:           choker.DefaultOptimisticSlots,
	ChokeTick:                 10 * time.Second,
	OptimisticTick:            30 * time.Second,
	RequestTimeout:            60 * time.Second,
	RequestScanTick:           1 * time.Second,
	MaxRequestTimeoutsPerPeer: 3,
	StatsTick:                 1 * time.Second,
	AutoSaveTick:              60 * time.Second,
	PeerConnectTimeout:        peerconn.DefaultConnectTimeout,
	PeerIdleTimeout:           peerconn.DefaultIdleTimeout,
	BlockSize:                 16 * 1024,
	MaxVerificationFailures:   2,
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig
// entirely if filename doesn't exist. Values present in the file
// override the defaults field by field.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SessionOptions converts c into the torrent.Options every session the
// manager starts is built with.
func (c *Config) SessionOptions() torrent.Options {
	strategy := piecepicker.RarestFirst
	if c.Sequential {
		strategy = piecepicker.Sequential
	}
	return torrent.Options{
		MaxConnAttempts:           c.MaxConnAttempts,
		MinPeers:                  c.MinPeers,
		PeerRefreshInterval:       c.PeerRefreshInterval,
		UnchokedPeers:             c.UnchokedPeers,
		OptimisticSlots:           c.OptimisticSlots,
		ChokeTick:                 c.ChokeTick,
		OptimisticTick:            c.OptimisticTick,
		RequestTimeout:            c.RequestTimeout,
		RequestScanTick:           c.RequestScanTick,
		MaxRequestTimeoutsPerPeer: c.MaxRequestTimeoutsPerPeer,
		StatsTick:                 c.StatsTick,
		AutoSaveTick:              c.AutoSaveTick,
		PeerConnectTimeout:        c.PeerConnectTimeout,
		PeerIdleTimeout:           c.PeerIdleTimeout,
		BlockSize:                 c.BlockSize,
		MaxVerificationFailures:   c.MaxVerificationFailures,
		DownloadLimit:             c.DownloadLimit,
		UploadLimit:               c.UploadLimit,
		VerifierWorkers:           c.VerifierWorkers,
		PieceWriterWorkers:        c.PieceWriterWorkers,
		Strategy:                  strategy,
		EncryptionPrimary:         c.EncryptionPrimary,
	}
}
