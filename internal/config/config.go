// Package config defines the typed configuration surface for the
// crawler, following STX5-dht's Config/NewConfig/RegisterFlags
// pattern: a struct of defaults, a flag set that overrides them, and
// (new here) an optional TOML file that overrides the flag defaults
// before flags are parsed.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds every tunable named across §6 of the requirements:
// network, routing table, lookup, token, persistence, acquisition, and
// tracker/BEP51 settings.
type Config struct {
	// Network
	Address string
	Port    int
	UDPProto string

	// Bootstrap
	BootstrapNodes string // comma separated host:port list

	// Routing table (component B)
	KBucketSize           int
	BucketRefreshInterval time.Duration
	NodeQuietInterval     time.Duration

	// Lookup (component G)
	LookupAlpha         int
	LookupMaxIterations int
	LookupMaxQueries    int

	// Transaction manager (component C)
	TransactionTimeout time.Duration
	MaxTransactions    int

	// Token manager
	TokenRotationPeriod time.Duration

	// Peer storage
	PeerTTL time.Duration

	// Crawler (component H)
	CrawlTickInterval time.Duration
	ParallelCrawls    int

	// Connection pool (component J)
	MaxConnectionsPerEndpoint int
	MaxTotalConnections       int
	CircuitBreakerReset       time.Duration

	// Acquisition manager (component L)
	MaxConcurrentAcquisitions int
	AcquisitionBaseDelay      time.Duration
	AcquisitionMaxAttempts    int

	// Trackers (optional provider)
	Trackers string // comma separated URLs

	// BEP 51 sampler (optional discovery channel)
	EnableBEP51        bool
	BEP51SampleInterval time.Duration

	// Persistence (component M)
	DataDir          string
	SnapshotInterval time.Duration
	RoutingStaleness time.Duration

	// Logging
	LogLevel string
}

// NewConfig returns a Config populated with the defaults named in §6.
func NewConfig() *Config {
	return &Config{
		Address:  "",
		Port:     6881,
		UDPProto: "udp4",

		BootstrapNodes: "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881",

		KBucketSize:           8,
		BucketRefreshInterval: 15 * time.Minute,
		NodeQuietInterval:     15 * time.Minute,

		LookupAlpha:         3,
		LookupMaxIterations: 10,
		LookupMaxQueries:    100,

		TransactionTimeout: 15 * time.Second,
		MaxTransactions:    256,

		TokenRotationPeriod: 5 * time.Minute,

		PeerTTL: 30 * time.Minute,

		CrawlTickInterval: 10 * time.Second,
		ParallelCrawls:    8,

		MaxConnectionsPerEndpoint: 5,
		MaxTotalConnections:       100,
		CircuitBreakerReset:       60 * time.Second,

		MaxConcurrentAcquisitions: 5,
		AcquisitionBaseDelay:      5 * time.Minute,
		AcquisitionMaxAttempts:    3,

		Trackers: "",

		EnableBEP51:         true,
		BEP51SampleInterval: 30 * time.Second,

		DataDir:          "./data",
		SnapshotInterval: 5 * time.Minute,
		RoutingStaleness: 24 * time.Hour,

		LogLevel: "info",
	}
}

// DefaultConfig is the package-level default, mutated in place by
// RegisterFlags and LoadFile the way STX5-dht's DefaultConfig is.
var DefaultConfig = NewConfig()

// RegisterFlags registers c's fields (DefaultConfig if c is nil) onto
// fs as command-line flags whose defaults are c's current values — so
// a prior LoadFile call's overrides become the flags' displayed
// defaults.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	fs.StringVar(&c.Address, "address", c.Address, "Local address to bind the DHT UDP socket to.")
	fs.IntVar(&c.Port, "port", c.Port, "UDP port for the DHT socket; 0 picks one at random.")
	fs.StringVar(&c.BootstrapNodes, "bootstrap", c.BootstrapNodes, "Comma separated host:port list of bootstrap routers.")
	fs.IntVar(&c.KBucketSize, "kBucketSize", c.KBucketSize, "Maximum entries per routing table bucket.")
	fs.DurationVar(&c.BucketRefreshInterval, "bucketRefresh", c.BucketRefreshInterval, "How often a stale bucket is refreshed with a random-target find_node.")
	fs.IntVar(&c.LookupAlpha, "alpha", c.LookupAlpha, "Concurrency factor for iterative lookups.")
	fs.DurationVar(&c.TransactionTimeout, "transactionTimeout", c.TransactionTimeout, "How long to wait for a query response before timing out.")
	fs.DurationVar(&c.PeerTTL, "peerTTL", c.PeerTTL, "Peer entry TTL. Not read by the DHT engine, which stores announced peers with a fixed 30-minute TTL.")
	fs.DurationVar(&c.CrawlTickInterval, "crawlTick", c.CrawlTickInterval, "Interval between crawler sampling ticks.")
	fs.IntVar(&c.ParallelCrawls, "parallelCrawls", c.ParallelCrawls, "Maximum concurrent lookups issued per crawl tick.")
	fs.IntVar(&c.MaxConcurrentAcquisitions, "maxConcurrentAcquisitions", c.MaxConcurrentAcquisitions, "Maximum metadata acquisitions active at once.")
	fs.DurationVar(&c.AcquisitionBaseDelay, "acquisitionBaseDelay", c.AcquisitionBaseDelay, "Base delay for acquisition retry backoff.")
	fs.IntVar(&c.AcquisitionMaxAttempts, "acquisitionMaxAttempts", c.AcquisitionMaxAttempts, "Attempts before a metadata acquisition fails permanently.")
	fs.StringVar(&c.Trackers, "trackers", c.Trackers, "Comma separated HTTP tracker announce URLs (optional provider).")
	fs.BoolVar(&c.EnableBEP51, "enableBEP51", c.EnableBEP51, "Enable the BEP 51 sample_infohashes discovery channel.")
	fs.StringVar(&c.DataDir, "dataDir", c.DataDir, "Directory for node id, routing table, peer, and metadata persistence.")
	fs.DurationVar(&c.SnapshotInterval, "snapshotInterval", c.SnapshotInterval, "How often routing table and peer storage snapshots are written.")
	fs.StringVar(&c.LogLevel, "logLevel", c.LogLevel, "Logging level: trace, debug, info, warn, error.")
}

// LoadFile overlays values present in the TOML file at path onto c
// (DefaultConfig if c is nil), leaving fields absent from the file
// untouched. Returns c unchanged if path does not exist — config files
// are optional.
func LoadFile(path string, c *Config) (*Config, error) {
	if c == nil {
		c = DefaultConfig
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrapf(err, "decode config file %s", path)
	}
	return c, nil
}
