// Command dhtcrawl runs a standalone Mainline DHT crawler: it joins
// the DHT, widens its routing table by sampling random targets,
// discovers info hashes from announce_peer traffic and (optionally)
// BEP 51 sampling, and drives a bounded-concurrency metadata
// acquisition pipeline to resolve each one into a .torrent file on
// disk.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jayian1890/dhtcrawl/internal/acquire"
	"github.com/Jayian1890/dhtcrawl/internal/config"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
	"github.com/Jayian1890/dhtcrawl/internal/events"
	"github.com/Jayian1890/dhtcrawl/internal/peerconn"
	"github.com/Jayian1890/dhtcrawl/internal/store"
)

func main() {
	cfg := config.NewConfig()

	// A config file path must be resolved before the rest of the flags
	// are registered, since it overrides their displayed defaults.
	var configPath string
	for i, a := range os.Args[1:] {
		if a == "-config" || a == "--config" {
			if i+2 <= len(os.Args)-1 {
				configPath = os.Args[i+2]
			}
		}
	}
	if configPath != "" {
		loaded, err := config.LoadFile(configPath, cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to load config file")
		}
		cfg = loaded
	}

	fs := flag.NewFlagSet("dhtcrawl", flag.ExitOnError)
	fs.String("config", configPath, "Path to an optional TOML configuration file.")
	config.RegisterFlags(fs, cfg)
	_ = fs.Parse(os.Args[1:])

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("dhtcrawl exited with error")
	}
}

func run(cfg *config.Config) error {
	st := store.NewStore(cfg.DataDir)
	if err := st.EnsureLayout(); err != nil {
		return err
	}

	localID, err := st.LoadOrCreateNodeID()
	if err != nil {
		return err
	}
	log.WithField("node_id", localID.String()).Info("node identity loaded")

	var localPeerID [20]byte
	copy(localPeerID[:], localID.Bytes())

	conn, err := net.ListenUDP(cfg.UDPProto, &net.UDPAddr{IP: net.ParseIP(cfg.Address), Port: cfg.Port})
	if err != nil {
		return err
	}
	log.WithField("addr", conn.LocalAddr()).Info("listening for DHT traffic")

	sink := &discoverySink{}
	persistence := &persistenceSink{store: st}
	bus := events.NewBus(events.NewLogObserver(log.StandardLogger()), sink, persistence)
	defer bus.Stop()

	engineCfg := dht.EngineConfig{
		Port:                  cfg.Port,
		KBucketSize:           cfg.KBucketSize,
		Alpha:                 cfg.LookupAlpha,
		MaxIterations:         cfg.LookupMaxIterations,
		MaxQueries:            cfg.LookupMaxQueries,
		TransactionTimeout:    cfg.TransactionTimeout,
		BucketRefreshInterval: cfg.BucketRefreshInterval,
	}
	engine := dht.NewEngine(localID, conn, engineCfg, bus)
	engine.Start()
	defer engine.Stop()

	if staleNodes, err := st.LoadRoutingTable(cfg.RoutingStaleness); err != nil {
		log.WithError(err).Warn("failed to reload routing table snapshot")
	} else {
		for _, n := range staleNodes {
			engine.AddNode(n.Endpoint)
		}
		log.WithField("count", len(staleNodes)).Info("reloaded routing table snapshot")
	}

	if peers, err := st.LoadPeers(); err != nil {
		log.WithError(err).Warn("failed to reload peers snapshot")
	} else {
		engine.Peers.Reload(peers, cfg.RoutingStaleness)
		log.WithField("hashes", len(peers)).Info("reloaded peers snapshot")
	}

	bootstrap := splitNonEmpty(cfg.BootstrapNodes)
	engine.Bootstrap(bootstrap)

	crawlerCfg := dht.CrawlerConfig{TickInterval: cfg.CrawlTickInterval, ParallelCrawls: cfg.ParallelCrawls}
	crawler := dht.NewCrawler(engine, crawlerCfg)
	crawler.Start()
	defer crawler.Stop()

	health := peerconn.NewHealthTracker()
	pool := peerconn.NewPool(health)
	defer pool.Stop()

	var providers []acquire.Provider
	providers = append(providers, acquire.NewDirectPeerProvider(engine.Peers, pool, health, localPeerID))
	if trackers := splitNonEmpty(cfg.Trackers); len(trackers) > 0 {
		providers = append(providers, acquire.NewTrackerProvider(trackers, localPeerID, cfg.Port, pool))
	}

	managerCfg := acquire.ManagerConfig{
		MaxConcurrent:  cfg.MaxConcurrentAcquisitions,
		BaseDelay:      cfg.AcquisitionBaseDelay,
		MaxAttempts:    cfg.AcquisitionMaxAttempts,
		ProcessingTick: 5 * time.Second,
	}
	manager := acquire.NewManager(managerCfg, bus, providers...)
	manager.Start()
	defer manager.Stop()

	sink.wire(manager, crawler)

	if cfg.EnableBEP51 {
		sampler := acquire.NewBEP51Sampler(engine, manager.Submit, bus, cfg.BEP51SampleInterval)
		sampler.Start()
		defer sampler.Stop()
	}

	snapshotStop := make(chan struct{})
	var snapshotWG sync.WaitGroup
	snapshotWG.Add(1)
	go func() {
		defer snapshotWG.Done()
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-snapshotStop:
				return
			case <-ticker.C:
				snapshotState(st, engine)
			}
		}
	}()
	defer func() {
		close(snapshotStop)
		snapshotWG.Wait()
	}()

	log.Info("dhtcrawl running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	snapshotState(st, engine)
	return nil
}

// snapshotState writes the routing table and peer storage snapshots,
// the §5 "Persistence snapshotter" worker's periodic write, also run
// once more on a clean shutdown.
func snapshotState(st *store.Store, engine *dht.Engine) {
	if err := st.SaveRoutingTable(engine.Table.Snapshot()); err != nil {
		log.WithError(err).Warn("failed to save routing table snapshot")
	}
	if err := st.SavePeers(engine.Peers.Snapshot()); err != nil {
		log.WithError(err).Warn("failed to save peers snapshot")
	}
}

// discoverySink bridges InfoHashDiscovered events observed anywhere in
// the system (announce_peer handling, get_peers, BEP 51 sampling) into
// new acquisition submissions, so the crawler's event stream is the
// single place that decides what gets acquired. manager/crawler are
// wired in after construction since the bus must exist before either
// does; events observed before wiring (a query arriving mid-startup)
// are harmlessly dropped.
type discoverySink struct {
	mu      sync.Mutex
	manager *acquire.Manager
	crawler *dht.Crawler
}

func (s *discoverySink) wire(manager *acquire.Manager, crawler *dht.Crawler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manager = manager
	s.crawler = crawler
}

func (s *discoverySink) Observe(ev events.Event) {
	d, ok := ev.(events.InfoHashDiscovered)
	if !ok {
		return
	}
	s.mu.Lock()
	manager, crawler := s.manager, s.crawler
	s.mu.Unlock()
	if manager == nil || crawler == nil {
		return
	}
	manager.Submit(d.InfoHash, 0)
	crawler.Watch(d.InfoHash)
}

// persistenceSink durably records each successfully acquired metadata
// blob as a .torrent file under the store's metadata directory, per
// §2's "(L) durably records" flow and §4.M.
type persistenceSink struct {
	store *store.Store
}

func (s *persistenceSink) Observe(ev events.Event) {
	ma, ok := ev.(events.MetadataAcquired)
	if !ok || len(ma.Raw) == 0 {
		return
	}
	if err := s.store.SaveMetadataRaw(ma.InfoHash, ma.Raw); err != nil {
		log.WithError(err).WithField("info_hash", dht.ID(ma.InfoHash).String()).Warn("failed to persist acquired metadata")
	}
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
