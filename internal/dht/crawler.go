package dht

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CrawlerConfig holds the §6 keys governing the background crawl loop.
type CrawlerConfig struct {
	TickInterval   time.Duration
	ParallelCrawls int
}

func DefaultCrawlerConfig() CrawlerConfig {
	return CrawlerConfig{
		TickInterval:   10 * time.Second,
		ParallelCrawls: 8,
	}
}

// Crawler drives the engine's routing table outward by periodically
// issuing find_node lookups against random targets, and polls get_peers
// for every hash under active interest. It never terminates on its own;
// the caller stops it via Stop at shutdown. Grounded on STX5-dht's
// background refresh goroutine and component H of the design.
type Crawler struct {
	engine *Engine
	cfg    CrawlerConfig

	mu       sync.Mutex
	watching map[InfoHash]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCrawler(engine *Engine, cfg CrawlerConfig) *Crawler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.ParallelCrawls <= 0 {
		cfg.ParallelCrawls = 8
	}
	return &Crawler{
		engine:   engine,
		cfg:      cfg,
		watching: make(map[InfoHash]bool),
		stop:     make(chan struct{}),
	}
}

// Watch adds hash to the set of info hashes the crawler polls for peers
// on every tick, until Unwatch is called.
func (c *Crawler) Watch(hash InfoHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching[hash] = true
}

func (c *Crawler) Unwatch(hash InfoHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watching, hash)
}

func (c *Crawler) Start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *Crawler) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Crawler) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick samples the routing table with random-target find_node lookups
// to widen coverage, refreshes any stale buckets, and advances get_peers
// for every watched hash. Each unit of work runs in its own goroutine,
// bounded by ParallelCrawls.
func (c *Crawler) tick() {
	sem := make(chan struct{}, c.cfg.ParallelCrawls)
	var wg sync.WaitGroup

	spawn := func(f func()) {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			f()
		}()
	}

	quiet := c.engine.cfg.BucketRefreshInterval
	if quiet <= 0 {
		quiet = c.cfg.TickInterval * 6
	}
	for _, target := range c.engine.Table.RefreshCandidates(quiet) {
		t := target
		spawn(func() {
			c.engine.FindNode(t)
		})
	}

	spawn(func() {
		c.engine.FindNode(RandomID())
	})

	c.mu.Lock()
	hashes := make([]InfoHash, 0, len(c.watching))
	for h := range c.watching {
		hashes = append(hashes, h)
	}
	c.mu.Unlock()

	for _, h := range hashes {
		hash := h
		spawn(func() {
			result := c.engine.GetPeers(hash)
			if len(result.Peers) > 0 {
				log.WithFields(log.Fields{
					"info_hash": hash.String(),
					"peers":     len(result.Peers),
				}).Debug("crawler: peers discovered")
			}
		})
	}

	wg.Wait()
}
