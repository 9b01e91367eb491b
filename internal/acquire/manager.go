// Package acquire drives the metadata acquisition pipeline: a
// queue-driven, concurrency-limited, retry-with-backoff orchestrator
// racing its metadata providers (direct peer exchange and, when
// trackers are configured, tracker announce) per info hash. BEP 51
// sampling (BEP51Sampler) is a discovery channel that submits hashes to
// the Manager; it is not one of the raced providers.
package acquire

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
	"github.com/Jayian1890/dhtcrawl/internal/events"
	"github.com/Jayian1890/dhtcrawl/internal/peerconn"
)

// Status is where an AcquisitionTask stands: one of the three sets of
// §4.L (queued, active, backoff) or a terminal outcome (done, failed).
type Status int

const (
	StatusQueued Status = iota
	StatusActive
	StatusBackoff
	StatusDone
	StatusFailed
)

// ManagerConfig holds the §6 tunables for the acquisition pipeline,
// matching the teacher lineage's MetadataAcquisitionManager defaults
// (processing interval 5s, 5 concurrent, 3 attempts, 5 min base delay).
type ManagerConfig struct {
	MaxConcurrent  int
	BaseDelay      time.Duration
	MaxAttempts    int
	ProcessingTick time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent:  5,
		BaseDelay:      5 * time.Minute,
		MaxAttempts:    3,
		ProcessingTick: 5 * time.Second,
	}
}

// Task is an AcquisitionTask as described in §3's data model.
type Task struct {
	InfoHash    dht.InfoHash
	Priority    int
	Status      Status
	AttemptCount int
	LastAttempt time.Time
	Deadline    time.Time
	enqueuedAt  time.Time

	cancel context.CancelFunc
}

// PeerSource supplies candidate peers for an info hash, generalizing
// over direct DHT-learned peers and tracker-announced ones.
type PeerSource interface {
	Peers(hash dht.InfoHash, limit int) []*net.UDPAddr
}

// Provider is one metadata-acquisition strategy: direct BT peer
// exchange or tracker-assisted exchange.
type Provider interface {
	Name() string
	Acquire(ctx context.Context, hash dht.InfoHash) (*peerconn.MetadataResult, error)
}

// Manager owns the queued/active/backoff task sets and drives them
// against a fixed provider set, grounded on the teacher lineage's
// MetadataAcquisitionManager processing loop but expressed as explicit
// Go state rather than singleton + condition variable.
type Manager struct {
	cfg       ManagerConfig
	providers []Provider
	publish   events.Publisher

	mu      sync.Mutex
	queued  []*Task
	active  map[dht.InfoHash]*Task
	backoff map[dht.InfoHash]*Task
	tasks   map[dht.InfoHash]*Task // all non-terminal tasks, for O(1) lookup/cancel

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(cfg ManagerConfig, publish events.Publisher, providers ...Provider) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ProcessingTick <= 0 {
		cfg.ProcessingTick = 5 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		providers: providers,
		publish:   publish,
		active:    make(map[dht.InfoHash]*Task),
		backoff:   make(map[dht.InfoHash]*Task),
		tasks:     make(map[dht.InfoHash]*Task),
		stop:      make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *Manager) Stop() {
	close(m.stop)

	m.mu.Lock()
	for _, t := range m.active {
		if t.cancel != nil {
			t.cancel()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Submit enqueues hash for acquisition at the given priority. At most
// one task per info hash exists; a re-submit with higher priority
// raises it, a lower one is ignored, per §4.L.
func (m *Manager) Submit(hash dht.InfoHash, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[hash]; ok {
		if priority > existing.Priority {
			existing.Priority = priority
		}
		return
	}

	t := &Task{InfoHash: hash, Priority: priority, Status: StatusQueued, enqueuedAt: time.Now()}
	m.tasks[hash] = t
	m.queued = append(m.queued, t)
}

// Raise increases the priority of an in-flight or queued task; it is a
// no-op if newPriority is not higher or the task no longer exists.
func (m *Manager) Raise(hash dht.InfoHash, newPriority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[hash]; ok && newPriority > t.Priority {
		t.Priority = newPriority
	}
}

// Cancel cancels the context of hash's in-flight providers and removes
// the task. Providers see the cancellation only where they check ctx:
// DirectPeerProvider and TrackerProvider check it between candidate
// peers, so a metadata fetch already under way runs until it finishes
// or hits its own timeout. The pool has no separate cancellation
// outcome: a connection released after a failed fetch is charged to
// the endpoint's health and circuit breaker like any other failure.
func (m *Manager) Cancel(hash dht.InfoHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[hash]
	if !ok {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	delete(m.tasks, hash)
	delete(m.active, hash)
	delete(m.backoff, hash)
	filtered := m.queued[:0]
	for _, q := range m.queued {
		if q.InfoHash != hash {
			filtered = append(filtered, q)
		}
	}
	m.queued = filtered
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ProcessingTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.promoteFromBackoff()
			m.fillSlots()
		}
	}
}

// promoteFromBackoff moves any backoff task whose retry time has
// arrived back into queued.
func (m *Manager) promoteFromBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for hash, t := range m.backoff {
		delay := m.cfg.BaseDelay * time.Duration(1<<uint(t.AttemptCount))
		if now.Before(t.LastAttempt.Add(delay)) {
			continue
		}
		delete(m.backoff, hash)
		t.Status = StatusQueued
		t.enqueuedAt = now
		m.queued = append(m.queued, t)
	}
}

// fillSlots promotes queued tasks by priority-desc, FIFO tie-break,
// into active until max_concurrent is reached.
func (m *Manager) fillSlots() {
	m.mu.Lock()
	if len(m.active) >= m.cfg.MaxConcurrent || len(m.queued) == 0 {
		m.mu.Unlock()
		return
	}

	sort.SliceStable(m.queued, func(i, j int) bool {
		if m.queued[i].Priority != m.queued[j].Priority {
			return m.queued[i].Priority > m.queued[j].Priority
		}
		return m.queued[i].enqueuedAt.Before(m.queued[j].enqueuedAt)
	})

	var promoted []*Task
	for len(m.active) < m.cfg.MaxConcurrent && len(m.queued) > 0 {
		t := m.queued[0]
		m.queued = m.queued[1:]
		t.Status = StatusActive
		t.AttemptCount++
		t.LastAttempt = time.Now()
		m.active[t.InfoHash] = t
		promoted = append(promoted, t)
	}
	m.mu.Unlock()

	for _, t := range promoted {
		m.runTask(t)
	}
}

// runTask races every configured provider for t's info hash; the first
// to succeed wins and the rest are cancelled.
func (m *Manager) runTask(t *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	t.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		result := m.race(ctx, t.InfoHash)

		m.mu.Lock()
		delete(m.active, t.InfoHash)
		m.mu.Unlock()

		if result != nil {
			m.mu.Lock()
			t.Status = StatusDone
			delete(m.tasks, t.InfoHash)
			m.mu.Unlock()
			if m.publish != nil {
				m.publish.Publish(metadataAcquiredEvent(result))
			}
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if t.AttemptCount >= m.cfg.MaxAttempts {
			t.Status = StatusFailed
			delete(m.tasks, t.InfoHash)
			log.WithField("info_hash", t.InfoHash.String()).Warn("acquire: final failure, attempts exhausted")
			return
		}
		t.Status = StatusBackoff
		m.backoff[t.InfoHash] = t
	}()
}

// race starts every provider concurrently and returns the first
// successful result, or nil if all fail or ctx is cancelled first.
func (m *Manager) race(ctx context.Context, hash dht.InfoHash) *peerconn.MetadataResult {
	if len(m.providers) == 0 {
		return nil
	}

	resultCh := make(chan *peerconn.MetadataResult, len(m.providers))
	var wg sync.WaitGroup
	for _, p := range m.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			res, err := p.Acquire(ctx, hash)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"provider":  p.Name(),
					"info_hash": hash.String(),
				}).Debug("acquire: provider failed")
				return
			}
			select {
			case resultCh <- res:
			default:
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-done:
		select {
		case res := <-resultCh:
			return res
		default:
			return nil
		}
	case <-ctx.Done():
		return nil
	}
}

func metadataAcquiredEvent(res *peerconn.MetadataResult) events.MetadataAcquired {
	ev := events.MetadataAcquired{InfoHash: res.InfoHash, TotalSize: 0, Raw: res.Raw}
	if nameVal := res.Info.Get("name"); nameVal != nil {
		if name, ok := nameVal.AsString(); ok {
			ev.Name = name
		}
	}
	if lenVal := res.Info.Get("length"); lenVal != nil {
		if n, ok := lenVal.AsInt(); ok {
			ev.TotalSize = n
		}
	}
	if pieceLenVal := res.Info.Get("piece length"); pieceLenVal != nil {
		if n, ok := pieceLenVal.AsInt(); ok {
			ev.PieceLength = n
		}
	}
	if filesVal := res.Info.Get("files"); filesVal != nil && filesVal.Kind == bencode.KindList {
		var total int64
		for _, f := range filesVal.List {
			if lenV := f.Get("length"); lenV != nil {
				if n, ok := lenV.AsInt(); ok {
					total += n
				}
			}
			if pathVal := f.Get("path"); pathVal != nil && pathVal.Kind == bencode.KindList {
				var parts []string
				for _, p := range pathVal.List {
					if s, ok := p.AsString(); ok {
						parts = append(parts, s)
					}
				}
				ev.Files = append(ev.Files, joinPath(parts))
			}
		}
		ev.TotalSize = total
	}
	return ev
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
