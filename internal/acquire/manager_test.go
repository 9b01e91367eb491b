package acquire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
	"github.com/Jayian1890/dhtcrawl/internal/events"
	"github.com/Jayian1890/dhtcrawl/internal/peerconn"
)

var errFakeProviderFailure = errors.New("fake provider failure")

type fakeProvider struct {
	name  string
	delay time.Duration
	fail  bool

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Acquire(ctx context.Context, hash dht.InfoHash) (*peerconn.MetadataResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.fail {
		return nil, errFakeProviderFailure
	}
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("ok"))
	return &peerconn.MetadataResult{InfoHash: hash, Info: info}, nil
}

type noopPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *noopPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *noopPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestManagerSubmitIsDedupedAndRaisesPriority(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	hash := dht.RandomID()

	m.Submit(hash, 1)
	m.Submit(hash, 5)
	m.Submit(hash, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.queued, 1)
	require.Equal(t, 5, m.queued[0].Priority)
}

func TestManagerFillSlotsRespectsMaxConcurrentAndPriorityFIFO(t *testing.T) {
	cfg := ManagerConfig{MaxConcurrent: 5, BaseDelay: time.Hour, MaxAttempts: 3, ProcessingTick: time.Hour}
	slow := &fakeProvider{name: "slow", delay: time.Hour}
	m := NewManager(cfg, nil, slow)
	defer m.Stop()

	var hashes []dht.InfoHash
	for i := 0; i < 12; i++ {
		h := dht.RandomID()
		hashes = append(hashes, h)
		priority := 0
		if i < 3 {
			priority = 10
		}
		m.Submit(h, priority)
	}

	m.fillSlots()

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.active, 5)
	require.Len(t, m.queued, 7)
	for _, h := range hashes[:3] {
		require.Contains(t, m.active, h)
	}
}

func TestManagerRunTaskPublishesOnSuccess(t *testing.T) {
	cfg := DefaultManagerConfig()
	pub := &noopPublisher{}
	fast := &fakeProvider{name: "fast", delay: time.Millisecond}
	m := NewManager(cfg, pub, fast)
	defer m.Stop()

	hash := dht.RandomID()
	m.Submit(hash, 0)
	m.fillSlots()

	waitFor(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, stillTracked := m.tasks[hash]
		return !stillTracked
	})

	found := false
	for _, ev := range pub.snapshot() {
		if ma, ok := ev.(events.MetadataAcquired); ok && ma.InfoHash == hash {
			found = true
		}
	}
	require.True(t, found)
}

func TestManagerBackoffThenFailsAfterMaxAttempts(t *testing.T) {
	cfg := ManagerConfig{MaxConcurrent: 1, BaseDelay: time.Millisecond, MaxAttempts: 2, ProcessingTick: time.Hour}
	failing := &fakeProvider{name: "failing", delay: time.Millisecond, fail: true}
	m := NewManager(cfg, nil, failing)
	defer m.Stop()

	hash := dht.RandomID()
	m.Submit(hash, 0)
	m.fillSlots()

	waitFor(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, inBackoff := m.backoff[hash]
		return inBackoff
	})

	time.Sleep(5 * time.Millisecond)
	m.promoteFromBackoff()
	m.fillSlots()

	waitFor(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, stillTracked := m.tasks[hash]
		return !stillTracked
	})

	failing.mu.Lock()
	calls := failing.calls
	failing.mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestManagerCancelRemovesFromAllSets(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	hash := dht.RandomID()
	m.Submit(hash, 0)
	m.Cancel(hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	_, inTasks := m.tasks[hash]
	require.False(t, inTasks)
	require.Empty(t, m.queued)
}

func TestManagerRaiseIgnoresLowerPriority(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	hash := dht.RandomID()
	m.Submit(hash, 5)
	m.Raise(hash, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, 5, m.tasks[hash].Priority)
}
