// Package peerconn manages outbound TCP connections to BitTorrent peers
// for metadata exchange: connection pooling with a per-endpoint circuit
// breaker, peer health scoring, and the ut_metadata handshake/transfer
// state machine.
package peerconn

import (
	"math"
	"net"
	"sync"
	"time"
)

// historyCapacity bounds the recent-outcomes window an EndpointHealth
// keeps, per §3's EndpointHealth.recent_results: a fixed-size queue, not
// an unbounded counter, so the health score and circuit-breaker trip
// condition both depend only on the most recent historyCapacity
// connection outcomes.
const historyCapacity = 10

// Health tracks a single peer's recent connection behavior and derives
// a priority score from it, per §4.I. An exponentially-weighted moving
// average smooths latency samples; recentResults is a bounded queue of
// the last historyCapacity outcomes, from which success_rate and the
// consecutive success/failure counts are all derived.
type Health struct {
	mu sync.Mutex

	endpoint *net.TCPAddr
	ewmaRTT  time.Duration
	seeded   bool

	recentResults []bool
	lastSeen      time.Time
}

// ewmaAlpha weights the newest sample at 20%, matching the smoothing
// factor used by the teacher lineage's latency tracker.
const ewmaAlpha = 0.2

func NewHealth(endpoint *net.TCPAddr) *Health {
	return &Health{endpoint: endpoint}
}

// RecordSuccess folds a successful connection/transfer of the given
// round-trip latency into the tracker.
func (h *Health) RecordSuccess(rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.seeded {
		h.ewmaRTT = rtt
		h.seeded = true
	} else {
		h.ewmaRTT = time.Duration(float64(h.ewmaRTT)*(1-ewmaAlpha) + float64(rtt)*ewmaAlpha)
	}
	h.pushResult(true)
	h.lastSeen = time.Now()
}

// RecordFailure folds a failed attempt into the tracker: dial timeout,
// reset connection, or a handshake/metadata error.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pushResult(false)
}

// pushResult appends an outcome to the bounded recent-results queue,
// evicting the oldest entry once historyCapacity is exceeded. Caller
// must hold h.mu.
func (h *Health) pushResult(ok bool) {
	h.recentResults = append(h.recentResults, ok)
	if len(h.recentResults) > historyCapacity {
		h.recentResults = h.recentResults[len(h.recentResults)-historyCapacity:]
	}
}

// successRateLocked returns count(true)/size over recentResults, or 0
// for an endpoint with no recorded outcomes yet. Caller must hold h.mu.
func (h *Health) successRateLocked() float64 {
	if len(h.recentResults) == 0 {
		return 0
	}
	n := 0
	for _, ok := range h.recentResults {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(h.recentResults))
}

// trailingCountLocked counts the run of matching outcomes at the tail
// of recentResults, i.e. consecutive successes (want=true) or
// consecutive failures (want=false). Caller must hold h.mu.
func (h *Health) trailingCountLocked(want bool) int {
	n := 0
	for i := len(h.recentResults) - 1; i >= 0; i-- {
		if h.recentResults[i] != want {
			break
		}
		n++
	}
	return n
}

// SuccessRate returns count(true)/size over the bounded recent-results
// queue.
func (h *Health) SuccessRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successRateLocked()
}

// HistorySize returns the number of outcomes currently held, at most
// historyCapacity.
func (h *Health) HistorySize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recentResults)
}

// Score computes the health score per §4.I:
//
//	score = success_rate
//	      - min(0.5, 0.1 * consecutive_failures)
//	      + min(0.3, 0.05 * consecutive_successes)
//	      - min(0.2, ewma_rtt_ms / 5000)
//
// clamped to [0, 1]. Higher is better; callers use it only to order
// candidates relative to one another, never as an absolute threshold.
func (h *Health) Score() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	cf := float64(h.trailingCountLocked(false))
	cs := float64(h.trailingCountLocked(true))
	ewmaMS := float64(h.ewmaRTT.Milliseconds())

	score := h.successRateLocked() -
		math.Min(0.5, 0.1*cf) +
		math.Min(0.3, 0.05*cs) -
		math.Min(0.2, ewmaMS/5000)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ShouldTripBreaker reports whether this endpoint's recent history
// alone justifies opening its circuit breaker: five consecutive
// failures, or a success rate below 0.2 over a window of at least 3
// outcomes (§3).
func (h *Health) ShouldTripBreaker() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.trailingCountLocked(false) >= 5 {
		return true
	}
	return h.successRateLocked() < 0.2 && len(h.recentResults) >= 3
}

func (h *Health) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trailingCountLocked(false)
}

func (h *Health) LastSeen() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// HealthTracker owns one Health per endpoint seen, created lazily.
type HealthTracker struct {
	mu    sync.Mutex
	byKey map[string]*Health
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{byKey: make(map[string]*Health)}
}

func (t *HealthTracker) For(endpoint *net.TCPAddr) *Health {
	key := endpoint.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byKey[key]
	if !ok {
		h = NewHealth(endpoint)
		t.byKey[key] = h
	}
	return h
}

// tier classifies a candidate into one of the three priority bands
// described in §4.I: untested peers are queried before known-bad ones,
// but after known-good ones.
type tier int

const (
	tierGood tier = iota
	tierUntested
	tierBad
)

func (t *HealthTracker) tierOf(endpoint *net.TCPAddr) tier {
	key := endpoint.String()
	t.mu.Lock()
	h, ok := t.byKey[key]
	t.mu.Unlock()
	if !ok {
		return tierUntested
	}
	if h.ConsecutiveFailures() >= 3 {
		return tierBad
	}
	if h.ConsecutiveFailures() == 0 && !h.LastSeen().IsZero() {
		return tierGood
	}
	return tierUntested
}

// Prioritize orders candidates into three bands — known-good (by
// descending score), untested, then known-bad (by descending score,
// i.e. least-bad first) — per §4.I's prioritize(candidates) contract.
// The bad band is only included when the good and untested bands
// together don't already offer at least 3 candidates.
func (t *HealthTracker) Prioritize(candidates []*net.TCPAddr) []*net.TCPAddr {
	var good, untested, bad []*net.TCPAddr
	for _, c := range candidates {
		switch t.tierOf(c) {
		case tierGood:
			good = append(good, c)
		case tierBad:
			bad = append(bad, c)
		default:
			untested = append(untested, c)
		}
	}

	sortByScoreDesc := func(addrs []*net.TCPAddr) {
		for i := 1; i < len(addrs); i++ {
			for j := i; j > 0 && t.For(addrs[j]).Score() > t.For(addrs[j-1]).Score(); j-- {
				addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
			}
		}
	}
	sortByScoreDesc(good)
	sortByScoreDesc(bad)

	out := make([]*net.TCPAddr, 0, len(candidates))
	out = append(out, good...)
	out = append(out, untested...)
	if len(good)+len(untested) < 3 {
		out = append(out, bad...)
	}
	return out
}
