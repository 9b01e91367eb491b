package peerconn

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Per-endpoint and pool-wide caps, and the circuit breaker timings,
// mirror the teacher lineage's original ConnectionPool constants
// (MAX_CONNECTIONS_PER_ENDPOINT, MAX_TOTAL_CONNECTIONS,
// CIRCUIT_BREAKER_RESET_SECONDS, MAX_IDLE_TIME_SECONDS,
// CLEANUP_INTERVAL_SECONDS) rather than invented numbers.
const (
	maxConnectionsPerEndpoint = 5
	maxTotalConnections       = 100
	circuitBreakerReset       = 60 * time.Second
	maxIdleTime               = 60 * time.Second
	cleanupInterval           = 30 * time.Second
	dialTimeout               = 5 * time.Second
)

var ErrCircuitOpen = errors.New("peerconn: circuit open for endpoint")
var ErrPoolExhausted = errors.New("peerconn: global connection cap reached")

// circuitState is the three-state breaker described in §3: closed
// (normal), open (failing fast), half-open (one probe in flight).
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// endpointCircuit holds only breaker bookkeeping that isn't already
// part of an endpoint's Health history (state, open time, probe flag):
// trip decisions are read off the EndpointHealth window, not a
// separately accumulated failure counter. The open-to-half-open timer
// and a successful probe closing the circuit are not derived from that
// window, and closing does not clear the Health history.
type endpointCircuit struct {
	mu            sync.Mutex
	state         circuitState
	openedAt      time.Time
	probeInFlight bool
}

// pooledConn wraps one TCP connection with pool bookkeeping.
type pooledConn struct {
	conn       net.Conn
	endpoint   string
	lastUsed   time.Time
	createdAt  time.Time
	inUse      bool
}

// Pool is a per-endpoint-capped, globally-capped TCP connection pool
// with a circuit breaker, generalized from the teacher lineage's
// singleton ConnectionPool into an explicitly constructed component
// (no package-level singleton, per this project's construction style).
type Pool struct {
	mu          sync.Mutex
	connections map[string][]*pooledConn
	circuits    map[string]*endpointCircuit
	total       int
	health      *HealthTracker

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(health *HealthTracker) *Pool {
	if health == nil {
		health = NewHealthTracker()
	}
	p := &Pool{
		connections: make(map[string][]*pooledConn),
		circuits:    make(map[string]*endpointCircuit),
		health:      health,
		stop:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.connections {
		for _, c := range conns {
			_ = c.conn.Close()
		}
	}
	p.connections = make(map[string][]*pooledConn)
	p.total = 0
}

func (p *Pool) circuitFor(key string) *endpointCircuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.circuits[key]
	if !ok {
		c = &endpointCircuit{}
		p.circuits[key] = c
	}
	return c
}

// Acquire returns an idle pooled connection to endpoint if one exists,
// otherwise dials a new one, subject to the per-endpoint cap, the
// global cap, and the endpoint's circuit breaker state.
func (p *Pool) Acquire(endpoint *net.TCPAddr) (net.Conn, error) {
	key := endpoint.String()
	circuit := p.circuitFor(key)

	circuit.mu.Lock()
	switch circuit.state {
	case circuitOpen:
		if time.Since(circuit.openedAt) < circuitBreakerReset {
			circuit.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		circuit.state = circuitHalfOpen
		circuit.probeInFlight = true
	case circuitHalfOpen:
		if circuit.probeInFlight {
			circuit.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		circuit.probeInFlight = true
	}
	circuit.mu.Unlock()

	if conn := p.reuseIdle(key); conn != nil {
		return conn, nil
	}

	p.mu.Lock()
	if p.total >= maxTotalConnections {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	if len(p.connections[key]) >= maxConnectionsPerEndpoint {
		p.mu.Unlock()
		return nil, errors.Errorf("peerconn: endpoint %s at connection cap", key)
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", endpoint.String(), dialTimeout)
	h := p.health.For(endpoint)
	if err != nil {
		h.RecordFailure()
		p.recordFailure(circuit, h)
		return nil, errors.Wrapf(err, "dial %s", key)
	}

	now := time.Now()
	pc := &pooledConn{conn: conn, endpoint: key, lastUsed: now, createdAt: now, inUse: true}
	p.mu.Lock()
	p.connections[key] = append(p.connections[key], pc)
	p.total++
	p.mu.Unlock()

	p.recordSuccess(circuit)
	return conn, nil
}

func (p *Pool) reuseIdle(key string) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.connections[key] {
		if !pc.inUse {
			pc.inUse = true
			pc.lastUsed = time.Now()
			return pc.conn
		}
	}
	return nil
}

// Release returns conn to the idle pool for reuse, or closes it and
// evicts it from bookkeeping if success is false.
func (p *Pool) Release(endpoint *net.TCPAddr, conn net.Conn, success bool) {
	key := endpoint.String()
	circuit := p.circuitFor(key)
	h := p.health.For(endpoint)

	if success {
		p.recordSuccess(circuit)
	} else {
		p.recordFailure(circuit, h)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.connections[key]
	for i, pc := range conns {
		if pc.conn != conn {
			continue
		}
		if success {
			pc.inUse = false
			pc.lastUsed = time.Now()
			return
		}
		_ = pc.conn.Close()
		p.connections[key] = append(conns[:i], conns[i+1:]...)
		p.total--
		return
	}
}

func (p *Pool) recordSuccess(c *endpointCircuit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = circuitClosed
	c.probeInFlight = false
}

// recordFailure decides whether to (re)open the breaker using h's
// bounded outcome history: five consecutive failures, or a success
// rate below 0.2 over at least 3 recorded outcomes (§3). A failed
// half-open probe always reopens the circuit.
func (p *Pool) recordFailure(c *endpointCircuit, h *Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeInFlight = false
	if c.state == circuitHalfOpen || h.ShouldTripBreaker() {
		c.state = circuitOpen
		c.openedAt = time.Now()
	}
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

func (p *Pool) cleanupIdle() {
	cutoff := time.Now().Add(-maxIdleTime)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conns := range p.connections {
		live := conns[:0]
		for _, pc := range conns {
			if !pc.inUse && pc.lastUsed.Before(cutoff) {
				_ = pc.conn.Close()
				p.total--
				continue
			}
			live = append(live, pc)
		}
		if len(live) == 0 {
			delete(p.connections, key)
		} else {
			p.connections[key] = live
		}
	}
	log.Trace("peerconn: idle cleanup pass complete")
}
