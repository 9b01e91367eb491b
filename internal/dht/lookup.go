package dht

import (
	"net"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/events"
)

const (
	defaultAlpha          = 3
	defaultMaxIterations  = 10
	defaultMaxQueries     = 100
	defaultLookupK        = 8
)

// LookupType selects which Kademlia iteration a Lookup performs.
type LookupType int

const (
	LookupFindNode LookupType = iota
	LookupGetPeers
)

type shortlistEntry struct {
	node     *Node
	queried  bool
	token    string
}

// LookupResult is what an iterative lookup surfaces to its caller.
type LookupResult struct {
	ClosestNodes []*Node
	Tokens       map[ID]string // node id -> token, populated for get_peers
	Peers        []*net.UDPAddr

	// ProtocolViolations counts get_peers responses that carried neither
	// "values" nor "nodes" (§8 boundary).
	ProtocolViolations int
}

// querier abstracts sending a single DHT query and waiting (up to its own
// timeout) for a response, so Lookup stays transport-agnostic.
type querier interface {
	Query(kind QueryKind, target ID, remote *net.UDPAddr) (*Message, error)
}

// Lookup drives one iterative find_node or get_peers traversal, following
// the shortlist-with-bounded-concurrency pattern grounded on
// prxssh-rabbit's Lookup/LookupNode type.
type Lookup struct {
	localID ID
	target  ID
	typ     LookupType
	q       querier
	alpha   int
	k       int
	publish events.Publisher

	mu         sync.Mutex
	shortlist  []*shortlistEntry
	seen       map[ID]bool
	seenAddr   map[string]bool
	queries    int
	peers      []*net.UDPAddr
	peerSeen   map[string]bool
	tokens     map[ID]string
	violations int
}

func NewLookup(localID, target ID, typ LookupType, q querier, seed []*Node, publish events.Publisher) *Lookup {
	l := &Lookup{
		localID:  localID,
		target:   target,
		typ:      typ,
		q:        q,
		alpha:    defaultAlpha,
		k:        defaultLookupK,
		publish:  publish,
		seen:     make(map[ID]bool),
		seenAddr: make(map[string]bool),
		peerSeen: make(map[string]bool),
		tokens:   make(map[ID]string),
	}
	for _, n := range seed {
		l.integrate(n)
	}
	return l
}

func (l *Lookup) integrate(n *Node) {
	if n == nil || n.Endpoint == nil {
		return
	}
	if l.seen[n.ID] || l.seenAddr[n.Endpoint.String()] {
		return
	}
	l.seen[n.ID] = true
	l.seenAddr[n.Endpoint.String()] = true
	l.shortlist = append(l.shortlist, &shortlistEntry{node: n})
}

func (l *Lookup) sortShortlist() {
	sort.Slice(l.shortlist, func(i, j int) bool {
		di := Distance(l.shortlist[i].node.ID, l.target)
		dj := Distance(l.shortlist[j].node.ID, l.target)
		if di != dj {
			return di.Less(dj)
		}
		return l.shortlist[i].node.ID.Less(l.shortlist[j].node.ID)
	})
}

// Run drives the lookup to completion: either the K closest observed
// nodes have all been queried without improving the frontier, or the
// max-iteration / max-query caps are reached.
func (l *Lookup) Run() *LookupResult {
	deadline := time.Now().Add(lookupDeadline)
	for iter := 0; iter < defaultMaxIterations; iter++ {
		if time.Now().After(deadline) {
			break
		}
		l.mu.Lock()
		l.sortShortlist()
		var batch []*shortlistEntry
		for i, e := range l.shortlist {
			if i >= l.k || len(batch) >= l.alpha {
				break
			}
			if !e.queried {
				batch = append(batch, e)
			}
		}
		l.mu.Unlock()

		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, e := range batch {
			e.queried = true
			l.mu.Lock()
			l.queries++
			overQueryCap := l.queries > defaultMaxQueries
			l.mu.Unlock()
			if overQueryCap {
				break
			}

			wg.Add(1)
			go func(e *shortlistEntry) {
				defer wg.Done()
				l.queryOne(e)
			}(e)
		}
		wg.Wait()

		l.mu.Lock()
		overQueryCap := l.queries > defaultMaxQueries
		l.mu.Unlock()
		if overQueryCap {
			break
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sortShortlist()
	result := &LookupResult{Tokens: l.tokens, Peers: l.peers, ProtocolViolations: l.violations}
	for i, e := range l.shortlist {
		if i >= l.k {
			break
		}
		result.ClosestNodes = append(result.ClosestNodes, e.node)
	}
	return result
}

func (l *Lookup) queryOne(e *shortlistEntry) {
	kind := QueryFindNode
	if l.typ == LookupGetPeers {
		kind = QueryGetPeers
	}

	resp, err := l.q.Query(kind, l.target, e.node.Endpoint)
	if err != nil || resp == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tokVal, ok := resp.Values["token"]; ok {
		if tok, ok := tokVal.AsString(); ok {
			l.tokens[e.node.ID] = tok
		}
	}

	hasNodes := false
	if nodesVal, ok := resp.Values["nodes"]; ok {
		if raw, ok := nodesVal.AsString(); ok {
			hasNodes = true
			nodes, err := DecodeCompactNodes([]byte(raw))
			if err == nil {
				for _, n := range nodes {
					l.integrateLocked(n)
				}
			}
		}
	}

	hasValues := false
	if valuesVal, ok := resp.Values["values"]; ok && valuesVal.Kind == bencode.KindList {
		hasValues = true
		for _, v := range valuesVal.List {
			if raw, ok := v.AsString(); ok {
				addr, err := DecodeCompactPeer([]byte(raw))
				if err == nil && !l.peerSeen[addr.String()] {
					l.peerSeen[addr.String()] = true
					l.peers = append(l.peers, addr)
				}
			}
		}
	}

	if l.typ == LookupGetPeers && !hasNodes && !hasValues {
		l.violations++
		if l.publish != nil {
			l.publish.Publish(events.SystemError{
				Component: "dht.lookup",
				Err:       pkgerrors.New("get_peers response missing both values and nodes"),
				At:        time.Now(),
			})
		}
	}
}

// integrateLocked is integrate() called with l.mu already held.
func (l *Lookup) integrateLocked(n *Node) {
	if n == nil || n.Endpoint == nil {
		return
	}
	if l.seen[n.ID] || l.seenAddr[n.Endpoint.String()] {
		return
	}
	l.seen[n.ID] = true
	l.seenAddr[n.Endpoint.String()] = true
	l.shortlist = append(l.shortlist, &shortlistEntry{node: n})
}

// lookupDeadline bounds how long Run keeps starting new rounds of
// queries; a round already in flight still waits out its per-query
// timeouts.
const lookupDeadline = 60 * time.Second
