package dht

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Status reflects the liveness classification of a routing-table entry.
type Status int

const (
	StatusGood Status = iota
	StatusQuestionable
	StatusBad
)

// defaultQuietInterval is how long a node may go without contact before
// being considered questionable (mainline DHT convention).
const defaultQuietInterval = 15 * time.Minute

// Node is a single known participant in the DHT network.
type Node struct {
	ID       ID
	Endpoint *net.UDPAddr
	LastSeen time.Time
	failedPings int
}

func (n *Node) status(quiet time.Duration) Status {
	if n.failedPings > 0 {
		return StatusBad
	}
	if time.Since(n.LastSeen) > quiet {
		return StatusQuestionable
	}
	return StatusGood
}

// AddResult reports the outcome of RoutingTable.Add.
type AddResult struct {
	Added    bool
	Replaced *Node
	Dropped  bool
}

// Prober pings a node synchronously so the routing table can resolve a
// full, non-splittable bucket by evicting an unresponsive entry. It is
// invoked without any routing-table lock held.
type Prober func(n *Node) (ok bool)

const defaultBucketSize = 8

// bucket is an ordered sequence of up to K nodes covering [low, high) of
// the 160-bit ID space, represented as a common-prefix-length range: a
// bucket whose prefix length is p covers every ID sharing p bits with the
// table's local ID along the path taken by the trie so far, split off at
// bit p.
type bucket struct {
	prefixLen int // number of leading bits, relative to localID, that this bucket's range shares
	lastNode  byte
	nodes     []*Node
	lastRefresh time.Time
}

// RoutingTable is the binary-trie-like sequence of KBuckets covering the
// full 160-bit ID space, keyed by XOR distance to the local node ID.
//
// Only the bucket holding the local ID may ever split (spec invariant);
// every other bucket accepts, replaces, or drops incoming nodes in place.
type RoutingTable struct {
	mu      sync.RWMutex
	localID ID
	k       int
	buckets []*bucket
	quiet   time.Duration
}

func NewRoutingTable(localID ID, k int) *RoutingTable {
	if k <= 0 {
		k = defaultBucketSize
	}
	return &RoutingTable{
		localID: localID,
		k:       k,
		buckets: []*bucket{{prefixLen: 0}},
		quiet:   defaultQuietInterval,
	}
}

// bucketIndexContaining returns the index of the bucket whose range
// contains id.
func (rt *RoutingTable) bucketIndexContaining(id ID) int {
	cpl := CommonPrefixLen(rt.localID, id)
	// Buckets are ordered by increasing prefixLen; the containing bucket
	// is the last one whose prefixLen is <= cpl (deeper buckets only
	// exist along the local ID's own path).
	idx := 0
	for i, b := range rt.buckets {
		if b.prefixLen <= cpl {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func (rt *RoutingTable) isLocalBucket(idx int) bool {
	return idx == len(rt.buckets)-1
}

// Add inserts node into the routing table. On a full, non-splittable
// bucket it evicts a bad entry for the newcomer, or probes the
// least-recently-seen questionable entry via probe and evicts on probe
// failure, dropping the newcomer on probe success.
func (rt *RoutingTable) Add(n *Node, probe Prober) AddResult {
	rt.mu.Lock()
	idx := rt.bucketIndexContaining(n.ID)
	b := rt.buckets[idx]

	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes[i].Endpoint = n.Endpoint
			b.nodes[i].LastSeen = n.LastSeen
			b.nodes[i].failedPings = 0
			rt.mu.Unlock()
			return AddResult{Added: true}
		}
	}

	if len(b.nodes) < rt.k {
		b.nodes = append(b.nodes, n)
		rt.mu.Unlock()
		return AddResult{Added: true}
	}

	if rt.isLocalBucket(idx) && b.prefixLen < IDLength*8 {
		rt.split(idx)
		rt.mu.Unlock()
		return rt.Add(n, probe)
	}

	// Bucket is full and not splittable: evict a bad entry if any exists.
	for i, existing := range b.nodes {
		if existing.status(rt.quiet) == StatusBad {
			b.nodes[i] = n
			rt.mu.Unlock()
			return AddResult{Added: true, Replaced: existing}
		}
	}

	// Otherwise find the least-recently-seen questionable entry to probe.
	var lruIdx = -1
	for i, existing := range b.nodes {
		if existing.status(rt.quiet) == StatusQuestionable {
			if lruIdx < 0 || existing.LastSeen.Before(b.nodes[lruIdx].LastSeen) {
				lruIdx = i
			}
		}
	}
	rt.mu.Unlock()

	if lruIdx < 0 || probe == nil {
		return AddResult{Dropped: true}
	}

	candidate := b.nodes[lruIdx]
	if probe(candidate) {
		return AddResult{Dropped: true}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Bucket contents may have changed concurrently; re-find the entry.
	for i, existing := range b.nodes {
		if existing.ID == candidate.ID {
			b.nodes[i] = n
			return AddResult{Added: true, Replaced: candidate}
		}
	}
	b.nodes = append(b.nodes, n)
	return AddResult{Added: true}
}

// split divides the bucket at idx (which must be the local bucket) into
// a sibling bucket — covering every ID whose distance from localID has
// common-prefix-length exactly old.prefixLen, i.e. diverging from
// localID at the new split bit — and a replacement local bucket one
// level deeper, which remains the only one eligible to split again.
//
// bucketIndexContaining picks the LAST bucket whose prefixLen is <= a
// target's CPL with localID, so the sibling must keep the shallower
// prefixLen (old.prefixLen) to be shadowed by the deeper local bucket
// for every ID that shares more bits than the split point; only IDs
// diverging exactly at the split bit fall through to the sibling.
func (rt *RoutingTable) split(idx int) {
	old := rt.buckets[idx]
	splitBit := old.prefixLen

	var sibling, local bucket
	sibling.prefixLen = splitBit
	local.prefixLen = splitBit + 1

	localBit := rt.localID.Bit(splitBit)
	for _, n := range old.nodes {
		if n.ID.Bit(splitBit) == localBit {
			local.nodes = append(local.nodes, n)
		} else {
			sibling.nodes = append(sibling.nodes, n)
		}
	}

	rt.buckets[idx] = &sibling
	rt.buckets = append(rt.buckets, &local)
}

// Closest returns up to k nodes sorted by ascending XOR distance to
// target, deterministic and stable on ties by node ID byte order.
func (rt *RoutingTable) Closest(target ID, k int) []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*Node
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	sort.Slice(all, func(i, j int) bool {
		di := Distance(all[i].ID, target)
		dj := Distance(all[j].ID, target)
		if di != dj {
			return di.Less(dj)
		}
		return all[i].ID.Less(all[j].ID)
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]*Node, len(all))
	copy(out, all)
	return out
}

// Size returns the total number of nodes currently held across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// BucketCount returns the number of buckets currently in the table.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// RefreshCandidates returns, for every bucket whose last refresh is older
// than interval, a random ID inside that bucket's range suitable for a
// find_node refresh query.
func (rt *RoutingTable) RefreshCandidates(interval time.Duration) []ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []ID
	now := time.Now()
	for i, b := range rt.buckets {
		if now.Sub(b.lastRefresh) > interval {
			id := RandomInRange(rt.localID, b.prefixLen)
			if i != len(rt.buckets)-1 && b.prefixLen < IDLength*8 {
				// A sibling bucket holds IDs diverging from localID exactly at bit prefixLen.
				byteIdx, mask := b.prefixLen/8, byte(0x80>>uint(b.prefixLen%8))
				id[byteIdx] = id[byteIdx]&^mask | ^rt.localID[byteIdx]&mask
			}
			out = append(out, id)
			b.lastRefresh = now
		}
	}
	return out
}

// MarkFailedPing flags id as having missed a ping it was given a chance
// to answer, transitioning it to bad on the next status check.
func (rt *RoutingTable) MarkFailedPing(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexContaining(id)
	for _, n := range rt.buckets[idx].nodes {
		if n.ID == id {
			n.failedPings++
			return
		}
	}
}

// MarkSeen records fresh contact with id, resetting its quiet timer.
func (rt *RoutingTable) MarkSeen(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexContaining(id)
	for _, n := range rt.buckets[idx].nodes {
		if n.ID == id {
			n.LastSeen = time.Now()
			n.failedPings = 0
			return
		}
	}
}

// Snapshot returns every node currently held, for persistence.
func (rt *RoutingTable) Snapshot() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []*Node
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}
