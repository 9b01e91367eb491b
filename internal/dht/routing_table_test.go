package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkAddr(i int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, byte(i%256)), Port: 6881 + i}
}

// idWithPrefix returns an ID sharing the first bits bits with base and
// differing at bit `bits` (0-indexed), so CommonPrefixLen(base, id) == bits
// exactly.
func idWithPrefix(base ID, bits int) ID {
	id := base
	byteIdx := bits / 8
	bitIdx := uint(bits % 8)
	mask := byte(0x80 >> bitIdx)
	id[byteIdx] ^= mask
	return id
}

func TestRoutingTableSplitOnlyHappensOnLocalBucket(t *testing.T) {
	var local ID
	rt := NewRoutingTable(local, 2)

	// Fill the single bucket past capacity with nodes that all share bit
	// 0 with local (so they land in the bucket that would split), forcing
	// a split since it's the local bucket.
	for i := 0; i < 3; i++ {
		id := idWithPrefix(local, 10+i) // CPL >= 1, all share bit 0 = 0
		res := rt.Add(&Node{ID: id, Endpoint: mkAddr(i), LastSeen: time.Now()}, nil)
		require.True(t, res.Added)
	}

	require.Greater(t, rt.BucketCount(), 1, "bucket should have split to accept a 3rd node over k=2")
}

// TestBucketIndexRoutesSiblingVsLocalCorrectly is a regression test for the
// split() prefixLen invariant: after a single split at bit 0, an ID
// diverging from local exactly at bit 0 must resolve to the sibling
// bucket (prefixLen 0), while an ID sharing bit 0 with local must resolve
// to the deeper local bucket (prefixLen 1), even though the local bucket
// may go on to split further.
func TestBucketIndexRoutesSiblingVsLocalCorrectly(t *testing.T) {
	var local ID
	rt := NewRoutingTable(local, 2)

	// One node diverging at bit 0 and two sharing it: the split at bit 0
	// leaves one node in each half, so the third fits without a deeper split.
	for i, bits := range []int{0, 10, 11} {
		id := idWithPrefix(local, bits)
		rt.Add(&Node{ID: id, Endpoint: mkAddr(i), LastSeen: time.Now()}, nil)
	}
	require.Equal(t, 2, rt.BucketCount())

	rt.mu.RLock()
	sibling := rt.buckets[0]
	localBucket := rt.buckets[1]
	rt.mu.RUnlock()
	require.Equal(t, 0, sibling.prefixLen)
	require.Equal(t, 1, localBucket.prefixLen)

	diverging := idWithPrefix(local, 0) // flips bit 0: CPL(local, diverging) == 0
	require.Equal(t, 0, rt.bucketIndexContaining(diverging))

	sharing := idWithPrefix(local, 5) // shares bit 0, diverges at bit 5
	require.Equal(t, 1, rt.bucketIndexContaining(sharing))
}

func TestAddUpdatesExistingNodeInPlace(t *testing.T) {
	rt := NewRoutingTable(RandomID(), 8)
	id := RandomID()
	rt.Add(&Node{ID: id, Endpoint: mkAddr(1), LastSeen: time.Now()}, nil)

	newer := time.Now().Add(time.Minute)
	res := rt.Add(&Node{ID: id, Endpoint: mkAddr(2), LastSeen: newer}, nil)
	require.True(t, res.Added)
	require.Nil(t, res.Replaced)
	require.Equal(t, 1, rt.Size())
}

func TestAddEvictsBadEntryWhenFullAndNotSplittable(t *testing.T) {
	var local ID
	rt := NewRoutingTable(local, 2)

	// Two nodes that diverge from local at bit 0 land in a
	// non-splittable bucket once the local bucket itself has split away.
	// The setup nodes (CPL 10, 11, 12) split the local bucket at bits 0
	// through 10, leaving 11 sibling buckets plus the local one.
	for i := 0; i < 3; i++ {
		id := idWithPrefix(local, 10+i)
		rt.Add(&Node{ID: id, Endpoint: mkAddr(i), LastSeen: time.Now()}, nil)
	}
	require.Equal(t, 12, rt.BucketCount())

	a := idWithPrefix(local, 0)
	b := idWithPrefix(a, 1)
	rt.Add(&Node{ID: a, Endpoint: mkAddr(50), LastSeen: time.Now()}, nil)
	rt.Add(&Node{ID: b, Endpoint: mkAddr(51), LastSeen: time.Now()}, nil)

	rt.mu.Lock()
	idx := rt.bucketIndexContaining(a)
	rt.buckets[idx].nodes[0].failedPings = 1
	rt.mu.Unlock()

	c := idWithPrefix(a, 2)
	res := rt.Add(&Node{ID: c, Endpoint: mkAddr(52), LastSeen: time.Now()}, nil)
	require.True(t, res.Added)
	require.NotNil(t, res.Replaced)
}

func TestAddDropsNewcomerWhenProbeSucceeds(t *testing.T) {
	var local ID
	rt := NewRoutingTable(local, 1)

	a := idWithPrefix(local, 0)
	rt.Add(&Node{ID: a, Endpoint: mkAddr(1), LastSeen: time.Now().Add(-time.Hour)}, nil)

	// b also diverges at bit 0: the split moves a into the sibling bucket
	// and b follows it there, into a full bucket that cannot split.
	b := idWithPrefix(a, 1)
	probeCalled := false
	probe := func(n *Node) bool {
		probeCalled = true
		return true
	}
	res := rt.Add(&Node{ID: b, Endpoint: mkAddr(2), LastSeen: time.Now()}, probe)
	require.True(t, probeCalled)
	require.True(t, res.Dropped)
	require.Equal(t, 1, rt.Size())
}

func TestClosestOrdersByXORDistanceAscending(t *testing.T) {
	target := RandomID()
	rt := NewRoutingTable(RandomID(), 20)

	near := target
	near[19] ^= 0x01
	far := target
	far[0] ^= 0x80

	rt.Add(&Node{ID: far, Endpoint: mkAddr(1), LastSeen: time.Now()}, nil)
	rt.Add(&Node{ID: near, Endpoint: mkAddr(2), LastSeen: time.Now()}, nil)
	rt.Add(&Node{ID: target, Endpoint: mkAddr(3), LastSeen: time.Now()}, nil)

	closest := rt.Closest(target, 2)
	require.Len(t, closest, 2)
	require.Equal(t, target, closest[0].ID)
	require.Equal(t, near, closest[1].ID)
}

func TestRefreshCandidatesOnlyReturnsStaleBuckets(t *testing.T) {
	rt := NewRoutingTable(RandomID(), 8)
	first := rt.RefreshCandidates(0)
	require.Len(t, first, 1)

	immediate := rt.RefreshCandidates(time.Hour)
	require.Empty(t, immediate, "bucket was just refreshed, should not be due again")
}

func TestMarkFailedPingAndMarkSeen(t *testing.T) {
	rt := NewRoutingTable(RandomID(), 8)
	id := RandomID()
	rt.Add(&Node{ID: id, Endpoint: mkAddr(1), LastSeen: time.Now().Add(-time.Hour)}, nil)

	rt.MarkFailedPing(id)
	rt.mu.RLock()
	idx := rt.bucketIndexContaining(id)
	n := rt.buckets[idx].nodes[0]
	require.Equal(t, 1, n.failedPings)
	rt.mu.RUnlock()

	rt.MarkSeen(id)
	rt.mu.RLock()
	n = rt.buckets[idx].nodes[0]
	require.Equal(t, 0, n.failedPings)
	require.WithinDuration(t, time.Now(), n.LastSeen, time.Second)
	rt.mu.RUnlock()
}
