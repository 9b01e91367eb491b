package peerconn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr)
}

func TestPoolAcquireDialsAndReleaseReturnsToIdle(t *testing.T) {
	p := NewPool(nil)
	defer p.Stop()
	addr := listen(t)

	conn, err := p.Acquire(addr)
	require.NoError(t, err)
	require.NotNil(t, conn)

	p.Release(addr, conn, true)

	p.mu.Lock()
	require.Len(t, p.connections[addr.String()], 1)
	require.False(t, p.connections[addr.String()][0].inUse)
	p.mu.Unlock()
}

func TestPoolReuseIdleConnection(t *testing.T) {
	p := NewPool(nil)
	defer p.Stop()
	addr := listen(t)

	c1, err := p.Acquire(addr)
	require.NoError(t, err)
	p.Release(addr, c1, true)

	c2, err := p.Acquire(addr)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestPoolReleaseFailureEvictsConnection(t *testing.T) {
	p := NewPool(nil)
	defer p.Stop()
	addr := listen(t)

	conn, err := p.Acquire(addr)
	require.NoError(t, err)
	p.Release(addr, conn, false)

	p.mu.Lock()
	require.Len(t, p.connections[addr.String()], 0)
	require.Equal(t, 0, p.total)
	p.mu.Unlock()
}

func TestPoolCircuitOpensAfterFiveConsecutiveFailures(t *testing.T) {
	p := NewPool(nil)
	defer p.Stop()
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} // nothing listening

	for i := 0; i < 5; i++ {
		_, err := p.Acquire(addr)
		require.Error(t, err)
	}

	_, err := p.Acquire(addr)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestPoolPerEndpointCapRejectsBeyondFive(t *testing.T) {
	p := NewPool(nil)
	defer p.Stop()
	addr := listen(t)

	var conns []net.Conn
	for i := 0; i < maxConnectionsPerEndpoint; i++ {
		c, err := p.Acquire(addr)
		require.NoError(t, err)
		conns = append(conns, c)
	}

	_, err := p.Acquire(addr)
	require.Error(t, err)
}
