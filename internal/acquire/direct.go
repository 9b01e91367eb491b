package acquire

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/Jayian1890/dhtcrawl/internal/dht"
	"github.com/Jayian1890/dhtcrawl/internal/peerconn"
)

// DirectPeerProvider is provider #1 from §4.L: direct peer exchange
// using peers the DHT already knows about for this info hash (from
// component F's PeerStorage, through pool J's connection pool and
// component K's metadata exchange state machine).
type DirectPeerProvider struct {
	peers      PeerSource
	pool       *peerconn.Pool
	health     *peerconn.HealthTracker
	metadataEx *peerconn.MetadataExchange
	candidates int
}

func NewDirectPeerProvider(peers PeerSource, pool *peerconn.Pool, health *peerconn.HealthTracker, localPeerID [20]byte) *DirectPeerProvider {
	return &DirectPeerProvider{
		peers:      peers,
		pool:       pool,
		health:     health,
		metadataEx: peerconn.NewMetadataExchange(localPeerID),
		candidates: 50,
	}
}

func (p *DirectPeerProvider) Name() string { return "direct" }

func (p *DirectPeerProvider) Acquire(ctx context.Context, hash dht.InfoHash) (*peerconn.MetadataResult, error) {
	endpoints := p.peers.Peers(hash, p.candidates)
	if len(endpoints) == 0 {
		return nil, errors.New("acquire: no known peers for info hash")
	}

	tcpAddrs := make([]*net.TCPAddr, 0, len(endpoints))
	for _, e := range endpoints {
		tcpAddrs = append(tcpAddrs, &net.TCPAddr{IP: e.IP, Port: e.Port})
	}
	ordered := p.health.Prioritize(tcpAddrs)

	var lastErr error
	for _, addr := range ordered {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		h := p.health.For(addr)
		conn, err := p.pool.Acquire(addr)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := p.metadataEx.Fetch(conn, hash)
		if err != nil {
			h.RecordFailure()
			p.pool.Release(addr, conn, false)
			lastErr = err
			continue
		}
		h.RecordSuccess(0)
		p.pool.Release(addr, conn, true)
		return result, nil
	}

	if lastErr == nil {
		lastErr = errors.New("acquire: all direct peer attempts failed")
	}
	return nil, lastErr
}
