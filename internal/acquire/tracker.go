package acquire

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
	"github.com/Jayian1890/dhtcrawl/internal/peerconn"
)

// TrackerProvider announces to a fixed list of BEP 3 HTTP trackers to
// discover additional peers for an info hash, then feeds them into a
// PeerSource-backed direct-exchange attempt. It is optional per §4.L —
// absent if no tracker URLs are configured.
type TrackerProvider struct {
	urls       []string
	peerID     [20]byte
	port       int
	client     *http.Client
	pool       *peerconn.Pool
	metadataEx *peerconn.MetadataExchange
}

func NewTrackerProvider(urls []string, peerID [20]byte, port int, pool *peerconn.Pool) *TrackerProvider {
	return &TrackerProvider{
		urls:       urls,
		peerID:     peerID,
		port:       port,
		client:     &http.Client{Timeout: 15 * time.Second},
		pool:       pool,
		metadataEx: peerconn.NewMetadataExchange(peerID),
	}
}

func (p *TrackerProvider) Name() string { return "tracker" }

func (p *TrackerProvider) Acquire(ctx context.Context, hash dht.InfoHash) (*peerconn.MetadataResult, error) {
	if len(p.urls) == 0 {
		return nil, errors.New("acquire: no trackers configured")
	}

	var peers []*net.TCPAddr
	for _, u := range p.urls {
		found, err := p.announce(ctx, u, hash)
		if err != nil {
			continue
		}
		peers = append(peers, found...)
	}
	if len(peers) == 0 {
		return nil, errors.New("acquire: no peers from trackers")
	}

	var lastErr error
	for _, addr := range peers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := p.pool.Acquire(addr)
		if err != nil {
			lastErr = err
			continue
		}
		result, err := p.metadataEx.Fetch(conn, hash)
		p.pool.Release(addr, conn, err == nil)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = errors.New("acquire: no tracker peer yielded metadata")
	}
	return nil, lastErr
}

// announce performs one BEP 3 HTTP tracker GET and decodes its compact
// peer list.
func (p *TrackerProvider) announce(ctx context.Context, trackerURL string, hash dht.InfoHash) ([]*net.TCPAddr, error) {
	q := url.Values{}
	q.Set("info_hash", string(hash.Bytes()))
	q.Set("peer_id", string(p.peerID[:]))
	q.Set("port", fmt.Sprintf("%d", p.port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", "1")
	q.Set("compact", "1")
	q.Set("event", "started")

	full := trackerURL
	if len(q) > 0 {
		sep := "?"
		if u, err := url.Parse(trackerURL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		full = trackerURL + sep + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	v, err := bencode.Decode(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode tracker response")
	}
	if failure := v.Get("failure reason"); failure != nil {
		msg, _ := failure.AsString()
		return nil, errors.Errorf("tracker failure: %s", msg)
	}

	peersVal := v.Get("peers")
	if peersVal == nil {
		return nil, errors.New("tracker response missing peers")
	}
	raw, ok := peersVal.AsString()
	if !ok {
		return nil, errors.New("tracker peers field not compact")
	}

	const entrySize = 6
	var out []*net.TCPAddr
	b := []byte(raw)
	for i := 0; i+entrySize <= len(b); i += entrySize {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out, nil
}
