package dht

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/events"
)

// EngineConfig carries the configuration keys named in spec §6 that
// apply to the DHT engine.
type EngineConfig struct {
	Port                    int
	BootstrapNodes          []string
	KBucketSize             int
	Alpha                   int
	MaxIterations           int
	MaxQueries              int
	TransactionTimeout      time.Duration
	BucketRefreshInterval   time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Port:                  0,
		KBucketSize:           defaultBucketSize,
		Alpha:                 defaultAlpha,
		MaxIterations:         defaultMaxIterations,
		MaxQueries:            defaultMaxQueries,
		TransactionTimeout:    defaultTxTimeout,
		BucketRefreshInterval: 15 * time.Minute,
	}
}

// Engine is the DHT participant: owns the routing table, transaction
// manager, token manager, peer storage, and UDP transport, and exposes
// iterative find_node/get_peers lookups to the crawler and acquisition
// manager. Its public shape — Start/Stop, AddNode, GetPeers,
// AnnouncePeer — follows nictuku/dht's structural idiom (dht.New,
// PeersRequest, PeersRequestResults) generalized from "track one
// torrent" to "crawl arbitrary hashes".
type Engine struct {
	cfg     EngineConfig
	localID ID
	publish events.Publisher

	Table     *RoutingTable
	Tx        *TransactionManager
	Tokens    *TokenManager
	Peers     *PeerStorage
	transport *Transport

	stop chan struct{}
}

func NewEngine(localID ID, conn *net.UDPConn, cfg EngineConfig, publish events.Publisher) *Engine {
	if cfg.KBucketSize <= 0 {
		cfg.KBucketSize = defaultBucketSize
	}
	tx := NewTransactionManager()
	if cfg.TransactionTimeout > 0 {
		tx.timeout = cfg.TransactionTimeout
	}

	e := &Engine{
		cfg:     cfg,
		localID: localID,
		publish: publish,
		Table:   NewRoutingTable(localID, cfg.KBucketSize),
		Tx:      tx,
		Tokens:  NewTokenManager(),
		Peers:   NewPeerStorage(),
		stop:    make(chan struct{}),
	}
	e.transport = NewTransport(conn, tx, publish)
	e.transport.OnQuery(e.handleQuery)
	return e
}

func (e *Engine) Start() {
	e.transport.Start()
	e.Peers.StartSweeper(time.Minute, e.stop)
}

func (e *Engine) Stop() {
	close(e.stop)
	e.transport.Stop()
	e.Tx.Stop()
	e.Tokens.Stop()
}

func (e *Engine) LocalID() ID { return e.localID }

// Ping synchronously pings addr and folds the responder into the
// routing table on success. Used both directly and as the Prober
// callback the routing table invokes to resolve full buckets.
func (e *Engine) Ping(addr *net.UDPAddr) bool {
	resp, err := e.Query(QueryPing, ID{}, addr)
	if err != nil || resp == nil {
		return false
	}
	idVal, ok := resp.Values["id"].AsString()
	if !ok {
		return false
	}
	id, ok := IDFromBytes([]byte(idVal))
	if !ok {
		return false
	}
	e.Table.Add(&Node{ID: id, Endpoint: addr, LastSeen: time.Now()}, e.Ping)
	return true
}

// Query implements the querier interface consumed by Lookup: send one
// query and block (up to the transaction timeout) for its response.
func (e *Engine) Query(kind QueryKind, target ID, remote *net.UDPAddr) (*Message, error) {
	txID := e.Tx.NextTxID()
	ch := make(chan *Message, 1)
	errCh := make(chan error, 1)

	tx := &Transaction{
		TxID:   txID,
		Kind:   kind,
		Target: target,
		Remote: remote,
		OnResponse: func(m *Message) { ch <- m },
		OnError:    func(m *Message) { errCh <- errors.Errorf("dht error %d: %s", m.ErrCode, m.ErrMsg) },
		OnTimeout:  func() { errCh <- context.DeadlineExceeded },
	}
	if err := e.Tx.Register(tx); err != nil {
		return nil, err
	}

	args := map[string]*bencode.Value{"id": bencode.NewBytes(e.localID.Bytes())}
	switch kind {
	case QueryFindNode:
		args["target"] = bencode.NewBytes(target.Bytes())
	case QueryGetPeers:
		args["info_hash"] = bencode.NewBytes(target.Bytes())
	case QuerySampleInfohashes:
		// id only
	}

	raw := EncodeQuery(txID, kind, args)
	if err := e.transport.Send(raw, remote); err != nil {
		return nil, err
	}

	select {
	case m := <-ch:
		return m, nil
	case err := <-errCh:
		return nil, err
	}
}

// FindNode runs an iterative find_node lookup for target.
func (e *Engine) FindNode(target ID) *LookupResult {
	seed := e.Table.Closest(target, defaultLookupK)
	l := NewLookup(e.localID, target, LookupFindNode, e, seed, e.publish)
	l.alpha, l.k = e.alphaOrDefault(), e.kOrDefault()
	return l.Run()
}

// GetPeers runs an iterative get_peers lookup for infoHash, accumulating
// peer values and the K closest nodes with their tokens for a subsequent
// AnnouncePeer.
func (e *Engine) GetPeers(infoHash InfoHash) *LookupResult {
	seed := e.Table.Closest(infoHash, defaultLookupK)
	l := NewLookup(e.localID, infoHash, LookupGetPeers, e, seed, e.publish)
	l.alpha, l.k = e.alphaOrDefault(), e.kOrDefault()
	result := l.Run()
	for _, addr := range result.Peers {
		e.Peers.Announce(infoHash, addr, 0)
		if e.publish != nil {
			var ih [20]byte = infoHash
			e.publish.Publish(events.PeerDiscovered{InfoHash: ih, Endpoint: addr})
		}
	}
	return result
}

// AnnouncePeer announces port to the closest nodes returned by a
// preceding GetPeers, using the tokens it collected.
func (e *Engine) AnnouncePeer(infoHash InfoHash, port int, result *LookupResult) {
	for _, n := range result.ClosestNodes {
		token, ok := result.Tokens[n.ID]
		if !ok {
			continue
		}
		args := map[string]*bencode.Value{
			"id":        bencode.NewBytes(e.localID.Bytes()),
			"info_hash": bencode.NewBytes(infoHash.Bytes()),
			"port":      bencode.NewInt(int64(port)),
			"token":     bencode.NewString(token),
		}
		raw := EncodeQuery(e.Tx.NextTxID(), QueryAnnouncePeer, args)
		_ = e.transport.Send(raw, n.Endpoint)
	}
}

// AddNode pings addr and folds it into the routing table if it answers.
func (e *Engine) AddNode(addr *net.UDPAddr) {
	go e.Ping(addr)
}

func (e *Engine) alphaOrDefault() int {
	if e.cfg.Alpha > 0 {
		return e.cfg.Alpha
	}
	return defaultAlpha
}

func (e *Engine) kOrDefault() int {
	if e.cfg.KBucketSize > 0 {
		return e.cfg.KBucketSize
	}
	return defaultLookupK
}

// handleQuery answers an incoming query per the §4.D table, folding the
// querier into the routing table as a courtesy (mainline DHT convention:
// every inbound query is itself a liveness signal).
func (e *Engine) handleQuery(msg *Message, from *net.UDPAddr) {
	idVal, ok := msg.Args["id"].AsString()
	if !ok {
		return
	}
	senderID, ok := IDFromBytes([]byte(idVal))
	if !ok {
		return
	}
	e.Table.Add(&Node{ID: senderID, Endpoint: from, LastSeen: time.Now()}, e.Ping)
	if e.publish != nil {
		e.publish.Publish(events.NodeDiscovered{ID: senderID, Endpoint: from})
	}

	values := map[string]*bencode.Value{"id": bencode.NewBytes(e.localID.Bytes())}

	switch msg.Query {
	case QueryPing:
		// values already complete

	case QueryFindNode:
		targetVal, _ := msg.Args["target"].AsString()
		target, ok := IDFromBytes([]byte(targetVal))
		if !ok {
			e.sendError(msg.TxID, from, 203, "invalid target")
			return
		}
		nodes := e.Table.Closest(target, e.kOrDefault())
		values["nodes"] = bencode.NewBytes(EncodeCompactNodes(nodes))

	case QueryGetPeers:
		ihVal, _ := msg.Args["info_hash"].AsString()
		ih, ok := IDFromBytes([]byte(ihVal))
		if !ok {
			e.sendError(msg.TxID, from, 203, "invalid info_hash")
			return
		}
		values["token"] = bencode.NewBytes(e.Tokens.Issue(from.IP))
		if peers := e.Peers.Peers(ih, 100); len(peers) > 0 {
			values["values"] = &bencode.Value{Kind: bencode.KindList, List: EncodeCompactPeers(peers)}
		} else {
			nodes := e.Table.Closest(ih, e.kOrDefault())
			values["nodes"] = bencode.NewBytes(EncodeCompactNodes(nodes))
		}

	case QueryAnnouncePeer:
		ihVal, _ := msg.Args["info_hash"].AsString()
		ih, ok := IDFromBytes([]byte(ihVal))
		if !ok {
			e.sendError(msg.TxID, from, 203, "invalid info_hash")
			return
		}
		tokenVal, _ := msg.Args["token"].AsString()
		if !e.Tokens.Validate(from.IP, []byte(tokenVal)) {
			e.sendError(msg.TxID, from, 203, "bad token")
			return
		}
		port := from.Port
		if portVal, ok := msg.Args["port"].AsInt(); ok {
			if impliedVal, ok := msg.Args["implied_port"]; !ok || func() bool { v, _ := impliedVal.AsInt(); return v == 0 }() {
				port = int(portVal)
			}
		}
		endpoint := &net.UDPAddr{IP: from.IP, Port: port}
		e.Peers.Announce(ih, endpoint, 0)
		if e.publish != nil {
			var fixedIH [20]byte = ih
			e.publish.Publish(events.PeerDiscovered{InfoHash: fixedIH, Endpoint: endpoint})
			e.publish.Publish(events.InfoHashDiscovered{InfoHash: fixedIH, Source: "announce_peer"})
		}

	default:
		e.sendError(msg.TxID, from, 204, "method unknown")
		return
	}

	raw := EncodeResponse(msg.TxID, values)
	if err := e.transport.Send(raw, from); err != nil {
		log.WithError(err).Debug("dht: failed to send response")
	}
}

func (e *Engine) sendError(txID string, to *net.UDPAddr, code int, msg string) {
	raw := EncodeError(txID, code, msg)
	_ = e.transport.Send(raw, to)
}

// Bootstrap pings every seed address and widens the table with an
// initial find_node for our own ID.
func (e *Engine) Bootstrap(seeds []string) {
	for _, s := range seeds {
		addr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			continue
		}
		e.AddNode(addr)
	}
	go e.FindNode(e.localID)
}
