package dht

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTooManyTransactions is returned by Register when the in-flight
// transaction cap has been reached.
var ErrTooManyTransactions = errors.New("TooManyTransactions")

const (
	defaultMaxTransactions = 256
	defaultTxTimeout       = 15 * time.Second
	sweepInterval          = 1 * time.Second
)

// QueryKind names the DHT query a transaction is tracking.
type QueryKind string

const (
	QueryPing          QueryKind = "ping"
	QueryFindNode      QueryKind = "find_node"
	QueryGetPeers      QueryKind = "get_peers"
	QueryAnnouncePeer  QueryKind = "announce_peer"
	QuerySampleInfohashes QueryKind = "sample_infohashes"
)

// Transaction tracks a single outstanding query awaiting a response.
type Transaction struct {
	TxID      string
	Kind      QueryKind
	Target    ID
	Remote    *net.UDPAddr
	CreatedAt time.Time

	OnResponse func(*Message)
	OnError    func(*Message)
	OnTimeout  func()

	fired bool
}

// TransactionManager matches DHT responses to pending queries by
// transaction ID and enforces per-transaction timeouts. No lock is held
// while callbacks run.
type TransactionManager struct {
	mu      sync.Mutex
	pending map[string]*Transaction
	maxInFlight int
	timeout     time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewTransactionManager() *TransactionManager {
	tm := &TransactionManager{
		pending:     make(map[string]*Transaction),
		maxInFlight: defaultMaxTransactions,
		timeout:     defaultTxTimeout,
		stop:        make(chan struct{}),
	}
	tm.wg.Add(1)
	go tm.sweepLoop()
	return tm
}

func (tm *TransactionManager) Stop() {
	close(tm.stop)
	tm.wg.Wait()
}

// NextTxID generates a fresh short opaque transaction id not currently in
// use.
func (tm *TransactionManager) NextTxID() string {
	b := make([]byte, 2)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for {
		_, _ = rand.Read(b)
		id := string(b)
		if _, exists := tm.pending[id]; !exists {
			return id
		}
	}
}

// Register records tx as in-flight. It fails with ErrTooManyTransactions
// once the in-flight cap is reached.
func (tm *TransactionManager) Register(tx *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.pending) >= tm.maxInFlight {
		return ErrTooManyTransactions
	}
	tx.CreatedAt = time.Now()
	tm.pending[tx.TxID] = tx
	return nil
}

// Complete dispatches the originally-registered callback for tx_id exactly
// once. A late response matching a removed tx_id is dropped silently.
func (tm *TransactionManager) Complete(txID string, kind string, msg *Message) {
	tm.mu.Lock()
	tx, ok := tm.pending[txID]
	if !ok || tx.fired {
		tm.mu.Unlock()
		return
	}
	tx.fired = true
	delete(tm.pending, txID)
	tm.mu.Unlock()

	switch kind {
	case "response":
		if tx.OnResponse != nil {
			tx.OnResponse(msg)
		}
	case "error":
		if tx.OnError != nil {
			tx.OnError(msg)
		}
	}
}

func (tm *TransactionManager) sweepLoop() {
	defer tm.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tm.stop:
			return
		case <-ticker.C:
			tm.sweepOnce()
		}
	}
}

func (tm *TransactionManager) sweepOnce() {
	now := time.Now()
	var overdue []*Transaction

	tm.mu.Lock()
	for id, tx := range tm.pending {
		if !tx.fired && now.Sub(tx.CreatedAt) > tm.timeout {
			tx.fired = true
			overdue = append(overdue, tx)
			delete(tm.pending, id)
		}
	}
	tm.mu.Unlock()

	for _, tx := range overdue {
		if tx.OnTimeout != nil {
			tx.OnTimeout()
		}
	}
}

// InFlight returns the number of transactions currently awaiting a response.
func (tm *TransactionManager) InFlight() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}
