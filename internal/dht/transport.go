package dht

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Jayian1890/dhtcrawl/internal/events"
)

const maxDatagramSize = 2048

// Transport is a single-socket UDP loop: recv -> parse -> dispatch, with
// outbound writes serialized on the socket. There is no ordering guarantee between outbound datagrams
// to different destinations; for a single destination writes are FIFO on
// the socket but UDP may still reorder them in flight.
type Transport struct {
	conn    *net.UDPConn
	publish events.Publisher

	handleQuery func(*Message, *net.UDPAddr)
	txManager   *TransactionManager

	sendMu sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewTransport(conn *net.UDPConn, tm *TransactionManager, pub events.Publisher) *Transport {
	return &Transport{
		conn:      conn,
		txManager: tm,
		publish:   pub,
		stop:      make(chan struct{}),
	}
}

// OnQuery registers the callback invoked for every parsed incoming query.
func (t *Transport) OnQuery(f func(*Message, *net.UDPAddr)) {
	t.handleQuery = f
}

// Start launches the receive loop in the background.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.recvLoop()
}

func (t *Transport) Stop() {
	close(t.stop)
	_ = t.conn.Close()
	t.wg.Wait()
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				log.WithError(err).Debug("dht: udp read error")
				continue
			}
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		t.dispatch(raw, addr)
	}
}

func (t *Transport) dispatch(raw []byte, addr *net.UDPAddr) {
	msg, err := ParseMessage(raw)
	if err != nil {
		log.WithError(err).WithField("from", addr).Debug("dht: malformed datagram")
		if t.publish != nil {
			t.publish.Publish(events.SystemError{Component: "dht.transport", Err: err})
		}
		return
	}
	if t.publish != nil {
		t.publish.Publish(events.MessageReceived{From: addr, TxID: msg.TxID, Type: string(msg.Type)})
	}

	switch msg.Type {
	case TypeQuery:
		if t.handleQuery != nil {
			t.handleQuery(msg, addr)
		}
	case TypeResponse:
		t.txManager.Complete(msg.TxID, "response", msg)
	case TypeError:
		t.txManager.Complete(msg.TxID, "error", msg)
	}
}

// Send writes raw bytes to addr on the socket, under a mutex, so writes
// for a single destination happen in call order.
func (t *Transport) Send(raw []byte, addr *net.UDPAddr) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	_, err := t.conn.WriteToUDP(raw, addr)
	if err == nil && t.publish != nil {
		t.publish.Publish(events.MessageSent{To: addr})
	}
	return err
}
