package dht

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransactionManagerFiresResponseExactlyOnce(t *testing.T) {
	tm := NewTransactionManager()
	defer tm.Stop()

	var calls int32
	txID := tm.NextTxID()
	require.NoError(t, tm.Register(&Transaction{
		TxID:       txID,
		OnResponse: func(*Message) { atomic.AddInt32(&calls, 1) },
	}))

	msg := &Message{TxID: txID, Type: TypeResponse}
	tm.Complete(txID, "response", msg)
	tm.Complete(txID, "response", msg) // late duplicate, must be dropped

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Equal(t, 0, tm.InFlight())
}

func TestTransactionManagerRoutesErrorToOnError(t *testing.T) {
	tm := NewTransactionManager()
	defer tm.Stop()

	var gotErr, gotResp bool
	txID := tm.NextTxID()
	require.NoError(t, tm.Register(&Transaction{
		TxID:       txID,
		OnResponse: func(*Message) { gotResp = true },
		OnError:    func(*Message) { gotErr = true },
	}))

	tm.Complete(txID, "error", &Message{TxID: txID, Type: TypeError})
	require.True(t, gotErr)
	require.False(t, gotResp)
}

func TestTransactionManagerUnknownTxIDIsIgnored(t *testing.T) {
	tm := NewTransactionManager()
	defer tm.Stop()
	tm.Complete("nope", "response", &Message{})
}

func TestTransactionManagerTimeoutFiresOnTimeout(t *testing.T) {
	tm := NewTransactionManager()
	tm.timeout = 10 * time.Millisecond
	defer tm.Stop()

	done := make(chan struct{})
	txID := tm.NextTxID()
	require.NoError(t, tm.Register(&Transaction{
		TxID:      txID,
		OnTimeout: func() { close(done) },
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTimeout never fired")
	}
	require.Equal(t, 0, tm.InFlight())
}

func TestTransactionManagerRejectsOverCap(t *testing.T) {
	tm := NewTransactionManager()
	tm.maxInFlight = 1
	defer tm.Stop()

	require.NoError(t, tm.Register(&Transaction{TxID: "a"}))
	err := tm.Register(&Transaction{TxID: "b"})
	require.ErrorIs(t, err, ErrTooManyTransactions)
}

func TestNextTxIDNeverCollidesWithPending(t *testing.T) {
	tm := NewTransactionManager()
	defer tm.Stop()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := tm.NextTxID()
		require.False(t, seen[id])
		seen[id] = true
		require.NoError(t, tm.Register(&Transaction{TxID: id}))
	}
}
