package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

// defaultSecretRotation matches the teacher lineage's (STX5-dht)
// secretRotatePeriod constant: secrets rotate every 5 minutes, and the
// previous secret is retained for exactly one rotation.
const defaultSecretRotation = 5 * time.Minute

const secretSize = 20

// TokenManager issues and validates short-lived tokens authorizing
// announce_peer, derived as H(secret || remote_ip). Exactly two secrets
// are ever live: current and previous.
type TokenManager struct {
	mu       sync.RWMutex
	current  [secretSize]byte
	previous [secretSize]byte

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewTokenManager() *TokenManager {
	tm := &TokenManager{stop: make(chan struct{})}
	tm.rotate()
	tm.rotate() // seed both current and previous with independent secrets
	tm.wg.Add(1)
	go tm.rotateLoop()
	return tm
}

func (tm *TokenManager) Stop() {
	close(tm.stop)
	tm.wg.Wait()
}

func (tm *TokenManager) rotate() {
	var next [secretSize]byte
	_, _ = rand.Read(next[:])

	tm.mu.Lock()
	tm.previous = tm.current
	tm.current = next
	tm.mu.Unlock()
}

func (tm *TokenManager) rotateLoop() {
	defer tm.wg.Done()
	ticker := time.NewTicker(defaultSecretRotation)
	defer ticker.Stop()
	for {
		select {
		case <-tm.stop:
			return
		case <-ticker.C:
			tm.rotate()
		}
	}
}

func derive(secret [secretSize]byte, ip net.IP) []byte {
	h := sha1.New()
	h.Write(secret[:])
	h.Write(ip.To16())
	return h.Sum(nil)
}

// Issue returns a token for remoteIP derived from the current secret.
func (tm *TokenManager) Issue(remoteIP net.IP) []byte {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return derive(tm.current, remoteIP)
}

// Validate reports whether token matches a derivation under the current
// or previous secret for remoteIP.
func (tm *TokenManager) Validate(remoteIP net.IP, token []byte) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return equalBytes(token, derive(tm.current, remoteIP)) || equalBytes(token, derive(tm.previous, remoteIP))
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
