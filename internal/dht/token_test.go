package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenIssueThenValidateSucceeds(t *testing.T) {
	tm := NewTokenManager()
	defer tm.Stop()

	ip := net.ParseIP("203.0.113.5")
	tok := tm.Issue(ip)
	require.True(t, tm.Validate(ip, tok))
}

func TestTokenRejectsWrongIP(t *testing.T) {
	tm := NewTokenManager()
	defer tm.Stop()

	tok := tm.Issue(net.ParseIP("203.0.113.5"))
	require.False(t, tm.Validate(net.ParseIP("203.0.113.6"), tok))
}

func TestTokenValidAcrossOneRotation(t *testing.T) {
	tm := NewTokenManager()
	defer tm.Stop()

	ip := net.ParseIP("203.0.113.5")
	tok := tm.Issue(ip)

	tm.rotate()
	require.True(t, tm.Validate(ip, tok), "token must survive exactly one rotation")

	tm.rotate()
	require.False(t, tm.Validate(ip, tok), "token must not survive a second rotation")
}

func TestTokenRotateAdvancesSecret(t *testing.T) {
	tm := &TokenManager{stop: make(chan struct{})}
	tm.rotate()
	tm.rotate()
	first := tm.current

	tm.rotate()
	require.NotEqual(t, first, tm.current)
}
