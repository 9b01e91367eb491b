package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
)

func TestParseMessageQueryRoundTrip(t *testing.T) {
	id := RandomID()
	target := RandomID()
	raw := EncodeQuery("aa", QueryFindNode, map[string]*bencode.Value{
		"id":     bencode.NewBytes(id.Bytes()),
		"target": bencode.NewBytes(target.Bytes()),
	})

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	require.Equal(t, TypeQuery, msg.Type)
	require.Equal(t, QueryFindNode, msg.Query)
	require.Equal(t, "aa", msg.TxID)
	gotID, _ := msg.Args["id"].AsString()
	require.Equal(t, string(id.Bytes()), gotID)
}

func TestParseMessageRejectsMissingRequiredArg(t *testing.T) {
	raw := EncodeQuery("bb", QueryFindNode, map[string]*bencode.Value{
		"id": bencode.NewBytes(RandomID().Bytes()),
	})
	_, err := ParseMessage(raw)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseMessageRejectsUnknownQuery(t *testing.T) {
	raw := EncodeQuery("cc", QueryKind("frobnicate"), map[string]*bencode.Value{
		"id": bencode.NewBytes(RandomID().Bytes()),
	})
	_, err := ParseMessage(raw)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseMessageResponseRequiresID(t *testing.T) {
	d := bencode.NewDict(
		bencode.DictEntry{Key: "t", Value: bencode.NewString("dd")},
		bencode.DictEntry{Key: "y", Value: bencode.NewString(string(TypeResponse))},
		bencode.DictEntry{Key: "r", Value: bencode.NewDict()},
	)
	_, err := ParseMessage(bencode.Encode(d))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseMessageError(t *testing.T) {
	raw := EncodeError("ee", 201, "Generic Error")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	require.Equal(t, TypeError, msg.Type)
	require.Equal(t, 201, msg.ErrCode)
	require.Equal(t, "Generic Error", msg.ErrMsg)
}

func TestCompactNodesRoundTrip(t *testing.T) {
	nodes := []*Node{
		{ID: RandomID(), Endpoint: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}},
		{ID: RandomID(), Endpoint: &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 51413}},
	}
	raw := EncodeCompactNodes(nodes)
	require.Len(t, raw, 2*compactNodeSize)

	decoded, err := DecodeCompactNodes(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, nodes[0].ID, decoded[0].ID)
	require.Equal(t, nodes[0].Endpoint.Port, decoded[0].Endpoint.Port)
	require.True(t, nodes[1].Endpoint.IP.Equal(decoded[1].Endpoint.IP))
}

func TestCompactNodesSkipsZeroPort(t *testing.T) {
	nodes := []*Node{{ID: RandomID(), Endpoint: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 0}}}
	raw := EncodeCompactNodes(nodes)
	require.Empty(t, raw)
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodes(make([]byte, compactNodeSize+1))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	addrs := []*net.UDPAddr{{IP: net.IPv4(9, 9, 9, 9), Port: 1234}}
	vals := EncodeCompactPeers(addrs)
	require.Len(t, vals, 1)

	raw, ok := vals[0].AsString()
	require.True(t, ok)
	decoded, err := DecodeCompactPeer([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 1234, decoded.Port)
	require.True(t, addrs[0].IP.Equal(decoded.IP))
}

func TestDecodeCompactPeerRejectsZeroPort(t *testing.T) {
	b := make([]byte, compactPeerSize)
	_, err := DecodeCompactPeer(b)
	require.ErrorIs(t, err, ErrMalformedMessage)
}
