package peerconn

import (
	"bufio"
	"crypto/sha1"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
)

const remotePeerUtMetadataID = 3

// fakePeer plays the remote side of the BEP 9/10 exchange over conn,
// serving raw as the metadata payload split into metadataPieceSize pieces.
func fakePeer(t *testing.T, conn net.Conn, infoHash dht.InfoHash, raw []byte, reject bool) {
	t.Helper()
	r := bufio.NewReader(conn)

	header := make([]byte, handshakeLen)
	_, err := io.ReadFull(r, header)
	require.NoError(t, err)

	resp := make([]byte, 0, handshakeLen)
	resp = append(resp, byte(len(protocolString)))
	resp = append(resp, protocolString...)
	resp = append(resp, extensionReserved[:]...)
	resp = append(resp, infoHash.Bytes()...)
	var peerID [20]byte
	resp = append(resp, peerID[:]...)
	_, err = conn.Write(resp)
	require.NoError(t, err)

	id, typ, body, err := readMessage(r)
	require.NoError(t, err)
	require.EqualValues(t, extendedMessageID, id)
	require.EqualValues(t, extendedHandshakeID, typ)
	v, err := bencode.Decode(body)
	require.NoError(t, err)
	localUtID, _ := v.Get("m").Get("ut_metadata").AsInt()
	require.EqualValues(t, ourUtMetadataID, localUtID)

	handshake := bencode.NewDict()
	m := bencode.NewDict()
	m.Set("ut_metadata", bencode.NewInt(remotePeerUtMetadataID))
	handshake.Set("m", m)
	handshake.Set("metadata_size", bencode.NewInt(int64(len(raw))))
	payload := bencode.Encode(handshake)
	msg := append([]byte{extendedMessageID, extendedHandshakeID}, payload...)
	require.NoError(t, writeMessage(conn, msg))

	numPieces := (len(raw) + metadataPieceSize - 1) / metadataPieceSize
	for piece := 0; piece < numPieces; piece++ {
		id, typ, body, err := readMessage(r)
		require.NoError(t, err)
		require.EqualValues(t, extendedMessageID, id)
		require.EqualValues(t, remotePeerUtMetadataID, typ)

		reqDict, err := bencode.Decode(body)
		require.NoError(t, err)
		gotPiece, _ := reqDict.Get("piece").AsInt()
		require.EqualValues(t, piece, gotPiece)

		if reject {
			rejectDict := bencode.NewDict()
			rejectDict.Set("msg_type", bencode.NewInt(2))
			rejectDict.Set("piece", bencode.NewInt(int64(piece)))
			rp := bencode.Encode(rejectDict)
			require.NoError(t, writeMessage(conn, append([]byte{extendedMessageID, ourUtMetadataID}, rp...)))
			return
		}

		start := piece * metadataPieceSize
		end := start + metadataPieceSize
		if end > len(raw) {
			end = len(raw)
		}
		dataDict := bencode.NewDict()
		dataDict.Set("msg_type", bencode.NewInt(1))
		dataDict.Set("piece", bencode.NewInt(int64(piece)))
		dataDict.Set("total_size", bencode.NewInt(int64(len(raw))))
		dp := bencode.Encode(dataDict)
		out := append([]byte{extendedMessageID, ourUtMetadataID}, dp...)
		out = append(out, raw[start:end]...)
		require.NoError(t, writeMessage(conn, out))
	}
}

func TestMetadataExchangeFetchSucceeds(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("test.iso"))
	info.Set("piece length", bencode.NewInt(16384))
	info.Set("pieces", bencode.NewString("01234567890123456789"))
	info.Set("length", bencode.NewInt(12345))
	raw := bencode.Encode(info)
	infoHash := dht.InfoHash(sha1.Sum(raw))

	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakePeer(t, peerConn, infoHash, raw, false)
	}()

	var peerID [20]byte
	ex := NewMetadataExchange(peerID)
	result, err := ex.Fetch(clientConn, infoHash)
	<-done

	require.NoError(t, err)
	require.Equal(t, infoHash, result.InfoHash)
	require.Equal(t, raw, result.Raw)
	require.Equal(t, StateDone, ex.State())
}

func TestMetadataExchangeFetchFailsOnHashMismatch(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("mismatch"))
	raw := bencode.Encode(info)
	wrongHash := dht.RandomID()

	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakePeer(t, peerConn, wrongHash, raw, false)
	}()

	var peerID [20]byte
	ex := NewMetadataExchange(peerID)
	_, err := ex.Fetch(clientConn, wrongHash)
	<-done

	require.Error(t, err)
	require.Equal(t, StateFailed, ex.State())
}

func TestMetadataExchangeFetchFailsOnPieceReject(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", bencode.NewString("x"))
	raw := bencode.Encode(info)
	infoHash := dht.InfoHash(sha1.Sum(raw))

	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakePeer(t, peerConn, infoHash, raw, true)
	}()

	var peerID [20]byte
	ex := NewMetadataExchange(peerID)
	_, err := ex.Fetch(clientConn, infoHash)
	<-done

	require.Error(t, err)
	require.Equal(t, StateFailed, ex.State())
}

func TestStateStringCoversAllStates(t *testing.T) {
	for s := StateDisconnected; s <= StateFailed; s++ {
		require.NotEqual(t, "unknown", s.String())
	}
	require.Equal(t, "unknown", State(99).String())
}
