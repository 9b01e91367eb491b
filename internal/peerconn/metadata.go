package peerconn

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
	"github.com/Jayian1890/dhtcrawl/internal/dht"
)

const (
	protocolString = "BitTorrent protocol"
	handshakeLen   = 49 + len(protocolString)

	extendedMessageID  = 20
	extendedHandshakeID = 0

	metadataPieceSize = 16 * 1024

	// ourUtMetadataID is the local identifier we advertise for the
	// ut_metadata extension in our extended handshake m-dict; peers tag
	// the ut_metadata messages they send us with it. Their own handshake
	// may assign a different id for us to use when addressing them.
	ourUtMetadataID = 1

	handshakeTimeout = 10 * time.Second
	pieceTimeout     = 15 * time.Second
)

// extensionReserved marks byte 5 (0-indexed) bit 0x10 of the reserved
// handshake bytes to advertise BEP 10 extension protocol support.
var extensionReserved = [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0}

// State is the ut_metadata acquisition state machine named in §4.K.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateExtendedHandshake
	StateRequestingPieces
	StateValidating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateExtendedHandshake:
		return "extended_handshake"
	case StateRequestingPieces:
		return "requesting_pieces"
	case StateValidating:
		return "validating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MetadataResult is the decoded info-dict plus its raw bytes (kept so
// callers can re-verify the hash or persist the exact wire form).
type MetadataResult struct {
	InfoHash dht.InfoHash
	Raw      []byte
	Info     *bencode.Value
}

// MetadataExchange drives one peer connection through the BEP 9/10
// handshake and piece transfer, following the same state names as the
// teacher lineage's MetadataExchange (Disconnected..Done/Failed) but
// expressed as a small explicit state machine rather than callbacks.
type MetadataExchange struct {
	localPeerID [20]byte

	mu    sync.Mutex
	state State
}

func NewMetadataExchange(localPeerID [20]byte) *MetadataExchange {
	return &MetadataExchange{localPeerID: localPeerID, state: StateDisconnected}
}

func (m *MetadataExchange) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MetadataExchange) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Fetch performs the full exchange over conn and returns the validated
// info dict. conn is not closed; the caller releases it back to the
// pool via Release once Fetch returns.
func (m *MetadataExchange) Fetch(conn net.Conn, infoHash dht.InfoHash) (*MetadataResult, error) {
	m.setState(StateConnecting)
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	m.setState(StateHandshaking)
	if err := m.sendHandshake(conn, infoHash); err != nil {
		m.setState(StateFailed)
		return nil, errors.Wrap(err, "send handshake")
	}

	peerExtensions, err := m.readHandshake(conn, infoHash)
	if err != nil {
		m.setState(StateFailed)
		return nil, errors.Wrap(err, "read handshake")
	}
	if peerExtensions[5]&0x10 == 0 {
		m.setState(StateFailed)
		return nil, errors.New("peerconn: peer does not support extension protocol")
	}

	m.setState(StateExtendedHandshake)
	r := bufio.NewReader(conn)
	remoteUtMetadataID, metadataSize, err := m.extendedHandshake(conn, r)
	if err != nil {
		m.setState(StateFailed)
		return nil, errors.Wrap(err, "extended handshake")
	}
	if metadataSize <= 0 {
		m.setState(StateFailed)
		return nil, errors.New("peerconn: peer did not advertise metadata_size")
	}

	m.setState(StateRequestingPieces)
	raw, err := m.requestPieces(conn, r, remoteUtMetadataID, metadataSize)
	if err != nil {
		m.setState(StateFailed)
		return nil, errors.Wrap(err, "request pieces")
	}

	m.setState(StateValidating)
	sum := sha1.Sum(raw)
	if dht.InfoHash(sum) != infoHash {
		m.setState(StateFailed)
		return nil, errors.New("peerconn: metadata hash mismatch")
	}

	info, err := bencode.Decode(raw)
	if err != nil {
		m.setState(StateFailed)
		return nil, errors.Wrap(err, "decode info dict")
	}

	m.setState(StateDone)
	return &MetadataResult{InfoHash: infoHash, Raw: raw, Info: info}, nil
}

func (m *MetadataExchange) sendHandshake(conn net.Conn, infoHash dht.InfoHash) error {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, extensionReserved[:]...)
	buf = append(buf, infoHash.Bytes()...)
	buf = append(buf, m.localPeerID[:]...)
	_, err := conn.Write(buf)
	return err
}

func (m *MetadataExchange) readHandshake(conn net.Conn, infoHash dht.InfoHash) ([8]byte, error) {
	var extensions [8]byte
	header := make([]byte, handshakeLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return extensions, err
	}
	if int(header[0]) != len(protocolString) || string(header[1:1+len(protocolString)]) != protocolString {
		return extensions, errors.New("peerconn: bad protocol string")
	}
	copy(extensions[:], header[1+len(protocolString):1+len(protocolString)+8])
	gotHash := header[1+len(protocolString)+8 : 1+len(protocolString)+8+20]
	want := infoHash.Bytes()
	for i := range want {
		if gotHash[i] != want[i] {
			return extensions, errors.New("peerconn: info_hash mismatch in handshake")
		}
	}
	return extensions, nil
}

// extendedHandshake sends our BEP 10 handshake dict and reads the
// peer's, returning the id the peer wants us to use for ut_metadata
// messages addressed to it, and its advertised metadata_size.
func (m *MetadataExchange) extendedHandshake(conn net.Conn, r *bufio.Reader) (int, int, error) {
	mDict := bencode.NewDict()
	mDict.Set("ut_metadata", bencode.NewInt(ourUtMetadataID))
	handshake := bencode.NewDict()
	handshake.Set("m", mDict)
	payload := bencode.Encode(handshake)

	msg := make([]byte, 0, len(payload)+2)
	msg = append(msg, extendedMessageID, extendedHandshakeID)
	msg = append(msg, payload...)
	if err := writeMessage(conn, msg); err != nil {
		return 0, 0, err
	}

	id, typ, body, err := readMessage(r)
	if err != nil {
		return 0, 0, err
	}
	if id != extendedMessageID || typ != extendedHandshakeID {
		return 0, 0, errors.New("peerconn: expected extended handshake")
	}

	v, err := bencode.Decode(body)
	if err != nil {
		return 0, 0, err
	}
	mVal := v.Get("m")
	if mVal == nil {
		return 0, 0, errors.New("peerconn: extended handshake missing m dict")
	}
	utID := mVal.Get("ut_metadata")
	if utID == nil {
		return 0, 0, errors.New("peerconn: peer does not support ut_metadata")
	}
	id64, _ := utID.AsInt()

	size := 0
	if sizeVal := v.Get("metadata_size"); sizeVal != nil {
		s64, _ := sizeVal.AsInt()
		size = int(s64)
	}
	return int(id64), size, nil
}

// requestPieces walks every 16 KiB piece of the info dict in order,
// retrying nothing itself — a failed piece fails the whole Fetch, and
// the acquisition manager's own retry policy governs re-attempts.
func (m *MetadataExchange) requestPieces(conn net.Conn, r *bufio.Reader, remoteUtMetadataID, metadataSize int) ([]byte, error) {
	numPieces := (metadataSize + metadataPieceSize - 1) / metadataPieceSize
	raw := make([]byte, metadataSize)

	for piece := 0; piece < numPieces; piece++ {
		_ = conn.SetDeadline(time.Now().Add(pieceTimeout))

		req := bencode.NewDict()
		req.Set("msg_type", bencode.NewInt(0)) // request
		req.Set("piece", bencode.NewInt(int64(piece)))
		payload := bencode.Encode(req)

		msg := make([]byte, 0, len(payload)+2)
		msg = append(msg, extendedMessageID, byte(remoteUtMetadataID))
		msg = append(msg, payload...)
		if err := writeMessage(conn, msg); err != nil {
			return nil, err
		}

		id, typ, body, err := readMessage(r)
		if err != nil {
			return nil, err
		}
		if id != extendedMessageID || typ != ourUtMetadataID {
			return nil, errors.Errorf("peerconn: unexpected message id=%d type=%d", id, typ)
		}

		dictPart, dataPart, err := splitMetadataMessage(body)
		if err != nil {
			return nil, err
		}
		msgType := dictPart.Get("msg_type")
		mt, _ := msgType.AsInt()
		if mt == 2 {
			return nil, errors.Errorf("peerconn: peer rejected piece %d", piece)
		}
		gotPiece := dictPart.Get("piece")
		gp, _ := gotPiece.AsInt()
		if int(gp) != piece {
			return nil, errors.Errorf("peerconn: out-of-order piece %d (wanted %d)", gp, piece)
		}

		start := piece * metadataPieceSize
		end := start + len(dataPart)
		if end > len(raw) {
			return nil, errors.New("peerconn: piece data overruns metadata_size")
		}
		copy(raw[start:end], dataPart)
	}

	return raw, nil
}

// splitMetadataMessage separates the bencoded msg_type/piece dict from
// the trailing raw metadata bytes appended after it, per BEP 9.
func splitMetadataMessage(body []byte) (*bencode.Value, []byte, error) {
	v, rest, err := bencode.DecodePrefix(body)
	if err != nil {
		return nil, nil, err
	}
	return v, rest, nil
}

func writeMessage(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readMessage reads one length-prefixed peer-wire message and, if it
// is an extended message, splits off its extended-message-id byte.
func readMessage(r *bufio.Reader) (id byte, extendedType byte, body []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, 0, nil, nil // keep-alive
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, 0, nil, err
	}
	id = buf[0]
	if id != extendedMessageID {
		return id, 0, buf[1:], nil
	}
	if len(buf) < 2 {
		return 0, 0, nil, fmt.Errorf("peerconn: truncated extended message")
	}
	return id, buf[1], buf[2:], nil
}
