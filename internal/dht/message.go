package dht

import (
	"net"

	"github.com/pkg/errors"

	"github.com/Jayian1890/dhtcrawl/internal/bencode"
)

// ErrMalformedMessage is wrapped by every KRPC parse failure.
var ErrMalformedMessage = errors.New("MalformedMessage")

// MsgType is the "y" field of a KRPC message.
type MsgType string

const (
	TypeQuery    MsgType = "q"
	TypeResponse MsgType = "r"
	TypeError    MsgType = "e"
)

// Message is a parsed KRPC datagram: a query, a response, or an error.
type Message struct {
	TxID string
	Type MsgType

	Query QueryKind // set when Type == TypeQuery
	Args  map[string]*bencode.Value

	Values map[string]*bencode.Value // "r" dict, set when Type == TypeResponse

	ErrCode int
	ErrMsg  string
}

// compactNodeSize is the byte width of one compact node entry: 20-byte id
// + 4-byte IPv4 + 2-byte port.
const compactNodeSize = 26

// compactPeerSize is the byte width of one compact peer entry: 4-byte
// IPv4 + 2-byte port.
const compactPeerSize = 6

// ParseMessage decodes a raw UDP datagram into a Message, failing with
// ErrMalformedMessage on missing required fields or wrong-shaped types.
func ParseMessage(raw []byte) (*Message, error) {
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if v.Kind != bencode.KindDict {
		return nil, errors.Wrap(ErrMalformedMessage, "top-level value is not a dict")
	}

	tVal, ok := v.Get("t").AsString()
	if !ok {
		return nil, errors.Wrap(ErrMalformedMessage, "missing t")
	}
	yVal, ok := v.Get("y").AsString()
	if !ok {
		return nil, errors.Wrap(ErrMalformedMessage, "missing y")
	}

	msg := &Message{TxID: tVal, Type: MsgType(yVal)}

	switch msg.Type {
	case TypeQuery:
		q, ok := v.Get("q").AsString()
		if !ok {
			return nil, errors.Wrap(ErrMalformedMessage, "missing q")
		}
		msg.Query = QueryKind(q)
		a := v.Get("a")
		if a == nil || a.Kind != bencode.KindDict {
			return nil, errors.Wrap(ErrMalformedMessage, "missing or malformed a")
		}
		msg.Args = dictToMap(a)
		if err := validateQueryArgs(msg); err != nil {
			return nil, err
		}
	case TypeResponse:
		r := v.Get("r")
		if r == nil || r.Kind != bencode.KindDict {
			return nil, errors.Wrap(ErrMalformedMessage, "missing or malformed r")
		}
		msg.Values = dictToMap(r)
		if _, ok := msg.Values["id"]; !ok {
			return nil, errors.Wrap(ErrMalformedMessage, "response missing id")
		}
	case TypeError:
		e := v.Get("e")
		if e == nil || e.Kind != bencode.KindList || len(e.List) != 2 {
			return nil, errors.Wrap(ErrMalformedMessage, "malformed e")
		}
		code, ok := e.List[0].AsInt()
		if !ok {
			return nil, errors.Wrap(ErrMalformedMessage, "error code not an int")
		}
		emsg, ok := e.List[1].AsString()
		if !ok {
			return nil, errors.Wrap(ErrMalformedMessage, "error message not a string")
		}
		msg.ErrCode = int(code)
		msg.ErrMsg = emsg
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown y value %q", yVal)
	}

	return msg, nil
}

func dictToMap(v *bencode.Value) map[string]*bencode.Value {
	m := make(map[string]*bencode.Value, len(v.Dict))
	for _, e := range v.Dict {
		m[e.Key] = e.Value
	}
	return m
}

func validateQueryArgs(msg *Message) error {
	required := func(keys ...string) error {
		for _, k := range keys {
			if _, ok := msg.Args[k]; !ok {
				return errors.Wrapf(ErrMalformedMessage, "query %s missing arg %q", msg.Query, k)
			}
		}
		return nil
	}
	switch msg.Query {
	case QueryPing:
		return required("id")
	case QueryFindNode:
		return required("id", "target")
	case QueryGetPeers:
		return required("id", "info_hash")
	case QueryAnnouncePeer:
		return required("id", "info_hash", "port", "token")
	case QuerySampleInfohashes:
		return required("id")
	default:
		return errors.Wrapf(ErrMalformedMessage, "unknown query %q", msg.Query)
	}
}

// EncodeQuery builds the raw bencoded bytes for a query message.
func EncodeQuery(txID string, q QueryKind, args map[string]*bencode.Value) []byte {
	argEntries := make([]bencode.DictEntry, 0, len(args))
	for k, v := range args {
		argEntries = append(argEntries, bencode.DictEntry{Key: k, Value: v})
	}
	d := bencode.NewDict(
		bencode.DictEntry{Key: "t", Value: bencode.NewString(txID)},
		bencode.DictEntry{Key: "y", Value: bencode.NewString(string(TypeQuery))},
		bencode.DictEntry{Key: "q", Value: bencode.NewString(string(q))},
		bencode.DictEntry{Key: "a", Value: bencode.NewDict(argEntries...)},
	)
	return bencode.Encode(d)
}

// EncodeResponse builds the raw bencoded bytes for a response message.
func EncodeResponse(txID string, values map[string]*bencode.Value) []byte {
	entries := make([]bencode.DictEntry, 0, len(values))
	for k, v := range values {
		entries = append(entries, bencode.DictEntry{Key: k, Value: v})
	}
	d := bencode.NewDict(
		bencode.DictEntry{Key: "t", Value: bencode.NewString(txID)},
		bencode.DictEntry{Key: "y", Value: bencode.NewString(string(TypeResponse))},
		bencode.DictEntry{Key: "r", Value: bencode.NewDict(entries...)},
	)
	return bencode.Encode(d)
}

// EncodeError builds the raw bencoded bytes for an error message.
func EncodeError(txID string, code int, msg string) []byte {
	d := bencode.NewDict(
		bencode.DictEntry{Key: "t", Value: bencode.NewString(txID)},
		bencode.DictEntry{Key: "y", Value: bencode.NewString(string(TypeError))},
		bencode.DictEntry{Key: "e", Value: bencode.NewList(bencode.NewInt(int64(code)), bencode.NewString(msg))},
	)
	return bencode.Encode(d)
}

// EncodeCompactNodes packs nodes into BEP-5's compact node-info format:
// 20-byte id + 4-byte IPv4 (network order) + 2-byte port (network order),
// repeated.
func EncodeCompactNodes(nodes []*Node) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeSize)
	for _, n := range nodes {
		ip4 := n.Endpoint.IP.To4()
		if ip4 == nil || n.Endpoint.Port == 0 || n.Endpoint.Port > 65535 {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip4...)
		out = append(out, byte(n.Endpoint.Port>>8), byte(n.Endpoint.Port))
	}
	return out
}

// DecodeCompactNodes unpacks compact node-info bytes. An empty slice is
// valid and yields zero nodes. Entries with port 0 are rejected.
func DecodeCompactNodes(b []byte) ([]*Node, error) {
	if len(b)%compactNodeSize != 0 {
		return nil, errors.Wrap(ErrMalformedMessage, "compact nodes length not a multiple of 26")
	}
	var out []*Node
	for i := 0; i+compactNodeSize <= len(b); i += compactNodeSize {
		var id ID
		copy(id[:], b[i:i+IDLength])
		ip := net.IPv4(b[i+20], b[i+21], b[i+22], b[i+23])
		port := int(b[i+24])<<8 | int(b[i+25])
		if port == 0 {
			continue
		}
		out = append(out, &Node{ID: id, Endpoint: &net.UDPAddr{IP: ip, Port: port}})
	}
	return out, nil
}

// EncodeCompactPeers packs endpoints into BEP-5's compact peer-info
// format: 4-byte IPv4 + 2-byte port, repeated.
func EncodeCompactPeers(endpoints []*net.UDPAddr) []*bencode.Value {
	out := make([]*bencode.Value, 0, len(endpoints))
	for _, ep := range endpoints {
		ip4 := ep.IP.To4()
		if ip4 == nil || ep.Port == 0 || ep.Port > 65535 {
			continue
		}
		b := make([]byte, compactPeerSize)
		copy(b, ip4)
		b[4] = byte(ep.Port >> 8)
		b[5] = byte(ep.Port)
		out = append(out, bencode.NewBytes(b))
	}
	return out
}

// DecodeCompactPeer unpacks a single 6-byte compact peer entry. Port 0 is
// invalid and is rejected.
func DecodeCompactPeer(b []byte) (*net.UDPAddr, error) {
	if len(b) != compactPeerSize {
		return nil, errors.Wrap(ErrMalformedMessage, "compact peer entry must be 6 bytes")
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	if port == 0 {
		return nil, errors.Wrap(ErrMalformedMessage, "peer entry has port 0")
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
