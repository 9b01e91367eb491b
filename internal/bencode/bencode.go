// Package bencode implements the bencode wire format used by the DHT and
// by torrent metadata. Decoding is strict: Decode refuses trailing
// garbage. Encoding preserves lexicographic dictionary key order, which is
// required because info-hash computation depends on byte-exact re-encoding
// of the info subtree.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("MalformedBencode")

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

// DictEntry is a single key/value pair in a Dict, kept in encounter order
// on decode and sorted lexicographically on Encode.
type DictEntry struct {
	Key   string
	Value *Value
}

// Value is a recursive bencode value: integer, byte string, ordered list,
// or ordered-by-key dictionary.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []*Value
	Dict  []DictEntry
}

func NewInt(v int64) *Value   { return &Value{Kind: KindInt, Int: v} }
func NewBytes(b []byte) *Value { return &Value{Kind: KindBytes, Bytes: b} }
func NewString(s string) *Value { return &Value{Kind: KindBytes, Bytes: []byte(s)} }
func NewList(vs ...*Value) *Value { return &Value{Kind: KindList, List: vs} }

// NewDict builds a Dict from entries, order does not matter — Encode
// always sorts lexicographically.
func NewDict(entries ...DictEntry) *Value {
	return &Value{Kind: KindDict, Dict: entries}
}

// Get returns the value for key in a dict, or nil if absent or v is not a dict.
func (v *Value) Get(key string) *Value {
	if v == nil || v.Kind != KindDict {
		return nil
	}
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func (v *Value) Set(key string, val *Value) {
	for i, e := range v.Dict {
		if e.Key == key {
			v.Dict[i].Value = val
			return
		}
	}
	v.Dict = append(v.Dict, DictEntry{Key: key, Value: val})
}

func (v *Value) AsString() (string, bool) {
	if v == nil || v.Kind != KindBytes {
		return "", false
	}
	return string(v.Bytes), true
}

func (v *Value) AsInt() (int64, bool) {
	if v == nil || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// Decode parses exactly one bencoded value from b, failing with
// ErrMalformed if trailing bytes remain.
func Decode(b []byte) (*Value, error) {
	v, rest, err := decodeValue(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Wrap(ErrMalformed, "trailing garbage after top-level value")
	}
	return v, nil
}

// DecodePrefix parses one bencoded value from the start of b and returns
// any unconsumed bytes, for decoders that read a stream of framed values.
func DecodePrefix(b []byte) (*Value, []byte, error) {
	return decodeValue(b)
}

func decodeValue(b []byte) (*Value, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.Wrap(ErrMalformed, "empty input")
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeBytes(b)
	default:
		return nil, nil, errors.Wrapf(ErrMalformed, "unexpected token %q", b[0])
	}
}

func decodeInt(b []byte) (*Value, []byte, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return nil, nil, errors.Wrap(ErrMalformed, "unterminated integer")
	}
	numStr := string(b[1:end])
	if numStr == "" || numStr == "-" {
		return nil, nil, errors.Wrap(ErrMalformed, "empty integer")
	}
	if len(numStr) > 1 && (numStr[0] == '0' || (numStr[0] == '-' && numStr[1] == '0')) {
		return nil, nil, errors.Wrap(ErrMalformed, "integer has leading zero")
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return nil, nil, errors.Wrap(ErrMalformed, "invalid integer")
	}
	return &Value{Kind: KindInt, Int: n}, b[end+1:], nil
}

func decodeBytes(b []byte) (*Value, []byte, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return nil, nil, errors.Wrap(ErrMalformed, "missing length delimiter")
	}
	length, err := strconv.Atoi(string(b[:colon]))
	if err != nil || length < 0 {
		return nil, nil, errors.Wrap(ErrMalformed, "invalid string length")
	}
	start := colon + 1
	end := start + length
	if end > len(b) {
		return nil, nil, errors.Wrap(ErrMalformed, "string runs past end of input")
	}
	out := make([]byte, length)
	copy(out, b[start:end])
	return &Value{Kind: KindBytes, Bytes: out}, b[end:], nil
}

func decodeList(b []byte) (*Value, []byte, error) {
	rest := b[1:]
	var items []*Value
	for {
		if len(rest) == 0 {
			return nil, nil, errors.Wrap(ErrMalformed, "unterminated list")
		}
		if rest[0] == 'e' {
			return &Value{Kind: KindList, List: items}, rest[1:], nil
		}
		v, next, err := decodeValue(rest)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, v)
		rest = next
	}
}

func decodeDict(b []byte) (*Value, []byte, error) {
	rest := b[1:]
	var entries []DictEntry
	for {
		if len(rest) == 0 {
			return nil, nil, errors.Wrap(ErrMalformed, "unterminated dict")
		}
		if rest[0] == 'e' {
			return &Value{Kind: KindDict, Dict: entries}, rest[1:], nil
		}
		keyVal, next, err := decodeBytes(rest)
		if err != nil {
			return nil, nil, errors.Wrap(ErrMalformed, "dict key must be a byte string")
		}
		val, next2, err := decodeValue(next)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, DictEntry{Key: string(keyVal.Bytes), Value: val})
		rest = next2
	}
}

// Encode writes v in canonical bencode form, dictionaries sorted by key.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v *Value) {
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindBytes:
		fmt.Fprintf(buf, "%d:", len(v.Bytes))
		buf.Write(v.Bytes)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		entries := append([]DictEntry(nil), v.Dict...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		for _, e := range entries {
			fmt.Fprintf(buf, "%d:", len(e.Key))
			buf.WriteString(e.Key)
			encodeInto(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}
