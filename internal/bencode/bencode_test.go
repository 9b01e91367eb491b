package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"i-7e",
		"4:spam",
		"le",
		"l4:spami42ee",
		"de",
		"d3:bar4:spam3:fooi42ee",
	}
	for _, in := range cases {
		v, err := Decode([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, in, string(Encode(v)), in)
	}
}

func TestDecodeDictSortsKeysOnEncode(t *testing.T) {
	v, err := Decode([]byte("d3:zoo1:z3:bar1:b3:fooi1ee"))
	require.NoError(t, err)
	require.Equal(t, "d3:bar1:b3:fooi1e3:zoo1:ze", string(Encode(v)))
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	_, err := Decode([]byte("i1ee"))
	require.Error(t, err)
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, err := Decode([]byte("i04e"))
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedString(t *testing.T) {
	_, err := Decode([]byte("5:ab"))
	require.Error(t, err)
}

func TestDecodePrefixLeavesRemainder(t *testing.T) {
	v, rest, err := DecodePrefix([]byte("i1e4:spamtrailing"))
	require.NoError(t, err)
	n, _ := v.AsInt()
	require.Equal(t, int64(1), n)
	require.Equal(t, "trailing", string(rest[len("4:spam"):]))
}

func TestGetSet(t *testing.T) {
	d := NewDict(DictEntry{Key: "a", Value: NewInt(1)})
	require.NotNil(t, d.Get("a"))
	require.Nil(t, d.Get("missing"))
	d.Set("b", NewString("x"))
	s, ok := d.Get("b").AsString()
	require.True(t, ok)
	require.Equal(t, "x", s)
}
