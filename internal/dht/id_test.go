package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDistanceIsSymmetricAndZeroForSelf(t *testing.T) {
	a := RandomID()
	b := RandomID()

	require.Equal(t, Distance(a, a), ID{})
	require.Equal(t, Distance(a, b), Distance(b, a))
}

func TestLessOrdersByBigEndianMagnitude(t *testing.T) {
	var a, b ID
	a[0] = 0x01
	b[0] = 0x02
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func TestCommonPrefixLen(t *testing.T) {
	var a, b ID
	a[0] = 0b10110000
	b[0] = 0b10100000
	require.Equal(t, 3, CommonPrefixLen(a, b))
}

func TestRandomInRangeSharesPrefix(t *testing.T) {
	base := RandomID()
	for _, bits := range []int{0, 1, 8, 20, 160} {
		got := RandomInRange(base, bits)
		require.GreaterOrEqual(t, CommonPrefixLen(base, got), bits)
	}
}

func TestIDFromBytesRejectsWrongLength(t *testing.T) {
	_, ok := IDFromBytes([]byte{1, 2, 3})
	require.False(t, ok)

	id, ok := IDFromBytes(make([]byte, IDLength))
	require.True(t, ok)
	require.Equal(t, ID{}, id)
}
