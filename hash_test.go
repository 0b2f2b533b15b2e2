package offlinesync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("test")).IsZero())
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)
}

func TestHashParts(t *testing.T) {
	t.Run("stable for equal tuples", func(t *testing.T) {
		require.Equal(t, HashParts("CHECKIN", "slot-a", "user-1"), HashParts("CHECKIN", "slot-a", "user-1"))
	})

	t.Run("part boundaries matter", func(t *testing.T) {
		require.NotEqual(t, HashParts("ab", "c"), HashParts("a", "bc"))
	})

	t.Run("order matters", func(t *testing.T) {
		require.NotEqual(t, HashParts("slot-a", "user-1"), HashParts("user-1", "slot-a"))
	})
}
