package kv

import (
	"encoding/binary"
	"time"
)

// EncodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func EncodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// DecodeTimestamp converts a big-endian byte slice back to time.Time.
func DecodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// EncodeSeq encodes a uint64 sequence number as a big-endian 8-byte slice
// for lexicographic ordering in bbolt.
func EncodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// DecodeSeq decodes a sequence number written by EncodeSeq.
func DecodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// TimedKey builds an index key: [8-byte timestamp][suffix].
func TimedKey(t time.Time, suffix string) []byte {
	ts := EncodeTimestamp(t)
	key := make([]byte, 8+len(suffix))
	copy(key[:8], ts)
	copy(key[8:], suffix)
	return key
}

// ParseTimedKey splits a key built by TimedKey.
func ParseTimedKey(data []byte) (time.Time, string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return DecodeTimestamp(data[:8]), string(data[8:])
}

// Clone copies a byte slice read inside a transaction so it outlives it.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
