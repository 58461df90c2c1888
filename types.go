package lsmkv

import (
	"bytes"
	"errors"
)

// timestampSize is the fixed width of a cell timestamp, both on disk and in
// the write buffer size estimate.
const timestampSize = 8

// tombstoneLength is the on-disk value length that marks a deletion.
const tombstoneLength = -1

// Value is a versioned payload or a deletion marker.
type Value struct {
	Timestamp int64
	Payload   []byte
	Tombstone bool
}

// Cell pairs a key with its versioned value. It is the unit exchanged
// between the write buffer, on-disk tables and the merge reader.
type Cell struct {
	Key   []byte
	Value Value
}

// Record is a live key/payload pair as returned to callers.
type Record struct {
	Key   []byte
	Value []byte
}

// Common errors
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrCorruptedData  = errors.New("corrupted data")
	ErrReadOnlyTable  = errors.New("read-only table")
	ErrDegradedRead   = errors.New("read degraded: one or more sources were dropped")
	ErrInvalidSSTable = errors.New("invalid sstable format")
)

// ErrorKind classifies an error by how a caller should react to it.
type ErrorKind int

const (
	// KindNone is returned for a nil error.
	KindNone ErrorKind = iota
	// KindFatal means the operation failed and had no durable effect; it may be retried.
	KindFatal
	// KindDegraded means the operation completed but some data may be missing.
	KindDegraded
	// KindContract means the caller broke an API contract. Not recoverable.
	KindContract
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFatal:
		return "fatal"
	case KindDegraded:
		return "degraded"
	case KindContract:
		return "contract"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrReadOnlyTable):
		return KindContract
	case errors.Is(err, ErrDegradedRead):
		return KindDegraded
	default:
		return KindFatal
	}
}

// CompareKeys performs unsigned lexicographic comparison of two keys.
// A strict prefix sorts before the longer key.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// compareCells orders cells by key ascending, then timestamp descending so
// that the freshest version of a key comes first.
func compareCells(a, b Cell) int {
	if c := CompareKeys(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Value.Timestamp > b.Value.Timestamp:
		return -1
	case a.Value.Timestamp < b.Value.Timestamp:
		return 1
	}
	return 0
}

// IsTombstone returns true if this value represents a deletion.
func (v Value) IsTombstone() bool {
	return v.Tombstone
}

// liveValue creates a live Value. The payload is not copied.
func liveValue(ts int64, payload []byte) Value {
	if payload == nil {
		payload = []byte{}
	}
	return Value{Timestamp: ts, Payload: payload}
}

// tombstoneValue creates a deletion marker.
func tombstoneValue(ts int64) Value {
	return Value{Timestamp: ts, Tombstone: true}
}

// encodedSize is the number of bytes the cell occupies in a table file,
// excluding its offset slot in the footer.
func (c Cell) encodedSize() int {
	n := 4 + len(c.Key) + timestampSize + 4
	if !c.Value.Tombstone {
		n += len(c.Value.Payload)
	}
	return n
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
