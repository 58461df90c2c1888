// Package reference provides a trivial ordered in-memory map that satisfies
// lsmkv.DAO. It is the baseline for benchmarks and the oracle for
// randomized store tests.
package reference

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/freeeve/lsmkv"
)

type orderedMap = skipmap.FuncMap[[]byte, []byte]

// Map is a concurrent ordered map from key to payload. Deletes remove the
// key outright; there are no tombstones.
type Map struct {
	data   *orderedMap
	closed atomic.Bool
}

var _ lsmkv.DAO = (*Map)(nil)

// New returns an empty map.
func New() *Map {
	return &Map{
		data: skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Upsert stores a copy of payload under a copy of key.
func (m *Map) Upsert(key, payload []byte) error {
	if m.closed.Load() {
		return lsmkv.ErrStoreClosed
	}
	v := make([]byte, len(payload))
	copy(v, payload)
	m.data.Store(bytes.Clone(key), v)
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (m *Map) Remove(key []byte) error {
	if m.closed.Load() {
		return lsmkv.ErrStoreClosed
	}
	m.data.Delete(key)
	return nil
}

// Get returns a copy of the payload stored under key.
func (m *Map) Get(key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, lsmkv.ErrStoreClosed
	}
	v, ok := m.data.Load(key)
	if !ok {
		return nil, lsmkv.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

// Scan calls fn for each key >= from in ascending order until fn returns false.
func (m *Map) Scan(from []byte, fn func(key, value []byte) bool) error {
	if m.closed.Load() {
		return lsmkv.ErrStoreClosed
	}
	m.data.Range(func(k, v []byte) bool {
		if bytes.Compare(k, from) < 0 {
			return true
		}
		return fn(k, v)
	})
	return nil
}

// Len returns the number of keys.
func (m *Map) Len() int {
	return m.data.Len()
}

// Close marks the map closed. Later calls return lsmkv.ErrStoreClosed.
func (m *Map) Close() error {
	m.closed.Store(true)
	return nil
}
