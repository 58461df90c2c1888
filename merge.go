package lsmkv

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// heapEntry is the head cell of one merge source.
type heapEntry struct {
	cell Cell
	rank int // 0 = write buffer, then tables newest first
	it   CellIterator
}

type cellHeap []heapEntry

// less orders by key ascending, then timestamp descending. Equal cells fall
// back to source rank so the result is deterministic.
func (h cellHeap) less(i, j int) bool {
	if c := compareCells(h[i].cell, h[j].cell); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}

// Inline heap operations to avoid interface{} boxing allocations

func (h *cellHeap) push(x heapEntry) {
	*h = append(*h, x)
	h.up(len(*h) - 1)
}

func (h *cellHeap) pop() heapEntry {
	old := *h
	n := len(old) - 1
	old[0], old[n] = old[n], old[0]
	h.down(0, n)
	x := old[n]
	*h = old[:n]
	return x
}

func (h cellHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		j = i
	}
}

func (h cellHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2
		}
		if !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		i = j
	}
}

func (h *cellHeap) init() {
	n := len(*h)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// mergeIterator merges ranked sources into one ascending sequence with a
// single cell per key: the freshest by timestamp.
//
// In lenient mode a source that fails is dropped and the merge continues
// without it; Err then wraps ErrDegradedRead. In strict mode the first source
// failure ends the merge and Err returns it.
type mergeIterator struct {
	heap     cellHeap
	sources  []CellIterator
	current  Cell
	lastKey  []byte
	hasLast  bool
	skipDead bool
	strict   bool
	dropped  []error
	fatal    error
	logger   zerolog.Logger
	closed   bool
}

type mergeConfig struct {
	skipTombstones bool
	strict         bool
	logger         zerolog.Logger
}

// newMergeIterator takes ownership of sources; sources[i] has rank i. A nil
// source is treated as already dropped by the caller.
func newMergeIterator(sources []CellIterator, cfg mergeConfig) *mergeIterator {
	m := &mergeIterator{
		heap:     make(cellHeap, 0, len(sources)),
		sources:  sources,
		skipDead: cfg.skipTombstones,
		strict:   cfg.strict,
		logger:   cfg.logger,
	}
	for rank, it := range sources {
		if it == nil {
			continue
		}
		if it.Next() {
			m.heap = append(m.heap, heapEntry{cell: it.Cell(), rank: rank, it: it})
		} else if err := it.Err(); err != nil {
			m.fail(rank, err)
		}
	}
	m.heap.init()
	return m
}

// drop records a source that could not be opened.
func (m *mergeIterator) drop(rank int, err error) {
	m.fail(rank, err)
}

func (m *mergeIterator) fail(rank int, err error) {
	if m.strict {
		if m.fatal == nil {
			m.fatal = fmt.Errorf("merge source %d: %w", rank, err)
		}
		return
	}
	m.logger.Warn().Err(err).Int("source", rank).Msg("dropping merge source")
	m.dropped = append(m.dropped, fmt.Errorf("source %d: %w", rank, err))
}

func (m *mergeIterator) Next() bool {
	for len(m.heap) > 0 && m.fatal == nil {
		he := m.heap.pop()
		m.current = he.cell

		if he.it.Next() {
			m.heap.push(heapEntry{cell: he.it.Cell(), rank: he.rank, it: he.it})
		} else if err := he.it.Err(); err != nil {
			m.fail(he.rank, err)
			if m.fatal != nil {
				return false
			}
		}

		// Skip older versions of the key just emitted (or just skipped).
		if m.hasLast && CompareKeys(m.current.Key, m.lastKey) == 0 {
			continue
		}
		m.lastKey = m.current.Key
		m.hasLast = true

		if m.skipDead && m.current.Value.Tombstone {
			continue
		}
		return true
	}
	return false
}

func (m *mergeIterator) Cell() Cell {
	return m.current
}

// Err returns the strict-mode failure, or ErrDegradedRead joined with the
// cause of every dropped source.
func (m *mergeIterator) Err() error {
	if m.fatal != nil {
		return m.fatal
	}
	if len(m.dropped) > 0 {
		return fmt.Errorf("%w: %w", ErrDegradedRead, errors.Join(m.dropped...))
	}
	return nil
}

// Close closes every source.
func (m *mergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, it := range m.sources {
		if it == nil {
			continue
		}
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Iterator is an ascending, duplicate-free, tombstone-free view over the
// live records of a store. Close must be called when done; it is also
// released automatically once Next returns false.
type Iterator struct {
	m *mergeIterator
}

// Next advances to the next live record.
func (it *Iterator) Next() bool {
	if it.m.Next() {
		return true
	}
	it.m.Close()
	return false
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return it.m.current.Key
}

// Value returns the current payload.
func (it *Iterator) Value() []byte {
	return it.m.current.Value.Payload
}

// Record returns the current key and payload.
func (it *Iterator) Record() Record {
	return Record{Key: it.m.current.Key, Value: it.m.current.Value.Payload}
}

// Err reports sources dropped from this read. A non-nil error wraps
// ErrDegradedRead: the records returned are ordered and unique but may be
// missing data that only the dropped sources held.
func (it *Iterator) Err() error {
	return it.m.Err()
}

// Close releases the underlying table references.
func (it *Iterator) Close() error {
	return it.m.Close()
}
