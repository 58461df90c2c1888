package lsmkv

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

const (
	maxHeight   = 12
	probability = 0.25
)

// skiplistNode represents a node in the skiplist.
type skiplistNode struct {
	cell    Cell
	forward []*skiplistNode
}

// Memtable is the mutable write buffer: an in-memory sorted map from key to
// its latest value, backed by a skiplist.
//
// The size estimate counts key length, payload length and the timestamp width
// for every entry. It only decides when to flush and is not the exact
// serialized size.
type Memtable struct {
	head   *skiplistNode
	height int
	size   int64 // atomic
	count  int64 // atomic
	clock  *clock

	// logFn, when set, receives every Upsert and Remove before it is
	// applied. A failure leaves the memtable unchanged.
	logFn func(Cell) error

	mu  sync.RWMutex
	rng *rand.Rand
}

// NewMemtable creates a new empty memtable that stamps writes with clk.
func NewMemtable(clk *clock) *Memtable {
	if clk == nil {
		clk = newClock()
	}
	return &Memtable{
		head:   &skiplistNode{forward: make([]*skiplistNode, maxHeight)},
		height: 1,
		clock:  clk,
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// Upsert inserts or overwrites key with payload at the current time.
func (m *Memtable) Upsert(key, payload []byte) error {
	return m.write(Cell{Key: cloneBytes(key), Value: liveValue(m.clock.Next(), cloneBytes(payload))})
}

// Remove records a tombstone for key at the current time.
func (m *Memtable) Remove(key []byte) error {
	return m.write(Cell{Key: cloneBytes(key), Value: tombstoneValue(m.clock.Next())})
}

func (m *Memtable) write(c Cell) error {
	if m.logFn != nil {
		if err := m.logFn(c); err != nil {
			return err
		}
	}
	m.apply(c.Key, c.Value)
	return nil
}

// apply stores v for key, taking ownership of both slices.
func (m *Memtable) apply(key []byte, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var update [maxHeight]*skiplistNode
	x := m.head
	for i := m.height - 1; i >= 0; i-- {
		for x.forward[i] != nil && CompareKeys(x.forward[i].cell.Key, key) < 0 {
			x = x.forward[i]
		}
		update[i] = x
	}
	x = x.forward[0]

	if x != nil && CompareKeys(x.cell.Key, key) == 0 {
		atomic.AddInt64(&m.size, sizeDelta(x.cell.Value, v))
		x.cell = Cell{Key: x.cell.Key, Value: v}
		return
	}

	level := m.randomHeight()
	if level > m.height {
		for i := m.height; i < level; i++ {
			update[i] = m.head
		}
		m.height = level
	}

	node := &skiplistNode{
		cell:    Cell{Key: key, Value: v},
		forward: make([]*skiplistNode, level),
	}
	for i := 0; i < level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	atomic.AddInt64(&m.size, int64(len(key)+payloadSize(v)+timestampSize))
	atomic.AddInt64(&m.count, 1)
}

// sizeDelta is the change in the size estimate when old is replaced by v.
// Tombstones carry no payload, so replacing a tombstone with another one
// leaves the estimate unchanged.
func sizeDelta(old, v Value) int64 {
	return int64(payloadSize(v) - payloadSize(old))
}

func payloadSize(v Value) int {
	if v.Tombstone {
		return 0
	}
	return len(v.Payload)
}

// Get returns the value stored for key, which may be a tombstone.
func (m *Memtable) Get(key []byte) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	x := m.seekLocked(key)
	if x != nil && CompareKeys(x.cell.Key, key) == 0 {
		return x.cell.Value, true
	}
	return Value{}, false
}

// Iterator returns the cells with key >= from as they are at call time.
// Later writes to the memtable are not visible to the returned iterator.
func (m *Memtable) Iterator(from []byte) (CellIterator, error) {
	return newSliceIterator(m.snapshot(from)), nil
}

func (m *Memtable) snapshot(from []byte) []Cell {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cells := make([]Cell, 0, atomic.LoadInt64(&m.count))
	for x := m.seekLocked(from); x != nil; x = x.forward[0] {
		cells = append(cells, x.cell)
	}
	return cells
}

// seekLocked returns the first node with key >= target.
func (m *Memtable) seekLocked(target []byte) *skiplistNode {
	x := m.head
	for i := m.height - 1; i >= 0; i-- {
		for x.forward[i] != nil && CompareKeys(x.forward[i].cell.Key, target) < 0 {
			x = x.forward[i]
		}
	}
	return x.forward[0]
}

// SizeInBytes returns the current size estimate.
func (m *Memtable) SizeInBytes() (int64, error) {
	return m.Size(), nil
}

// Size returns the current size estimate.
func (m *Memtable) Size() int64 {
	return atomic.LoadInt64(&m.size)
}

// Count returns the number of entries, tombstones included.
func (m *Memtable) Count() int {
	return int(atomic.LoadInt64(&m.count))
}

// Clear empties the memtable and resets the size estimate.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.head = &skiplistNode{forward: make([]*skiplistNode, maxHeight)}
	m.height = 1
	atomic.StoreInt64(&m.size, 0)
	atomic.StoreInt64(&m.count, 0)
}

// Close is a no-op; the memtable holds no external resources.
func (m *Memtable) Close() error {
	return nil
}

// randomHeight generates a random height for a new node.
func (m *Memtable) randomHeight() int {
	h := 1
	for h < maxHeight && m.rng.Float64() < probability {
		h++
	}
	return h
}
