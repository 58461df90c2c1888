package lsmkv

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Batch accumulates multiple operations to be applied together. All
// operations of a batch share the writer lock, so no other write can
// interleave with them, and the log is synced once per batch.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	key     []byte
	payload []byte
	delete  bool
}

// NewBatch creates a new batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put adds an upsert to the batch. Key and payload are copied.
func (b *Batch) Put(key, payload []byte) {
	b.ops = append(b.ops, batchOp{key: cloneBytes(key), payload: cloneBytes(payload)})
}

// Delete adds a remove to the batch.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: cloneBytes(key), delete: true})
}

// PutString adds a string upsert.
func (b *Batch) PutString(key []byte, value string) {
	b.Put(key, []byte(value))
}

// PutStruct adds a struct upsert using msgpack serialization.
func (b *Batch) PutStruct(key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, batchOp{key: cloneBytes(key), payload: data})
	return nil
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

// WriteBatch applies every operation in order, each with its own timestamp.
// The flush threshold is checked once, after the last operation, using the
// comparator of that operation's kind.
func (s *Store) WriteBatch(batch *Batch) error {
	if batch == nil || len(batch.ops) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.writeBatchLocked(batch.ops)
}

func (s *Store) writeBatchLocked(ops []batchOp) error {
	for i, op := range ops {
		if err := s.writeLocked(op.key, op.payload, op.delete); err != nil {
			return fmt.Errorf("batch op %d: %w", i, err)
		}
	}

	if s.wal != nil && s.opts.WALSyncMode == WALSyncPerBatch {
		if err := s.wal.Sync(); err != nil {
			return fmt.Errorf("wal sync: %w", err)
		}
	}

	size := s.memtable.Size()
	last := ops[len(ops)-1]
	if (last.delete && size > s.opts.FlushThreshold) || (!last.delete && size >= s.opts.FlushThreshold) {
		return s.flushLocked()
	}
	return nil
}

// Sync forces logged writes to stable storage.
func (s *Store) Sync() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrStoreClosed
	}
	if s.wal == nil {
		return nil
	}
	return s.wal.Sync()
}

// DeleteRange removes every live key in [start, end) and returns how many
// keys were removed.
func (s *Store) DeleteRange(start, end []byte) (int64, error) {
	var keys [][]byte
	err := s.ScanRange(start, end, func(key, _ []byte) bool {
		keys = append(keys, cloneBytes(key))
		return true
	})
	if err != nil {
		return 0, err
	}
	return s.deleteKeys(keys)
}

// DeletePrefix removes every live key with the given prefix and returns how
// many keys were removed.
func (s *Store) DeletePrefix(prefix []byte) (int64, error) {
	var keys [][]byte
	err := s.ScanPrefix(prefix, func(key, _ []byte) bool {
		keys = append(keys, cloneBytes(key))
		return true
	})
	if err != nil {
		return 0, err
	}
	return s.deleteKeys(keys)
}

func (s *Store) deleteKeys(keys [][]byte) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ops := make([]batchOp, len(keys))
	for i, k := range keys {
		ops[i] = batchOp{key: k, delete: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeBatchLocked(ops); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}
