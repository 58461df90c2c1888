package lsmkv

// Scan calls fn for every live record with key >= from in ascending key
// order. Return false from fn to stop early. The key and value slices are
// only valid during the callback.
//
// A non-nil error wrapping ErrDegradedRead means the scan completed but
// skipped a table that could not be read.
func (s *Store) Scan(from []byte, fn func(key, value []byte) bool) error {
	it, err := s.Iterator(from)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Err()
}

// ScanPrefix iterates over all live keys with the given prefix in sorted order.
// Return false from the callback to stop iteration early.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return s.ScanRange(prefix, prefixEnd(prefix), fn)
}

// ScanRange iterates over live keys in [start, end). A nil end means no
// upper bound.
func (s *Store) ScanRange(start, end []byte, fn func(key, value []byte) bool) error {
	return s.Scan(start, func(key, value []byte) bool {
		if end != nil && CompareKeys(key, end) >= 0 {
			return false
		}
		return fn(key, value)
	})
}

// Count returns the number of live keys with the given prefix. An empty
// prefix counts every key.
func (s *Store) Count(prefix []byte) (int64, error) {
	var n int64
	err := s.ScanPrefix(prefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Records collects up to limit live records with key >= from. A limit of
// zero or less returns everything. Returned slices are owned by the caller.
func (s *Store) Records(from []byte, limit int) ([]Record, error) {
	var out []Record
	err := s.Scan(from, func(key, value []byte) bool {
		out = append(out, Record{Key: cloneBytes(key), Value: cloneBytes(value)})
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if no such key exists (empty or all-0xFF prefix).
func prefixEnd(prefix []byte) []byte {
	end := cloneBytes(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
