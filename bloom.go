package lsmkv

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// keyFilter is an in-memory membership filter over the keys of one table.
// It is rebuilt every time a table is opened and never written to disk.
type keyFilter struct {
	filter *bloom.BloomFilter
}

// newKeyFilter sizes a filter for n keys at the given false positive rate.
func newKeyFilter(n int, fpRate float64) *keyFilter {
	if n < 1 {
		n = 1
	}
	return &keyFilter{filter: bloom.NewWithEstimates(uint(n), fpRate)}
}

func (f *keyFilter) Add(key []byte) {
	f.filter.Add(key)
}

// MayContain returns false only if key is definitely absent.
// A nil filter admits every key.
func (f *keyFilter) MayContain(key []byte) bool {
	if f == nil {
		return true
	}
	return f.filter.Test(key)
}

// MemorySize returns the size of the bit array in bytes.
func (f *keyFilter) MemorySize() int64 {
	if f == nil {
		return 0
	}
	return int64(f.filter.Cap() / 8)
}
