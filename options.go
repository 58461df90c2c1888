package lsmkv

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lsmkv/internal/logx"
)

// Options configures the Store behavior.
type Options struct {
	// Dir is the directory holding table files, the WAL and the LOCK file.
	Dir string

	// FlushThreshold is the write buffer size estimate, in bytes, at which
	// a write triggers a synchronous flush.
	// Default: 4MB
	FlushThreshold int64

	// CacheSize is the LRU cell cache size in bytes used by point lookups.
	// Set to 0 to disable the cache.
	// Default: 16MB
	CacheSize int64

	// BloomFPRate is the target false positive rate of the per-table key filter.
	// Default: 0.01 (1%)
	BloomFPRate float64

	// DisableBloomFilter skips building key filters when tables are opened.
	// Default: false
	DisableBloomFilter bool

	// WALSyncMode determines when the WAL is fsynced.
	// Default: WALSyncNone
	WALSyncMode WALSyncMode

	// DisableWAL turns the write-ahead log off. Writes still in the write
	// buffer are then lost on a crash; Close flushes them.
	// Default: false
	DisableWAL bool

	// DropTombstonesOnCompact discards deletion markers during a full
	// compaction. When false, compaction keeps every tombstone.
	// Default: false
	DropTombstonesOnCompact bool

	// CompactionTrigger is the number of tables at which the background
	// loop runs a full compaction. 0 disables background compaction.
	// Default: 0
	CompactionTrigger int

	// CompactionInterval is how often the background loop checks the trigger.
	// Default: 1s
	CompactionInterval time.Duration

	// RecoveryWorkers bounds how many tables are opened in parallel at startup.
	// Default: 8
	RecoveryWorkers int

	// Logger receives recovery, merge and compaction events.
	Logger zerolog.Logger
}

// WALSyncMode determines when WAL is synced to disk.
type WALSyncMode int

const (
	// WALSyncNone writes each record to the OS but never fsyncs. Survives a
	// process crash, not a power loss.
	WALSyncNone WALSyncMode = iota
	// WALSyncPerBatch fsyncs after each committed batch and on Sync.
	WALSyncPerBatch
	// WALSyncPerWrite fsyncs after each write. Slowest but safest.
	WALSyncPerWrite
)

// DefaultOptions returns production-ready defaults for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		FlushThreshold:     4 * 1024 * 1024,  // 4MB
		CacheSize:          16 * 1024 * 1024, // 16MB
		BloomFPRate:        0.01,             // 1% false positive
		WALSyncMode:        WALSyncNone,
		CompactionInterval: time.Second,
		RecoveryWorkers:    8,
		Logger:             logx.New(os.Stderr, "warn", false),
	}
}

// LowMemoryOptions returns options for memory-constrained environments.
func LowMemoryOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.FlushThreshold = 1024 * 1024 // 1MB
	opts.CacheSize = 0
	opts.DisableBloomFilter = true
	return opts
}

// DurableOptions returns options that fsync every write and keep the number
// of tables bounded with background compaction.
func DurableOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.WALSyncMode = WALSyncPerWrite
	opts.CompactionTrigger = 8
	return opts
}

// withDefaults fills zero values that would make the store unusable.
func (o Options) withDefaults() Options {
	if o.FlushThreshold < 0 {
		o.FlushThreshold = 0
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = time.Second
	}
	if o.RecoveryWorkers <= 0 {
		o.RecoveryWorkers = 8
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	return o
}

func (o Options) bloomRate() float64 {
	if o.DisableBloomFilter {
		return 0
	}
	return o.BloomFPRate
}
