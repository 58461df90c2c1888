package lsmkv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Store is a persistent, ordered key-value store built on an LSM tree: one
// mutable write buffer in front of immutable sorted tables on disk.
//
// Writers are serialized. Readers take a consistent snapshot of the write
// buffer and the table set under a read lock, so a concurrent flush or
// compaction never exposes a half-updated state.
type Store struct {
	opts   Options
	dir    string
	logger zerolog.Logger

	// Guarded by mu.
	memtable *Memtable
	tables   []*SSTable // newest generation first
	nextGen  uint64
	closed   bool

	clock     *clock
	cache     *cellCache
	wal       *writeAheadLog
	compactor *compactor

	mu       sync.RWMutex
	writeMu  sync.Mutex // single writer
	lockFile *os.File

	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// Errors
var (
	ErrStoreClosed = errors.New("store is closed")
	ErrStoreLocked = errors.New("store is locked by another process")
)

// Open opens or creates a store in dir, recovering every finalized table
// found there. Unreadable tables are logged and skipped.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(dir, "LOCK")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, ErrStoreLocked
	}

	opts = opts.withDefaults()
	opts.Dir = dir

	s := &Store{
		opts:     opts,
		dir:      dir,
		logger:   opts.Logger.With().Str("store", dir).Logger(),
		clock:    newClock(),
		cache:    newCellCache(opts.CacheSize),
		lockFile: lf,
	}

	if err := s.loadTables(); err != nil {
		s.closeTables()
		s.releaseLock()
		return nil, err
	}
	s.memtable = s.newMemtable()

	if !opts.DisableWAL {
		if err := s.recoverWAL(); err != nil {
			s.closeTables()
			s.releaseLock()
			return nil, err
		}
	}

	if opts.CompactionTrigger > 0 {
		s.compactor = newCompactor(s)
		s.compactor.Start()
	}
	return s, nil
}

// loadTables opens every <generation>.sst file in the directory. The next
// generation is one past the highest generation seen in any table name, even
// one that failed to open, so a new table never replaces an existing file.
func (s *Store) loadTables() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type tableFile struct {
		gen  uint64
		path string
	}
	byGen := make(map[uint64]tableFile)
	var maxGen uint64
	found := false

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tempExt) {
			s.logger.Debug().Str("file", name).Msg("ignoring unfinished table")
			continue
		}
		if !strings.HasSuffix(name, tableExt) {
			continue
		}
		gen, ok := parseTableFileName(name)
		if !ok {
			s.logger.Warn().Str("file", name).Msg("skipping misnamed table file")
			continue
		}
		if !found || gen > maxGen {
			maxGen = gen
		}
		found = true
		f := tableFile{gen: gen, path: filepath.Join(s.dir, name)}
		if prev, dup := byGen[gen]; dup {
			// 7.sst and 000007.sst parse to the same generation; only the
			// canonical name is loaded.
			skip := f
			if name == tableFileName(gen) {
				skip = prev
				byGen[gen] = f
			}
			s.logger.Warn().Str("file", filepath.Base(skip.path)).Uint64("generation", gen).Msg("skipping table with duplicate generation")
			continue
		}
		byGen[gen] = f
	}

	files := make([]tableFile, 0, len(byGen))
	for _, f := range byGen {
		files = append(files, f)
	}

	if found {
		s.nextGen = maxGen + 1
	}
	if len(files) == 0 {
		return nil
	}

	numWorkers := s.opts.RecoveryWorkers
	if len(files) < numWorkers {
		numWorkers = len(files)
	}

	type result struct {
		file tableFile
		sst  *SSTable
		err  error
	}

	jobs := make(chan tableFile, len(files))
	results := make(chan result, len(files))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				sst, err := OpenSSTable(f.gen, f.path, s.opts.bloomRate(), s.cache)
				results <- result{file: f, sst: sst, err: err}
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			s.logger.Warn().Err(r.err).Str("file", filepath.Base(r.file.path)).Msg("skipping unreadable table")
			continue
		}
		s.tables = append(s.tables, r.sst)
		s.clock.Observe(r.sst.MaxTimestamp())
	}

	sort.Slice(s.tables, func(i, j int) bool {
		return s.tables[i].Generation > s.tables[j].Generation
	})
	s.logger.Info().Int("tables", len(s.tables)).Uint64("next_generation", s.nextGen).Msg("recovered tables")
	return nil
}

// recoverWAL replays logged writes into the write buffer and rewrites the
// log so that new appends start on a clean block.
func (s *Store) recoverWAL() error {
	wal, err := openWAL(filepath.Join(s.dir, walFileName), s.opts.WALSyncMode)
	if err != nil {
		return err
	}

	n, err := wal.Replay(func(rec walRecord) error {
		s.clock.Observe(rec.timestamp)
		c := rec.cell()
		s.memtable.apply(c.Key, c.Value)
		return nil
	})
	if err != nil {
		wal.Close()
		return fmt.Errorf("wal replay: %w", err)
	}

	if n > 0 {
		s.logger.Info().Int("records", n).Int("keys", s.memtable.Count()).Msg("replayed write-ahead log")
		err = wal.Rewrite(s.memtable.snapshot(nil))
	} else {
		err = wal.Reset()
	}
	if err != nil {
		wal.Close()
		return err
	}
	s.wal = wal
	return nil
}

// Upsert inserts or replaces the payload stored under key. If the write
// buffer reaches the flush threshold it is flushed before Upsert returns.
func (s *Store) Upsert(key, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeLocked(key, payload, false); err != nil {
		return err
	}
	if s.memtable.Size() >= s.opts.FlushThreshold {
		return s.flushLocked()
	}
	return nil
}

// Remove deletes key by writing a tombstone. The flush check uses a strict
// greater-than, unlike Upsert.
func (s *Store) Remove(key []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeLocked(key, nil, true); err != nil {
		return err
	}
	if s.memtable.Size() > s.opts.FlushThreshold {
		return s.flushLocked()
	}
	return nil
}

// Get returns the payload stored under key, or ErrKeyNotFound if the key is
// absent or deleted. When the freshest version is decided among the sources
// that could be read but some table failed, the error wraps ErrDegradedRead
// alongside the result.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	best, found := s.memtable.Get(key)
	tables := make([]*SSTable, 0, len(s.tables))
	for _, t := range s.tables {
		if t.acquire() {
			tables = append(tables, t)
		}
	}
	s.mu.RUnlock()
	defer releaseTables(tables)

	var dropped []error
	for _, t := range tables {
		v, ok, err := t.Get(key)
		if err != nil {
			s.logger.Warn().Err(err).Str("table", filepath.Base(t.Path)).Msg("point lookup skipped table")
			dropped = append(dropped, fmt.Errorf("%s: %w", filepath.Base(t.Path), err))
			continue
		}
		// Ties keep the earlier, newer source.
		if ok && (!found || v.Timestamp > best.Timestamp) {
			best, found = v, true
		}
	}

	var degraded error
	if len(dropped) > 0 {
		degraded = fmt.Errorf("%w: %w", ErrDegradedRead, errors.Join(dropped...))
	}
	if !found || best.Tombstone {
		if degraded != nil {
			return nil, fmt.Errorf("%w (%w)", ErrKeyNotFound, degraded)
		}
		return nil, ErrKeyNotFound
	}
	return cloneBytes(best.Payload), degraded
}

// Put is an alias for Upsert.
func (s *Store) Put(key, payload []byte) error {
	return s.Upsert(key, payload)
}

// Delete is an alias for Remove.
func (s *Store) Delete(key []byte) error {
	return s.Remove(key)
}

// writeLocked hands one write to the write buffer, which logs it before
// applying it. Caller holds writeMu.
func (s *Store) writeLocked(key, payload []byte, remove bool) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if remove {
		return s.memtable.Remove(key)
	}
	return s.memtable.Upsert(key, payload)
}

// newMemtable returns a write buffer stamped by the store clock whose writes
// go to the log first.
func (s *Store) newMemtable() *Memtable {
	mt := NewMemtable(s.clock)
	mt.logFn = s.logWrite
	return mt
}

func (s *Store) logWrite(c Cell) error {
	if s.wal == nil {
		return nil
	}
	if err := s.wal.Append(walRecordFromCell(c)); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Flush writes the write buffer to a new table. A no-op when the buffer is empty.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.flushLocked()
}

// flushLocked serializes the write buffer to <gen>.tmp, renames it to
// <gen>.sst, registers it at the current generation and then advances the
// counter. On failure nothing is registered and the buffer is kept, so the
// call can be retried. Caller holds writeMu.
func (s *Store) flushLocked() error {
	mt := s.memtable
	if mt.Count() == 0 {
		return nil
	}
	gen := s.nextGen
	start := time.Now()

	it, _ := mt.Iterator(nil)
	sst, err := s.writeTable(gen, it)
	if err != nil {
		return fmt.Errorf("flush generation %d: %w", gen, err)
	}

	s.mu.Lock()
	s.tables = append([]*SSTable{sst}, s.tables...)
	s.nextGen = gen + 1
	s.memtable = s.newMemtable()
	s.mu.Unlock()
	mt.Clear()

	s.resetWAL()
	s.flushes.Add(1)
	s.logger.Debug().
		Uint64("generation", gen).
		Int("entries", sst.Count()).
		Dur("took", time.Since(start)).
		Msg("flushed write buffer")
	return nil
}

// writeTable drains it into a table file that becomes visible only through
// the final rename, then opens it.
func (s *Store) writeTable(gen uint64, it CellIterator) (*SSTable, error) {
	tmp := filepath.Join(s.dir, tempFileName(gen))
	final := filepath.Join(s.dir, tableFileName(gen))

	if _, err := writeSSTable(tmp, it); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := syncDir(s.dir); err != nil {
		s.logger.Warn().Err(err).Msg("failed to sync store directory")
	}
	return OpenSSTable(gen, final, s.opts.bloomRate(), s.cache)
}

func (s *Store) resetWAL() {
	if s.wal == nil {
		return
	}
	if err := s.wal.Reset(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reset write-ahead log")
	}
}

// Compact merges the write buffer and every table into one new table and
// deletes all other table files. Tombstones are kept unless
// Options.DropTombstonesOnCompact is set. Any read failure aborts the
// compaction without changing the store.
func (s *Store) Compact() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	start := time.Now()
	m, err := s.newMerge(nil, mergeConfig{
		skipTombstones: s.opts.DropTombstonesOnCompact,
		strict:         true,
		logger:         s.logger,
	})
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	gen := s.nextGen
	sst, err := s.writeTable(gen, m)
	m.Close()
	if err != nil {
		return fmt.Errorf("compact into generation %d: %w", gen, err)
	}

	s.mu.Lock()
	old := s.tables
	oldMem := s.memtable
	s.tables = []*SSTable{sst}
	s.nextGen = gen + 1
	s.memtable = s.newMemtable()
	s.mu.Unlock()
	oldMem.Clear()

	for _, t := range old {
		t.Close()
	}
	s.removeObsoleteFiles(gen)
	s.resetWAL()

	s.compactions.Add(1)
	s.logger.Debug().
		Uint64("generation", gen).
		Int("merged_tables", len(old)).
		Int("entries", sst.Count()).
		Dur("took", time.Since(start)).
		Msg("compacted store")
	return nil
}

// removeObsoleteFiles deletes every table and temp file except generation
// keep. Other files in the directory are left alone.
func (s *Store) removeObsoleteFiles(keep uint64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list store directory after compaction")
		return
	}
	keepName := tableFileName(keep)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == keepName {
			continue
		}
		if !strings.HasSuffix(name, tableExt) && !strings.HasSuffix(name, tempExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("failed to delete obsolete table")
		}
	}
}

// snapshot captures the write buffer contents from `from` and pins every
// table under the read lock. The caller must release the returned tables.
func (s *Store) snapshot(from []byte) (CellIterator, []*SSTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, nil, ErrStoreClosed
	}
	memIt, _ := s.memtable.Iterator(from)
	tables := make([]*SSTable, 0, len(s.tables))
	for _, t := range s.tables {
		if t.acquire() {
			tables = append(tables, t)
		}
	}
	return memIt, tables, nil
}

func releaseTables(tables []*SSTable) {
	for _, t := range tables {
		t.release()
	}
}

// newMerge builds a merge over the write buffer (rank 0) and every table,
// newest generation first.
func (s *Store) newMerge(from []byte, cfg mergeConfig) (*mergeIterator, error) {
	memIt, tables, err := s.snapshot(from)
	if err != nil {
		return nil, err
	}
	defer releaseTables(tables)

	type failure struct {
		rank int
		err  error
	}
	var failed []failure

	sources := make([]CellIterator, 0, len(tables)+1)
	sources = append(sources, memIt)
	for i, t := range tables {
		it, err := t.Iterator(from)
		if err != nil {
			if cfg.strict {
				for _, src := range sources {
					if src != nil {
						src.Close()
					}
				}
				return nil, fmt.Errorf("open %s: %w", filepath.Base(t.Path), err)
			}
			failed = append(failed, failure{rank: i + 1, err: fmt.Errorf("open %s: %w", filepath.Base(t.Path), err)})
			sources = append(sources, nil)
			continue
		}
		sources = append(sources, it)
	}

	m := newMergeIterator(sources, cfg)
	for _, f := range failed {
		m.drop(f.rank, f.err)
	}
	return m, nil
}

// Iterator returns the live records with key >= from in ascending key
// order. Key and Value slices must not be modified.
func (s *Store) Iterator(from []byte) (*Iterator, error) {
	m, err := s.newMerge(from, mergeConfig{skipTombstones: true, logger: s.logger})
	if err != nil {
		return nil, err
	}
	return &Iterator{m: m}, nil
}

// Close flushes a non-empty write buffer, closes every table and releases
// the directory lock. Calling Close more than once is safe.
func (s *Store) Close() error {
	if s.compactor != nil {
		s.compactor.Stop()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return nil
	}

	var errs []error
	if err := s.flushLocked(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeTables()
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cache.Clear()
	s.releaseLock()
	return errors.Join(errs...)
}

func (s *Store) closeTables() {
	s.mu.Lock()
	tables := s.tables
	s.tables = nil
	s.mu.Unlock()

	for _, t := range tables {
		t.Close()
	}
}

// releaseLock releases the exclusive lock file.
func (s *Store) releaseLock() {
	if s.lockFile != nil {
		unlockFile(s.lockFile)
		s.lockFile.Close()
		s.lockFile = nil
	}
}

// TableCount returns the number of on-disk tables.
func (s *Store) TableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		MemtableSize:   s.memtable.Size(),
		MemtableCount:  s.memtable.Count(),
		NextGeneration: s.nextGen,
		CacheStats:     s.cache.Stats(),
		Flushes:        s.flushes.Load(),
		Compactions:    s.compactions.Load(),
	}
	for _, t := range s.tables {
		stats.Tables = append(stats.Tables, TableStats{
			Generation: t.Generation,
			Entries:    t.Count(),
			Tombstones: t.Tombstones(),
			Size:       t.FileSize(),
			MinKey:     t.MinKey(),
			MaxKey:     t.MaxKey(),
		})
		stats.IndexMemory += t.MemorySize()
	}
	return stats
}

// StoreStats contains store statistics.
type StoreStats struct {
	MemtableSize   int64
	MemtableCount  int
	NextGeneration uint64
	IndexMemory    int64 // offsets arrays and key filters
	CacheStats     CacheStats
	Tables         []TableStats // newest generation first
	Flushes        uint64
	Compactions    uint64
}

// TableStats describes one on-disk table.
type TableStats struct {
	Generation uint64
	Entries    int
	Tombstones int
	Size       int64
	MinKey     []byte
	MaxKey     []byte
}

// TotalEntries sums entries across tables, tombstones and shadowed versions included.
func (s StoreStats) TotalEntries() int {
	n := 0
	for _, t := range s.Tables {
		n += t.Entries
	}
	return n
}

// TotalSize sums table file sizes.
func (s StoreStats) TotalSize() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Size
	}
	return n
}
