package lsmkv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Table file naming. A table is written under its temp name and becomes
// visible only when renamed to its final name.
const (
	tableExt = ".sst"
	tempExt  = ".tmp"
)

// countSize is the width of the trailing entry count and of each offset slot.
const countSize = 4

// writeBufferSize is the bufio buffer used by the table writer.
const writeBufferSize = 64 * 1024

func tableFileName(gen uint64) string {
	return fmt.Sprintf("%06d%s", gen, tableExt)
}

func tempFileName(gen uint64) string {
	return fmt.Sprintf("%06d%s", gen, tempExt)
}

// parseTableFileName extracts the generation from a finalized table name.
func parseTableFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, tableExt) {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimSuffix(name, tableExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// SSTableWriter serializes an ascending, duplicate-free cell sequence:
//
//	repeat n times:
//	  int32 keyLength | key | int64 timestamp | int32 valueLength (-1 = tombstone) | value
//	int32[n] offsets
//	int32    n
//
// All integers are big-endian.
type SSTableWriter struct {
	file    *os.File
	w       *bufio.Writer
	path    string
	offsets []int32
	pos     int64
	lastKey []byte
	scratch [8]byte
}

// NewSSTableWriter creates (or truncates) the file at path.
func NewSSTableWriter(path string) (*SSTableWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &SSTableWriter{
		file: file,
		w:    bufio.NewWriterSize(file, writeBufferSize),
		path: path,
	}, nil
}

// Add appends a cell. Keys must be strictly ascending.
func (w *SSTableWriter) Add(c Cell) error {
	if len(w.offsets) > 0 && CompareKeys(c.Key, w.lastKey) <= 0 {
		return errUnsortedInput
	}
	if len(c.Key) > math.MaxInt32 || len(c.Value.Payload) > math.MaxInt32 {
		return errTableTooLarge
	}
	if w.pos+int64(c.encodedSize()) > math.MaxInt32 {
		return errTableTooLarge
	}

	w.offsets = append(w.offsets, int32(w.pos))

	w.writeInt32(int32(len(c.Key)))
	w.w.Write(c.Key)
	w.writeInt64(c.Value.Timestamp)
	if c.Value.Tombstone {
		w.writeInt32(tombstoneLength)
	} else {
		w.writeInt32(int32(len(c.Value.Payload)))
		w.w.Write(c.Value.Payload)
	}

	w.pos += int64(c.encodedSize())
	w.lastKey = c.Key
	return nil
}

func (w *SSTableWriter) writeInt32(v int32) {
	binary.BigEndian.PutUint32(w.scratch[:4], uint32(v))
	w.w.Write(w.scratch[:4])
}

func (w *SSTableWriter) writeInt64(v int64) {
	binary.BigEndian.PutUint64(w.scratch[:8], uint64(v))
	w.w.Write(w.scratch[:8])
}

// Count returns the number of cells added so far.
func (w *SSTableWriter) Count() int {
	return len(w.offsets)
}

// Finish writes the offsets footer and the entry count, syncs and closes
// the file. Write errors from Add surface here.
func (w *SSTableWriter) Finish() error {
	for _, off := range w.offsets {
		w.writeInt32(off)
	}
	w.writeInt32(int32(len(w.offsets)))

	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Abort closes and removes the incomplete file.
func (w *SSTableWriter) Abort() error {
	w.file.Close()
	return os.Remove(w.path)
}

// writeSSTable drains it into a new table file at path. On any failure the
// partial file is removed.
func writeSSTable(path string, it CellIterator) (int, error) {
	w, err := NewSSTableWriter(path)
	if err != nil {
		return 0, err
	}
	for it.Next() {
		if err := w.Add(it.Cell()); err != nil {
			w.Abort()
			return 0, err
		}
	}
	if err := it.Err(); err != nil {
		w.Abort()
		return 0, err
	}
	if err := w.Finish(); err != nil {
		os.Remove(path)
		return 0, err
	}
	return w.Count(), nil
}

// SSTable is an open, immutable on-disk table.
//
// Reads are random access through the file handle; only the offsets array
// and a bloom filter are held in memory. Tables are reference counted: the
// owner holds one reference and every live iterator holds another, so the
// file is closed only after the last user is done with it.
type SSTable struct {
	Generation uint64
	Path       string

	file     *os.File
	fileSize int64
	dataEnd  int64 // start of the offsets array
	offsets  []int64

	minKey       []byte
	maxKey       []byte
	maxTimestamp int64
	tombstones   int

	filter *keyFilter
	cache  *cellCache

	refs atomic.Int32
}

// OpenSSTable opens and validates the table file at path. Every entry is
// decoded once to verify the layout and to build the key filter. A bloomFPRate
// of zero disables the filter; cache may be nil.
func OpenSSTable(gen uint64, path string, bloomFPRate float64, cache *cellCache) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	t := &SSTable{
		Generation: gen,
		Path:       path,
		file:       file,
		fileSize:   stat.Size(),
		cache:      cache,
	}
	if err := t.readFooter(); err != nil {
		file.Close()
		return nil, err
	}
	if err := t.scan(bloomFPRate); err != nil {
		file.Close()
		return nil, err
	}
	t.refs.Store(1)
	return t, nil
}

// readFooter loads the entry count and the offsets array.
func (t *SSTable) readFooter() error {
	if t.fileSize < countSize {
		return fmt.Errorf("%w: file too small (%d bytes)", ErrInvalidSSTable, t.fileSize)
	}

	var buf [countSize]byte
	if _, err := t.file.ReadAt(buf[:], t.fileSize-countSize); err != nil {
		return err
	}
	n := int64(int32(binary.BigEndian.Uint32(buf[:])))
	if n < 0 {
		return fmt.Errorf("%w: negative entry count %d", ErrInvalidSSTable, n)
	}
	footerSize := countSize * (n + 1)
	if footerSize > t.fileSize {
		return fmt.Errorf("%w: entry count %d exceeds file size", ErrInvalidSSTable, n)
	}
	t.dataEnd = t.fileSize - footerSize

	raw := make([]byte, countSize*n)
	if _, err := t.file.ReadAt(raw, t.dataEnd); err != nil {
		return err
	}
	t.offsets = make([]int64, n)
	for i := range t.offsets {
		t.offsets[i] = int64(int32(binary.BigEndian.Uint32(raw[i*countSize:])))
	}
	if n == 0 && t.dataEnd != 0 {
		return fmt.Errorf("%w: data present but entry count is zero", ErrInvalidSSTable)
	}
	return nil
}

// scan decodes every entry sequentially, checking that entries are
// contiguous, match the offsets array and are in strictly ascending order.
func (t *SSTable) scan(bloomFPRate float64) error {
	if bloomFPRate > 0 {
		t.filter = newKeyFilter(len(t.offsets), bloomFPRate)
	}

	dec := newCellDecoder(t.file, 0, t.dataEnd)
	var prev []byte
	for i, off := range t.offsets {
		if dec.pos != off {
			return fmt.Errorf("%w: entry %d at offset %d, footer says %d", ErrInvalidSSTable, i, dec.pos, off)
		}
		c, err := dec.next()
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInvalidSSTable, i, err)
		}
		if i > 0 && CompareKeys(c.Key, prev) <= 0 {
			return fmt.Errorf("%w: keys not strictly ascending at entry %d", ErrInvalidSSTable, i)
		}
		if i == 0 {
			t.minKey = c.Key
		}
		if c.Value.Timestamp > t.maxTimestamp {
			t.maxTimestamp = c.Value.Timestamp
		}
		if c.Value.Tombstone {
			t.tombstones++
		}
		if t.filter != nil {
			t.filter.Add(c.Key)
		}
		prev = c.Key
	}
	if dec.pos != t.dataEnd {
		return fmt.Errorf("%w: %d trailing bytes before footer", ErrInvalidSSTable, t.dataEnd-dec.pos)
	}
	t.maxKey = prev
	return nil
}

// lookupPosition returns the index of key if present, otherwise the index of
// the smallest key greater than it (Count() if there is none).
func (t *SSTable) lookupPosition(key []byte) (int, error) {
	left, right := 0, len(t.offsets)-1
	for left <= right {
		mid := int(uint(left+right) >> 1)
		midKey, err := t.keyAt(mid)
		if err != nil {
			return 0, err
		}
		switch c := CompareKeys(midKey, key); {
		case c < 0:
			left = mid + 1
		case c > 0:
			right = mid - 1
		default:
			return mid, nil
		}
	}
	return left, nil
}

// entryEnd returns the offset just past entry pos.
func (t *SSTable) entryEnd(pos int) int64 {
	if pos+1 < len(t.offsets) {
		return t.offsets[pos+1]
	}
	return t.dataEnd
}

// keyAt reads only the key of entry pos.
func (t *SSTable) keyAt(pos int) ([]byte, error) {
	off := t.offsets[pos]
	var buf [countSize]byte
	if _, err := t.file.ReadAt(buf[:], off); err != nil {
		return nil, err
	}
	keyLen := int64(int32(binary.BigEndian.Uint32(buf[:])))
	if keyLen < 0 || off+countSize+keyLen > t.entryEnd(pos) {
		return nil, ErrCorruptedData
	}
	key := make([]byte, keyLen)
	if _, err := t.file.ReadAt(key, off+countSize); err != nil {
		return nil, err
	}
	return key, nil
}

// readCellAt decodes entry pos with a single positioned read.
func (t *SSTable) readCellAt(pos int) (Cell, error) {
	if pos < 0 || pos >= len(t.offsets) {
		return Cell{}, fmt.Errorf("position %d out of range [0,%d)", pos, len(t.offsets))
	}
	ck := cacheKey{Generation: t.Generation, Position: pos}
	if c, ok := t.cache.Get(ck); ok {
		return c, nil
	}

	off := t.offsets[pos]
	buf := make([]byte, t.entryEnd(pos)-off)
	if _, err := t.file.ReadAt(buf, off); err != nil {
		return Cell{}, err
	}
	c, n, err := parseCell(buf)
	if err != nil {
		return Cell{}, err
	}
	if n != len(buf) {
		return Cell{}, ErrCorruptedData
	}
	t.cache.Put(ck, c)
	return c, nil
}

// parseCell decodes one entry from the front of buf and returns the number
// of bytes consumed. Key and payload alias buf.
func parseCell(buf []byte) (Cell, int, error) {
	if len(buf) < countSize {
		return Cell{}, 0, ErrCorruptedData
	}
	keyLen := int(int32(binary.BigEndian.Uint32(buf)))
	p := countSize
	if keyLen < 0 || len(buf)-p < keyLen+timestampSize+countSize {
		return Cell{}, 0, ErrCorruptedData
	}
	key := buf[p : p+keyLen]
	p += keyLen
	ts := int64(binary.BigEndian.Uint64(buf[p:]))
	p += timestampSize
	valueLen := int(int32(binary.BigEndian.Uint32(buf[p:])))
	p += countSize

	if valueLen == tombstoneLength {
		return Cell{Key: key, Value: tombstoneValue(ts)}, p, nil
	}
	if valueLen < 0 || len(buf)-p < valueLen {
		return Cell{}, 0, ErrCorruptedData
	}
	payload := buf[p : p+valueLen]
	p += valueLen
	return Cell{Key: key, Value: liveValue(ts, payload)}, p, nil
}

// Get looks up a single key. The returned value may be a tombstone.
func (t *SSTable) Get(key []byte) (Value, bool, error) {
	if !t.filter.MayContain(key) {
		return Value{}, false, nil
	}
	if len(t.offsets) == 0 || CompareKeys(key, t.minKey) < 0 || CompareKeys(key, t.maxKey) > 0 {
		return Value{}, false, nil
	}
	pos, err := t.lookupPosition(key)
	if err != nil {
		return Value{}, false, err
	}
	if pos >= len(t.offsets) {
		return Value{}, false, nil
	}
	c, err := t.readCellAt(pos)
	if err != nil {
		return Value{}, false, err
	}
	if CompareKeys(c.Key, key) != 0 {
		return Value{}, false, nil
	}
	return c.Value, true, nil
}

// Iterator returns the cells with key >= from in ascending order. The
// iterator holds a reference to the table until it is exhausted or closed.
func (t *SSTable) Iterator(from []byte) (CellIterator, error) {
	if !t.acquire() {
		return nil, errTableClosed
	}
	pos, err := t.lookupPosition(from)
	if err != nil {
		t.release()
		return nil, err
	}
	it := &sstableIterator{sst: t, pos: pos}
	if pos < len(t.offsets) {
		it.dec = newCellDecoder(t.file, t.offsets[pos], t.dataEnd)
	}
	return it, nil
}

// Upsert is not supported on an on-disk table.
func (t *SSTable) Upsert(key, payload []byte) error {
	return ErrReadOnlyTable
}

// Remove is not supported on an on-disk table.
func (t *SSTable) Remove(key []byte) error {
	return ErrReadOnlyTable
}

// SizeInBytes is not supported on an on-disk table; use FileSize.
func (t *SSTable) SizeInBytes() (int64, error) {
	return 0, ErrReadOnlyTable
}

// Count returns the number of entries, tombstones included.
func (t *SSTable) Count() int {
	return len(t.offsets)
}

// FileSize returns the size of the table file in bytes.
func (t *SSTable) FileSize() int64 { return t.fileSize }

// MinKey returns the smallest key, or nil for an empty table.
func (t *SSTable) MinKey() []byte { return t.minKey }

// MaxKey returns the largest key, or nil for an empty table.
func (t *SSTable) MaxKey() []byte { return t.maxKey }

// MaxTimestamp returns the newest timestamp in the table.
func (t *SSTable) MaxTimestamp() int64 { return t.maxTimestamp }

// Tombstones returns the number of deletion markers in the table.
func (t *SSTable) Tombstones() int { return t.tombstones }

// MemorySize returns the in-memory footprint of the offsets and filter.
func (t *SSTable) MemorySize() int64 {
	return int64(len(t.offsets))*8 + t.filter.MemorySize()
}

// Close drops the owner's reference.
func (t *SSTable) Close() error {
	return t.release()
}

func (t *SSTable) acquire() bool {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (t *SSTable) release() error {
	if t.refs.Add(-1) == 0 {
		t.cache.RemoveGeneration(t.Generation)
		return t.file.Close()
	}
	return nil
}

// cellDecoder streams consecutive entries from a byte range of a file.
type cellDecoder struct {
	r   *bufio.Reader
	pos int64
	end int64
}

func newCellDecoder(r io.ReaderAt, start, end int64) *cellDecoder {
	return &cellDecoder{
		r:   bufio.NewReaderSize(io.NewSectionReader(r, start, end-start), writeBufferSize),
		pos: start,
		end: end,
	}
}

func (d *cellDecoder) next() (Cell, error) {
	var hdr [8]byte
	if err := d.read(hdr[:countSize]); err != nil {
		return Cell{}, err
	}
	keyLen := int64(int32(binary.BigEndian.Uint32(hdr[:countSize])))
	if keyLen < 0 || keyLen > d.end-d.pos {
		return Cell{}, ErrCorruptedData
	}
	key := make([]byte, keyLen)
	if err := d.read(key); err != nil {
		return Cell{}, err
	}
	if err := d.read(hdr[:timestampSize]); err != nil {
		return Cell{}, err
	}
	ts := int64(binary.BigEndian.Uint64(hdr[:timestampSize]))
	if err := d.read(hdr[:countSize]); err != nil {
		return Cell{}, err
	}
	valueLen := int64(int32(binary.BigEndian.Uint32(hdr[:countSize])))
	if valueLen == tombstoneLength {
		return Cell{Key: key, Value: tombstoneValue(ts)}, nil
	}
	if valueLen < 0 || valueLen > d.end-d.pos {
		return Cell{}, ErrCorruptedData
	}
	payload := make([]byte, valueLen)
	if err := d.read(payload); err != nil {
		return Cell{}, err
	}
	return Cell{Key: key, Value: liveValue(ts, payload)}, nil
}

func (d *cellDecoder) read(p []byte) error {
	if int64(len(p)) > d.end-d.pos {
		return io.ErrUnexpectedEOF
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		return err
	}
	d.pos += int64(len(p))
	return nil
}

// sstableIterator yields entries from a start position to the end of the table.
type sstableIterator struct {
	sst      *SSTable
	dec      *cellDecoder
	pos      int
	current  Cell
	err      error
	released bool
}

func (it *sstableIterator) Next() bool {
	if it.released || it.pos >= len(it.sst.offsets) {
		it.Close()
		return false
	}
	c, err := it.dec.next()
	if err != nil {
		it.err = fmt.Errorf("sstable %s entry %d: %w", it.sst.Path, it.pos, err)
		it.Close()
		return false
	}
	it.current = c
	it.pos++
	return true
}

func (it *sstableIterator) Cell() Cell {
	return it.current
}

func (it *sstableIterator) Err() error {
	return it.err
}

// Close releases the table reference. Safe to call more than once.
func (it *sstableIterator) Close() error {
	if it.released {
		return nil
	}
	it.released = true
	return it.sst.release()
}

var (
	errUnsortedInput = errors.New("sstable: cells not in strictly ascending key order")
	errTableTooLarge = errors.New("sstable: data exceeds int32 offset range")
	errTableClosed   = errors.New("sstable: table is closed")
)
