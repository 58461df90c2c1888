package lsmkv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testCell(key string, ts int64, payload string) Cell {
	return Cell{Key: []byte(key), Value: liveValue(ts, []byte(payload))}
}

func testTombstone(key string, ts int64) Cell {
	return Cell{Key: []byte(key), Value: tombstoneValue(ts)}
}

// writeTestTable writes cells as table gen in dir and opens it.
func writeTestTable(t *testing.T, dir string, gen uint64, cells []Cell) *SSTable {
	t.Helper()
	path := filepath.Join(dir, tableFileName(gen))
	if _, err := writeSSTable(path, newSliceIterator(cells)); err != nil {
		t.Fatalf("writeSSTable failed: %v", err)
	}
	sst, err := OpenSSTable(gen, path, 0.01, nil)
	if err != nil {
		t.Fatalf("OpenSSTable failed: %v", err)
	}
	t.Cleanup(func() { sst.Close() })
	return sst
}

func TestSSTableFileLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tableFileName(7))

	cells := []Cell{testCell("a", 1, "x"), testTombstone("b", 2)}
	n, err := writeSSTable(path, newSliceIterator(cells))
	if err != nil {
		t.Fatalf("writeSSTable failed: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d cells, want 2", n)
	}

	var want bytes.Buffer
	be := func(v any) { binary.Write(&want, binary.BigEndian, v) }
	// entry 0 at offset 0
	be(int32(1))
	want.WriteString("a")
	be(int64(1))
	be(int32(1))
	want.WriteString("x")
	// entry 1 at offset 18
	be(int32(1))
	want.WriteString("b")
	be(int64(2))
	be(int32(-1))
	// footer
	be(int32(0))
	be(int32(18))
	be(int32(2))

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("file bytes:\n got  %x\n want %x", got, want.Bytes())
	}
}

func TestSSTableFileNames(t *testing.T) {
	if got := tableFileName(42); got != "000042.sst" {
		t.Errorf("tableFileName(42) = %q", got)
	}
	if got := tempFileName(42); got != "000042.tmp" {
		t.Errorf("tempFileName(42) = %q", got)
	}

	tests := []struct {
		name string
		gen  uint64
		ok   bool
	}{
		{"000001.sst", 1, true},
		{"1234567.sst", 1234567, true},
		{"0.sst", 0, true},
		{"000001.tmp", 0, false},
		{"abc.sst", 0, false},
		{"-1.sst", 0, false},
		{".sst", 0, false},
		{"wal.log", 0, false},
	}
	for _, tt := range tests {
		gen, ok := parseTableFileName(tt.name)
		if ok != tt.ok || gen != tt.gen {
			t.Errorf("parseTableFileName(%q) = %d, %v; want %d, %v", tt.name, gen, ok, tt.gen, tt.ok)
		}
	}
}

func TestSSTableGet(t *testing.T) {
	dir := t.TempDir()

	var cells []Cell
	for i := 0; i < 200; i++ {
		cells = append(cells, testCell(fmt.Sprintf("key%04d", i*2), int64(i+1), fmt.Sprintf("value%d", i)))
	}
	cells = append(cells, testTombstone("zzz", 500))
	sst := writeTestTable(t, dir, 1, cells)

	if sst.Count() != 201 {
		t.Errorf("Count = %d, want 201", sst.Count())
	}
	if sst.Tombstones() != 1 {
		t.Errorf("Tombstones = %d, want 1", sst.Tombstones())
	}
	if sst.MaxTimestamp() != 500 {
		t.Errorf("MaxTimestamp = %d, want 500", sst.MaxTimestamp())
	}
	if string(sst.MinKey()) != "key0000" || string(sst.MaxKey()) != "zzz" {
		t.Errorf("key range = [%s, %s]", sst.MinKey(), sst.MaxKey())
	}

	for i := 0; i < 200; i++ {
		v, ok, err := sst.Get([]byte(fmt.Sprintf("key%04d", i*2)))
		if err != nil || !ok {
			t.Fatalf("Get key%04d: ok=%v err=%v", i*2, ok, err)
		}
		if want := fmt.Sprintf("value%d", i); string(v.Payload) != want {
			t.Errorf("Get key%04d = %q, want %q", i*2, v.Payload, want)
		}
		if v.Timestamp != int64(i+1) {
			t.Errorf("Get key%04d timestamp = %d, want %d", i*2, v.Timestamp, i+1)
		}
	}

	// Odd keys fall between entries.
	for _, k := range []string{"key0001", "key0399", "a", "key9999"} {
		if _, ok, err := sst.Get([]byte(k)); ok || err != nil {
			t.Errorf("Get(%s) = ok %v, err %v; want absent", k, ok, err)
		}
	}

	v, ok, err := sst.Get([]byte("zzz"))
	if err != nil || !ok || !v.IsTombstone() {
		t.Errorf("Get(zzz) = %+v, %v, %v; want tombstone", v, ok, err)
	}
}

func TestSSTableLookupPosition(t *testing.T) {
	sst := writeTestTable(t, t.TempDir(), 1, []Cell{
		testCell("b", 1, ""),
		testCell("d", 1, ""),
		testCell("f", 1, ""),
	})

	tests := []struct {
		key  string
		want int
	}{
		{"", 0},
		{"a", 0},
		{"b", 0},
		{"c", 1},
		{"d", 1},
		{"e", 2},
		{"f", 2},
		{"g", 3},
	}
	for _, tt := range tests {
		got, err := sst.lookupPosition([]byte(tt.key))
		if err != nil {
			t.Fatalf("lookupPosition(%q) failed: %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("lookupPosition(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestSSTableReadCellAt(t *testing.T) {
	sst := writeTestTable(t, t.TempDir(), 1, []Cell{
		testCell("a", 10, "alpha"),
		testTombstone("b", 20),
		testCell("c", 30, ""),
	})

	c, err := sst.readCellAt(1)
	if err != nil {
		t.Fatalf("readCellAt(1) failed: %v", err)
	}
	if string(c.Key) != "b" || !c.Value.Tombstone || c.Value.Timestamp != 20 {
		t.Errorf("readCellAt(1) = %+v", c)
	}

	c, err = sst.readCellAt(2)
	if err != nil {
		t.Fatalf("readCellAt(2) failed: %v", err)
	}
	if c.Value.Tombstone || len(c.Value.Payload) != 0 {
		t.Errorf("empty payload read back as %+v", c.Value)
	}

	if _, err := sst.readCellAt(3); err == nil {
		t.Error("readCellAt out of range should fail")
	}
}

func TestSSTableIterator(t *testing.T) {
	sst := writeTestTable(t, t.TempDir(), 1, []Cell{
		testCell("apple", 1, "1"),
		testCell("banana", 2, "2"),
		testTombstone("cherry", 3),
		testCell("date", 4, "4"),
	})

	tests := []struct {
		from string
		want []string
	}{
		{"", []string{"apple", "banana", "cherry", "date"}},
		{"banana", []string{"banana", "cherry", "date"}},
		{"c", []string{"cherry", "date"}},
		{"e", nil},
	}
	for _, tt := range tests {
		it, err := sst.Iterator([]byte(tt.from))
		if err != nil {
			t.Fatalf("Iterator(%q) failed: %v", tt.from, err)
		}
		var got []string
		for it.Next() {
			got = append(got, string(it.Cell().Key))
		}
		if err := it.Err(); err != nil {
			t.Fatalf("Iterator(%q) error: %v", tt.from, err)
		}
		it.Close()
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Iterator(%q) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestSSTableIteratorOutlivesOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tableFileName(1))
	cells := []Cell{testCell("a", 1, "1"), testCell("b", 2, "2")}
	if _, err := writeSSTable(path, newSliceIterator(cells)); err != nil {
		t.Fatalf("writeSSTable failed: %v", err)
	}
	sst, err := OpenSSTable(1, path, 0, nil)
	if err != nil {
		t.Fatalf("OpenSSTable failed: %v", err)
	}

	it, err := sst.Iterator(nil)
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	if err := sst.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	n := 0
	for it.Next() {
		n++
	}
	if it.Err() != nil || n != 2 {
		t.Errorf("iterator after owner close: n=%d err=%v", n, it.Err())
	}

	if _, err := sst.Iterator(nil); !errors.Is(err, errTableClosed) {
		t.Errorf("Iterator on released table = %v, want errTableClosed", err)
	}
}

func TestSSTableEmpty(t *testing.T) {
	dir := t.TempDir()
	sst := writeTestTable(t, dir, 3, nil)

	if sst.Count() != 0 {
		t.Errorf("Count = %d, want 0", sst.Count())
	}
	if sst.FileSize() != countSize {
		t.Errorf("FileSize = %d, want %d", sst.FileSize(), countSize)
	}
	if _, ok, err := sst.Get([]byte("x")); ok || err != nil {
		t.Errorf("Get on empty table = %v, %v", ok, err)
	}
	it, err := sst.Iterator(nil)
	if err != nil {
		t.Fatalf("Iterator failed: %v", err)
	}
	if it.Next() {
		t.Error("empty table iterator yielded a cell")
	}
}

func TestSSTableReadOnly(t *testing.T) {
	sst := writeTestTable(t, t.TempDir(), 1, []Cell{testCell("a", 1, "1")})

	var tbl Table = sst
	checks := map[string]error{
		"Upsert": tbl.Upsert([]byte("a"), []byte("2")),
		"Remove": tbl.Remove([]byte("a")),
	}
	_, err := tbl.SizeInBytes()
	checks["SizeInBytes"] = err

	for name, err := range checks {
		if !errors.Is(err, ErrReadOnlyTable) {
			t.Errorf("%s = %v, want ErrReadOnlyTable", name, err)
		}
		if KindOf(err) != KindContract {
			t.Errorf("%s kind = %v, want contract", name, KindOf(err))
		}
	}

	v, ok, _ := sst.Get([]byte("a"))
	if !ok || string(v.Payload) != "1" {
		t.Errorf("table changed after rejected mutation: %q", v.Payload)
	}
}

func TestSSTableWriterRejectsUnsorted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tempFileName(1))

	cells := []Cell{testCell("b", 1, ""), testCell("a", 1, "")}
	if _, err := writeSSTable(path, newSliceIterator(cells)); !errors.Is(err, errUnsortedInput) {
		t.Fatalf("writeSSTable = %v, want errUnsortedInput", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("partial file should be removed on failure")
	}

	dups := []Cell{testCell("a", 2, ""), testCell("a", 1, "")}
	if _, err := writeSSTable(path, newSliceIterator(dups)); !errors.Is(err, errUnsortedInput) {
		t.Errorf("duplicate keys = %v, want errUnsortedInput", err)
	}
}

func TestSSTableRejectsCorruptFiles(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, int32(1))
		buf.WriteString("k")
		binary.Write(&buf, binary.BigEndian, int64(1))
		binary.Write(&buf, binary.BigEndian, int32(1))
		buf.WriteString("v")
		binary.Write(&buf, binary.BigEndian, int32(0))
		binary.Write(&buf, binary.BigEndian, int32(1))
		return buf.Bytes()
	}

	tests := []struct {
		name string
		data func() []byte
	}{
		{"empty file", func() []byte { return nil }},
		{"short file", func() []byte { return []byte{0, 1} }},
		{"negative count", func() []byte { return []byte{0xFF, 0xFF, 0xFF, 0xFF} }},
		{"count exceeds file", func() []byte { return []byte{0, 0, 0, 9} }},
		{"data without count", func() []byte { return []byte{1, 2, 3, 4, 0, 0, 0, 0} }},
		{"truncated entry", func() []byte {
			b := valid()
			return append(b[:5], b[len(b)-8:]...)
		}},
		{"bad offset", func() []byte {
			b := valid()
			binary.BigEndian.PutUint32(b[len(b)-8:], 3)
			return b
		}},
		{"value length overruns", func() []byte {
			b := valid()
			binary.BigEndian.PutUint32(b[13:], 100)
			return b
		}},
		{"unsorted keys", func() []byte {
			var buf bytes.Buffer
			for _, k := range []string{"b", "a"} {
				binary.Write(&buf, binary.BigEndian, int32(1))
				buf.WriteString(k)
				binary.Write(&buf, binary.BigEndian, int64(1))
				binary.Write(&buf, binary.BigEndian, int32(-1))
			}
			binary.Write(&buf, binary.BigEndian, int32(0))
			binary.Write(&buf, binary.BigEndian, int32(17))
			binary.Write(&buf, binary.BigEndian, int32(2))
			return buf.Bytes()
		}},
	}

	dir := t.TempDir()
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tableFileName(uint64(i)))
			if err := os.WriteFile(path, tt.data(), 0644); err != nil {
				t.Fatal(err)
			}
			sst, err := OpenSSTable(uint64(i), path, 0.01, nil)
			if err == nil {
				sst.Close()
				t.Fatal("OpenSSTable succeeded on a corrupt file")
			}
			if !errors.Is(err, ErrInvalidSSTable) {
				t.Errorf("OpenSSTable = %v, want ErrInvalidSSTable", err)
			}
		})
	}

	// The helper itself must produce a valid file.
	path := filepath.Join(dir, "valid.sst")
	os.WriteFile(path, valid(), 0644)
	sst, err := OpenSSTable(0, path, 0.01, nil)
	if err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}
	sst.Close()
}

func TestSSTableCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tableFileName(1))
	cells := []Cell{testCell("a", 1, "1"), testCell("b", 2, "2")}
	if _, err := writeSSTable(path, newSliceIterator(cells)); err != nil {
		t.Fatal(err)
	}

	cache := newCellCache(1024)
	sst, err := OpenSSTable(1, path, 0.01, cache)
	if err != nil {
		t.Fatal(err)
	}

	sst.Get([]byte("b"))
	sst.Get([]byte("b"))
	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("cache hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}

	sst.Close()
	if cache.Stats().Entries != 0 {
		t.Error("closing the table should evict its cached cells")
	}
}

func TestSSTableBloomFilter(t *testing.T) {
	var cells []Cell
	for i := 0; i < 1000; i++ {
		cells = append(cells, testCell(fmt.Sprintf("key%05d", i), 1, "v"))
	}
	sst := writeTestTable(t, t.TempDir(), 1, cells)

	for _, c := range cells {
		if !sst.filter.MayContain(c.Key) {
			t.Fatalf("filter rejected present key %s", c.Key)
		}
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if sst.filter.MayContain([]byte(fmt.Sprintf("absent%05d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 50 {
		t.Errorf("%d false positives out of 1000 at 1%% target", falsePositives)
	}
	if sst.MemorySize() <= int64(len(cells))*8 {
		t.Error("MemorySize should include the filter")
	}
}
