package lsmkv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestWAL(t *testing.T, path string) *writeAheadLog {
	t.Helper()
	w, err := openWAL(path, WALSyncNone)
	if err != nil {
		t.Fatalf("openWAL failed: %v", err)
	}
	return w
}

func replayAll(t *testing.T, w *writeAheadLog) []walRecord {
	t.Helper()
	var recs []walRecord
	n, err := w.Replay(func(r walRecord) error {
		recs = append(recs, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if n != len(recs) {
		t.Errorf("Replay count = %d, callbacks = %d", n, len(recs))
	}
	return recs
}

func TestWALAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), walFileName)
	w := openTestWAL(t, path)

	in := []walRecord{
		{op: opUpsert, timestamp: 1, key: []byte("a"), payload: []byte("1")},
		{op: opRemove, timestamp: 2, key: []byte("a")},
		{op: opUpsert, timestamp: 3, key: []byte(""), payload: []byte("empty key")},
		{op: opUpsert, timestamp: 4, key: []byte("b"), payload: nil},
	}
	for _, r := range in {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w = openTestWAL(t, path)
	defer w.Close()
	out := replayAll(t, w)

	if len(out) != len(in) {
		t.Fatalf("replayed %d records, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].op != in[i].op || out[i].timestamp != in[i].timestamp ||
			!bytes.Equal(out[i].key, in[i].key) || !bytes.Equal(out[i].payload, in[i].payload) {
			t.Errorf("record %d = %+v, want %+v", i, out[i], in[i])
		}
	}

	if c := out[1].cell(); !c.Value.Tombstone || c.Value.Timestamp != 2 {
		t.Errorf("remove record cell = %+v", c)
	}
	if c := out[3].cell(); c.Value.Tombstone || c.Value.Payload == nil {
		t.Errorf("empty upsert cell = %+v, want live with empty payload", c)
	}
}

func TestWALSpansBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), walFileName)
	w := openTestWAL(t, path)

	big := bytes.Repeat([]byte("x"), 3*walBlockSize+123)
	var in []walRecord
	for i := 0; i < 200; i++ {
		in = append(in, walRecord{op: opUpsert, timestamp: int64(i), key: []byte(fmt.Sprintf("key%03d", i)), payload: bytes.Repeat([]byte{byte(i)}, 997)})
	}
	in = append(in, walRecord{op: opUpsert, timestamp: 1000, key: []byte("big"), payload: big})
	in = append(in, walRecord{op: opRemove, timestamp: 1001, key: []byte("after")})

	for _, r := range in {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() <= walBlockSize {
		t.Fatalf("log size %d does not span blocks", info.Size())
	}

	w = openTestWAL(t, path)
	defer w.Close()
	out := replayAll(t, w)
	if len(out) != len(in) {
		t.Fatalf("replayed %d records, want %d", len(out), len(in))
	}
	if !bytes.Equal(out[200].payload, big) {
		t.Error("fragmented record corrupted")
	}
	if string(out[201].key) != "after" || out[201].op != opRemove {
		t.Errorf("record after fragmented one = %+v", out[201])
	}
}

func TestWALTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), walFileName)
	w := openTestWAL(t, path)
	for i := 0; i < 3; i++ {
		w.Append(walRecord{op: opUpsert, timestamp: int64(i + 1), key: []byte(fmt.Sprintf("k%d", i)), payload: []byte("value")})
	}
	w.Close()

	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	w = openTestWAL(t, path)
	defer w.Close()
	out := replayAll(t, w)
	if len(out) != 2 {
		t.Fatalf("replayed %d records from torn log, want 2", len(out))
	}
}

func TestWALCorruptRecordEndsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), walFileName)
	w := openTestWAL(t, path)
	for i := 0; i < 3; i++ {
		w.Append(walRecord{op: opUpsert, timestamp: int64(i + 1), key: []byte(fmt.Sprintf("k%d", i)), payload: []byte("value")})
	}
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Each record is header + op + ts + keyLen + "kN" + "value".
	recLen := walHeaderSize + walRecordMin + 2 + 5
	data[recLen+walHeaderSize+3] ^= 0xFF
	os.WriteFile(path, data, 0644)

	w = openTestWAL(t, path)
	defer w.Close()
	out := replayAll(t, w)
	if len(out) != 1 || string(out[0].key) != "k0" {
		t.Errorf("replay after corruption = %d records, want only k0", len(out))
	}
}

func TestWALResetAndRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), walFileName)
	w := openTestWAL(t, path)

	w.Append(walRecord{op: opUpsert, timestamp: 1, key: []byte("gone"), payload: []byte("1")})
	if err := w.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if out := replayAll(t, w); len(out) != 0 {
		t.Fatalf("replay after Reset = %d records", len(out))
	}

	cells := []Cell{testCell("a", 5, "1"), testTombstone("b", 6)}
	if err := w.Rewrite(cells); err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	w.Append(walRecord{op: opUpsert, timestamp: 7, key: []byte("c"), payload: []byte("3")})
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	w.Close()

	w = openTestWAL(t, path)
	defer w.Close()
	out := replayAll(t, w)
	var keys []string
	for _, r := range out {
		keys = append(keys, string(r.key))
	}
	if fmt.Sprint(keys) != "[a b c]" {
		t.Errorf("replayed keys = %v, want [a b c]", keys)
	}
	if out[1].op != opRemove {
		t.Error("tombstone rewritten as upsert")
	}
}

func TestWALRejectsGarbage(t *testing.T) {
	if _, err := decodeWALRecord([]byte{1, 2, 3}); err == nil {
		t.Error("short record should fail")
	}
	bad := make([]byte, walRecordMin)
	bad[0] = 9
	if _, err := decodeWALRecord(bad); err == nil {
		t.Error("unknown op should fail")
	}
	huge := make([]byte, walRecordMin)
	huge[0] = opUpsert
	huge[9] = 0xFF
	if _, err := decodeWALRecord(huge); err == nil {
		t.Error("key length past the end should fail")
	}

	path := filepath.Join(t.TempDir(), walFileName)
	os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 100), 0644)
	w := openTestWAL(t, path)
	defer w.Close()
	if out := replayAll(t, w); len(out) != 0 {
		t.Errorf("garbage log replayed %d records", len(out))
	}
}
