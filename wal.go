package lsmkv

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WAL fragment types. A record larger than the space left in a block is
// split into first/middle/last fragments.
const (
	walFragmentFull   uint8 = 1
	walFragmentFirst  uint8 = 2
	walFragmentMiddle uint8 = 3
	walFragmentLast   uint8 = 4
)

// WAL operations
const (
	opUpsert uint8 = 1
	opRemove uint8 = 2
)

const (
	walBlockSize  = 32 * 1024
	walHeaderSize = 7 // CRC(4) + Length(2) + Type(1)
	walRecordMin  = 1 + timestampSize + 4
	walFileName   = "wal.log"
)

// walRecord is one logged write.
type walRecord struct {
	op        uint8
	timestamp int64
	key       []byte
	payload   []byte
}

func (r walRecord) cell() Cell {
	if r.op == opRemove {
		return Cell{Key: r.key, Value: tombstoneValue(r.timestamp)}
	}
	return Cell{Key: r.key, Value: liveValue(r.timestamp, r.payload)}
}

func walRecordFromCell(c Cell) walRecord {
	if c.Value.Tombstone {
		return walRecord{op: opRemove, timestamp: c.Value.Timestamp, key: c.Key}
	}
	return walRecord{op: opUpsert, timestamp: c.Value.Timestamp, key: c.Key, payload: c.Value.Payload}
}

// writeAheadLog persists write buffer contents between flushes. The file is a
// sequence of fixed-size blocks; fragments never straddle a block boundary.
type writeAheadLog struct {
	file     *os.File
	path     string
	syncMode WALSyncMode

	block    []byte
	blockPos int // bytes used in the current block
	written  int // bytes of the current block already handed to the OS

	encodeBuf []byte
	mu        sync.Mutex
}

// openWAL opens or creates the log at path, positioned for appending.
func openWAL(path string, syncMode WALSyncMode) (*writeAheadLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &writeAheadLog{
		file:      file,
		path:      path,
		syncMode:  syncMode,
		block:     make([]byte, walBlockSize),
		encodeBuf: make([]byte, 0, 512),
	}, nil
}

// Append logs a record. The bytes reach the OS before Append returns; they
// are fsynced only in WALSyncPerWrite mode.
func (w *writeAheadLog) Append(rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendLocked(rec); err != nil {
		return err
	}
	if err := w.writeOut(); err != nil {
		return err
	}
	if w.syncMode == WALSyncPerWrite {
		return w.file.Sync()
	}
	return nil
}

func (w *writeAheadLog) appendLocked(rec walRecord) error {
	remaining := w.encode(rec)
	first := true

	for first || len(remaining) > 0 {
		avail := walBlockSize - w.blockPos - walHeaderSize
		if avail <= 0 {
			if err := w.finishBlock(); err != nil {
				return err
			}
			avail = walBlockSize - walHeaderSize
		}

		var typ uint8
		fragment := remaining
		if len(fragment) <= avail {
			remaining = nil
			if first {
				typ = walFragmentFull
			} else {
				typ = walFragmentLast
			}
		} else {
			fragment = remaining[:avail]
			remaining = remaining[avail:]
			if first {
				typ = walFragmentFirst
			} else {
				typ = walFragmentMiddle
			}
		}
		first = false

		binary.LittleEndian.PutUint32(w.block[w.blockPos:], crc32.ChecksumIEEE(fragment))
		binary.LittleEndian.PutUint16(w.block[w.blockPos+4:], uint16(len(fragment)))
		w.block[w.blockPos+6] = typ
		copy(w.block[w.blockPos+walHeaderSize:], fragment)
		w.blockPos += walHeaderSize + len(fragment)
	}
	return nil
}

// writeOut hands the unwritten tail of the current block to the OS.
func (w *writeAheadLog) writeOut() error {
	if w.written == w.blockPos {
		return nil
	}
	if _, err := w.file.Write(w.block[w.written:w.blockPos]); err != nil {
		return err
	}
	w.written = w.blockPos
	return nil
}

// finishBlock zero-pads the current block and starts a new one.
func (w *writeAheadLog) finishBlock() error {
	clear(w.block[w.blockPos:])
	w.blockPos = walBlockSize
	if err := w.writeOut(); err != nil {
		return err
	}
	w.blockPos, w.written = 0, 0
	return nil
}

// Sync forces logged data to stable storage.
func (w *writeAheadLog) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeOut(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Replay calls fn for every intact record in log order. Replay stops at the
// first torn or corrupt fragment, which marks the end of the durable log.
func (w *writeAheadLog) Replay(fn func(walRecord) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	var (
		count   int
		pending []byte
		block   = make([]byte, walBlockSize)
	)

replay:
	for {
		n, err := io.ReadFull(w.file, block)
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return count, err
		}

		pos := 0
		for pos+walHeaderSize <= n {
			checksum := binary.LittleEndian.Uint32(block[pos:])
			length := int(binary.LittleEndian.Uint16(block[pos+4:]))
			typ := block[pos+6]

			if length == 0 && typ == 0 {
				break // padding to the end of the block
			}
			if pos+walHeaderSize+length > n {
				break replay
			}
			data := block[pos+walHeaderSize : pos+walHeaderSize+length]
			if crc32.ChecksumIEEE(data) != checksum {
				break replay
			}
			pos += walHeaderSize + length

			var whole []byte
			switch typ {
			case walFragmentFull:
				whole = data
			case walFragmentFirst:
				pending = append(pending[:0], data...)
				continue
			case walFragmentMiddle:
				pending = append(pending, data...)
				continue
			case walFragmentLast:
				whole = append(pending, data...)
				pending = pending[:0]
			default:
				break replay
			}

			rec, err := decodeWALRecord(whole)
			if err != nil {
				break replay
			}
			if err := fn(rec); err != nil {
				return count, err
			}
			count++
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return count, err
	}
	return count, nil
}

// Reset empties the log after its contents reached a table.
func (w *writeAheadLog) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	w.blockPos, w.written = 0, 0
	return err
}

// Rewrite replaces the log contents with cells, used after replay so that
// appends start on a clean block boundary.
func (w *writeAheadLog) Rewrite(cells []Cell) error {
	if err := w.Reset(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range cells {
		if err := w.appendLocked(walRecordFromCell(c)); err != nil {
			return err
		}
		if err := w.writeOut(); err != nil {
			return err
		}
	}
	return w.file.Sync()
}

// Close flushes and closes the log file.
func (w *writeAheadLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeOut(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// encode serializes rec into the reusable buffer:
// op(1) + timestamp(8) + keyLen(4) + key + payload.
func (w *writeAheadLog) encode(rec walRecord) []byte {
	buf := w.encodeBuf[:0]
	buf = append(buf, rec.op)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.timestamp))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.key)))
	buf = append(buf, rec.key...)
	buf = append(buf, rec.payload...)
	w.encodeBuf = buf
	return buf
}

// decodeWALRecord copies key and payload out of data.
func decodeWALRecord(data []byte) (walRecord, error) {
	if len(data) < walRecordMin {
		return walRecord{}, ErrCorruptedData
	}
	rec := walRecord{
		op:        data[0],
		timestamp: int64(binary.LittleEndian.Uint64(data[1:])),
	}
	if rec.op != opUpsert && rec.op != opRemove {
		return walRecord{}, ErrCorruptedData
	}
	keyLen := int(binary.LittleEndian.Uint32(data[9:]))
	if keyLen < 0 || len(data)-walRecordMin < keyLen {
		return walRecord{}, ErrCorruptedData
	}
	rec.key = cloneBytes(data[walRecordMin : walRecordMin+keyLen])
	if rec.op == opUpsert {
		rec.payload = cloneBytes(data[walRecordMin+keyLen:])
	}
	return rec, nil
}
