package lsmkv

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// backupMagic opens every export stream.
const backupMagic = "LSMKVBK1"

// importBatchSize is the number of records applied per batch on import.
const importBatchSize = 1000

// Compression selects the codec of an export stream.
type Compression byte

const (
	CompressionNone   Compression = 0
	CompressionZstd   Compression = 1
	CompressionSnappy Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// ParseCompression maps a codec name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "", "zstd":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// ErrInvalidBackup is returned by Import for a stream without a valid header.
var ErrInvalidBackup = errors.New("invalid backup stream")

// ExportOptions controls Export.
type ExportOptions struct {
	Compression Compression
	// Prefix limits the export to keys with this prefix.
	Prefix []byte
}

type backupRecord struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// Export writes every live record, in key order, to w as a compressed
// msgpack stream. It returns the number of records written.
func (s *Store) Export(w io.Writer, opts ExportOptions) (int64, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(backupMagic); err != nil {
		return 0, err
	}
	if err := bw.WriteByte(byte(opts.Compression)); err != nil {
		return 0, err
	}

	var body io.WriteCloser
	switch opts.Compression {
	case CompressionNone:
		body = nopWriteCloser{bw}
	case CompressionZstd:
		enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return 0, fmt.Errorf("create zstd encoder: %w", err)
		}
		body = enc
	case CompressionSnappy:
		body = snappy.NewBufferedWriter(bw)
	default:
		return 0, fmt.Errorf("unknown compression %d", opts.Compression)
	}

	enc := msgpack.NewEncoder(body)
	var n int64
	var encErr error
	scanErr := s.ScanPrefix(opts.Prefix, func(key, value []byte) bool {
		if encErr = enc.Encode(&backupRecord{Key: key, Value: value}); encErr != nil {
			return false
		}
		n++
		return true
	})
	if encErr != nil {
		body.Close()
		return n, encErr
	}
	if err := body.Close(); err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}
	// A degraded scan still produced a usable stream; report it.
	return n, scanErr
}

// Import reads a stream produced by Export and upserts every record. It
// returns the number of records applied.
func (s *Store) Import(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(backupMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if string(header[:len(backupMagic)]) != backupMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrInvalidBackup)
	}

	var body io.Reader
	switch c := Compression(header[len(backupMagic)]); c {
	case CompressionNone:
		body = br
	case CompressionZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		body = dec
	case CompressionSnappy:
		body = snappy.NewReader(br)
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidBackup, c)
	}

	dec := msgpack.NewDecoder(body)
	batch := NewBatch()
	var n int64
	for {
		var rec backupRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return n, fmt.Errorf("decode record %d: %w", n+int64(batch.Len()), err)
		}
		batch.Put(rec.Key, rec.Value)
		if batch.Len() >= importBatchSize {
			if err := s.WriteBatch(batch); err != nil {
				return n, err
			}
			n += int64(batch.Len())
			batch.Reset()
		}
	}
	if err := s.WriteBatch(batch); err != nil {
		return n, err
	}
	n += int64(batch.Len())
	return n, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
