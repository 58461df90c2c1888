package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"unicode/utf8"

	"github.com/freeeve/lsmkv"
)

// Common error and help message constants
const (
	msgErrOpenStore   = "Error opening store: %v\n"
	msgErrKeyRequired = "Error: -key or -key-hex is required"
	msgErr            = "Error: %v\n"
	msgWarnDegraded   = "Warning: %v\n"
	flagKeyHex        = "key-hex"
)

// parseCLIKey parses key from either string or hex flag. The empty key is
// only reachable through -key-hex "".
func parseCLIKey(key, keyHex string, hexSet bool) ([]byte, error) {
	if hexSet {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("error decoding hex key: %v", err)
		}
		return keyBytes, nil
	}
	if key != "" {
		return []byte(key), nil
	}
	return nil, errors.New(msgErrKeyRequired)
}

// parseCLIValue parses the payload from -value or -value-hex.
func parseCLIValue(value, valueHex string, valueSet, hexSet bool) ([]byte, error) {
	switch {
	case valueSet && hexSet:
		return nil, fmt.Errorf("error: only one of -value and -value-hex allowed")
	case hexSet:
		b, err := hex.DecodeString(valueHex)
		if err != nil {
			return nil, fmt.Errorf("error decoding hex value: %v", err)
		}
		return b, nil
	case valueSet:
		return []byte(value), nil
	default:
		return nil, fmt.Errorf("error: a value flag is required (-value, -value-hex)")
	}
}

func formatKey(key []byte) string {
	for _, b := range key {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(key)
		}
	}
	if len(key) > 0 {
		return string(key)
	}
	return "0x" + hex.EncodeToString(key)
}

// formatValue renders msgpack maps as JSON, printable text as-is and
// everything else as hex.
func formatValue(payload []byte) string {
	if isMsgpackMap(payload) {
		if m, err := lsmkv.DecodeMsgpack(payload); err == nil {
			if b, err := lsmkv.EncodeJSON(m); err == nil {
				return string(b)
			}
		}
	}
	if utf8.Valid(payload) && isPrintable(payload) {
		return string(payload)
	}
	return "0x" + hex.EncodeToString(payload)
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 32 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

// isMsgpackMap checks if data starts with a msgpack map marker
func isMsgpackMap(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	b := data[0]
	// fixmap (0x80-0x8f), map16 (0xde), map32 (0xdf)
	return (b >= 0x80 && b <= 0x8f) || b == 0xde || b == 0xdf
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// isSet reports whether the named flag was given on the command line.
func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
