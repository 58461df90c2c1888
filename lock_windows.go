//go:build windows

package lsmkv

import (
	"os"
)

// lockFile is a no-op on Windows; the open LOCK handle is the only guard.
func lockFile(f *os.File) error {
	return nil
}

// unlockFile is a no-op on Windows.
func unlockFile(f *os.File) {
}

// syncDir is a no-op on Windows, which cannot fsync directories.
func syncDir(dir string) error {
	return nil
}
