// Package fileutil holds small filesystem helpers shared across packages.
package fileutil

import (
	"os"
	"path/filepath"
)

// EnsureParentDir creates the directory chain above path if missing.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// ReplaceFileAtomically moves tmpPath over target in one rename. When the
// rename fails (some filesystems refuse to clobber), the target is removed
// first and the rename retried.
func ReplaceFileAtomically(tmpPath, target string) error {
	if err := os.Rename(tmpPath, target); err == nil {
		return nil
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}

	return os.Rename(tmpPath, target)
}
