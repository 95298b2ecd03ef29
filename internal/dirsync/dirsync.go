// Package dirsync fsyncs directories after create/rename operations so
// that atomic-rename completion (download engine) and atomic history
// writes survive a crash.
package dirsync

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}
	return nil
}

// Dir calls fsync(2) on the directory to persist changes to its entries.
//
// Call this after os.Create, os.Rename, os.Link, or os.Remove on a path
// inside d; without it a rename can be durable on the file but lost as
// a directory entry after a crash.
func Dir(d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "dirsync.Dir")
	}

	f, err := os.OpenFile(d, os.O_RDONLY, 0755) // #nosec G304,G302 - path validated above
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncWalk(path string, info os.FileInfo, err error) error {
	if err != nil {
		return err
	}
	if !info.Mode().IsDir() {
		return nil
	}
	return Dir(path)
}

// Tree calls Dir recursively on every directory in the tree rooted at d.
func Tree(d string) error {
	return filepath.Walk(d, syncWalk)
}
