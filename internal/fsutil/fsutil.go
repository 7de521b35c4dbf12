// Package fsutil holds the durable file primitives shared by the board
// store and the mailbox.
package fsutil

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrExist is returned by PublishFile when the destination already exists.
var ErrExist = os.ErrExist

// WriteFileAtomic replaces path with data via temp file, fsync, rename and
// a directory fsync. Readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return SyncDir(dir)
}

// PublishFile durably writes data to path only if path does not exist yet.
// The content is fully written and synced before the name appears, and an
// existing file is never replaced (ErrExist).
func PublishFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".pub.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := MoveNoReplace(tmpName, path); err != nil {
		return err
	}
	return SyncDir(dir)
}

// MoveNoReplace renames src to dst unless dst exists, in which case it
// fails with ErrExist and leaves both files alone. It uses a hard link
// followed by removal of src, so both paths must be on one filesystem.
func MoveNoReplace(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExist
		}
		return err
	}
	return os.Remove(src)
}

// SyncDir fsyncs a directory so renames within it are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
