package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	coorderrors "github.com/Iron-Ham/picoord/internal/errors"
)

// ErrNoChange may be returned by an Update callback to skip the write.
// Update then returns nil.
var ErrNoChange = errors.New("statefile: no change")

// Read decodes the JSON document at path into v. It reports false with a nil
// error when the document does not exist yet. A document that cannot be
// parsed yields an error wrapping errors.ErrStateCorrupted.
func Read[T any](path string, v *T) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w: %v", filepath.Base(path), coorderrors.ErrStateCorrupted, err)
	}
	return true, nil
}

// Write atomically replaces the document at path with the JSON encoding of v.
// Data is written to a temporary file in the same directory and renamed into
// place, so concurrent readers see either the old or the new document.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Update performs a locked read-modify-write of the document at path.
// The document is re-read from disk after the lock is taken; a missing
// document is presented to fn as the zero value of T. If fn returns
// ErrNoChange the document is left untouched; any other error aborts the
// update and is returned as is.
func Update[T any](path string, fn func(doc *T) error) error {
	return WithLock(path, func() error {
		var doc T
		if _, err := Read(path, &doc); err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			return err
		}
		return Write(path, &doc)
	})
}

// Remove deletes the document at path while holding its lock. Removing a
// missing document is not an error. The lock file itself is left in place so
// that a concurrent Update keeps locking the same inode.
func Remove(path string) error {
	return WithLock(path, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
		return nil
	})
}
