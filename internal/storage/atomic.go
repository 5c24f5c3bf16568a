// Package storage provides the durable file primitives shared by the throttle
// ledger and the per-list record files, plus the bbolt-backed notification
// outbox.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Mode selects how AtomicWrite combines new content with the existing file.
type Mode int

const (
	// Overwrite replaces the target's content.
	Overwrite Mode = iota
	// Append keeps the target's current bytes and adds content after them.
	Append
)

func (m Mode) String() string {
	if m == Append {
		return "append"
	}
	return "overwrite"
}

// defaultPerm applies when the target does not exist yet.
const defaultPerm fs.FileMode = 0o644

// tempPrefix marks in-flight temp files. List names and network addresses
// never start with a dot, so temp files cannot shadow real entries.
const tempPrefix = "."

// Error is returned for every failed durable-storage operation. It keeps the
// OS error for logs; callers must not show it to clients.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or anything it wraps) is a *Error.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// beforeRename runs after the temp file is synced and closed, right before
// the rename. Tests replace it to simulate a crash at that point.
var beforeRename = func(tmpPath string) error { return nil }

// AtomicWrite writes content to path so that readers only ever observe the
// complete previous content or the complete new content.
//
// The data goes to a temp file in the same directory, which is synced and
// then renamed over path. In Append mode the current bytes of path are copied
// into the temp file first; a missing target counts as empty. On failure the
// temp file is removed and path is left untouched.
//
// AtomicWrite does no locking. Concurrent Append calls on one path lose
// updates unless the caller serialises them (see Files).
func AtomicWrite(path string, content []byte, mode Mode) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+base+".tmp-*")
	if err != nil {
		return &Error{Op: "create temp", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = tmp.Close()
		}
		_ = os.Remove(tmpPath)
	}()

	perm := defaultPerm
	if mode == Append {
		p, cerr := copyExisting(tmp, path)
		if cerr != nil {
			return &Error{Op: "copy existing", Path: path, Err: cerr}
		}
		perm = p
	} else if info, serr := os.Stat(path); serr == nil {
		perm = info.Mode().Perm()
	}

	if err = tmp.Chmod(perm); err != nil {
		return &Error{Op: "chmod temp", Path: path, Err: err}
	}
	if _, err = tmp.Write(content); err != nil {
		return &Error{Op: "write temp", Path: path, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		return &Error{Op: "sync temp", Path: path, Err: err}
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return &Error{Op: "close temp", Path: path, Err: err}
	}

	if err = beforeRename(tmpPath); err != nil {
		return &Error{Op: "rename", Path: path, Err: err}
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return &Error{Op: "rename", Path: path, Err: err}
	}

	syncDir(dir)
	return nil
}

// copyExisting copies the current content of path into dst and returns the
// permission bits to carry over.
func copyExisting(dst *os.File, path string) (fs.FileMode, error) {
	src, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultPerm, nil
	}
	if err != nil {
		return 0, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		return 0, err
	}
	return info.Mode().Perm(), nil
}

// syncDir makes the rename itself durable. Some platforms cannot fsync a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// IsTempName reports whether a directory entry is an AtomicWrite temp file.
func IsTempName(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
