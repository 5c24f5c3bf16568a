package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Files is a directory of small files addressed by name, written only
// through AtomicWrite and serialised per name with a KeyedMutex. The ledger
// uses one for identity state and the gate uses one for list records.
type Files struct {
	dir   string
	locks *KeyedMutex
}

// OpenFiles creates dir if needed and returns a Files rooted there.
func OpenFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Path: dir, Err: err}
	}
	return &Files{dir: dir, locks: NewKeyedMutex()}, nil
}

// Dir returns the root directory.
func (f *Files) Dir() string { return f.dir }

// Path joins name onto the root. Names are validated by the callers; this
// only refuses values that would leave the directory.
func (f *Files) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") {
		return "", &Error{Op: "resolve", Path: name, Err: fs.ErrInvalid}
	}
	return filepath.Join(f.dir, name), nil
}

// Lock takes the per-name lock. The returned function releases it.
func (f *Files) Lock(name string) func() {
	return f.locks.Lock(name)
}

// ReadLocked reads name. A missing file returns (nil, false, nil). The caller
// must hold the name's lock if it intends to write back.
func (f *Files) ReadLocked(name string) ([]byte, bool, error) {
	p, err := f.Path(name)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "read", Path: p, Err: err}
	}
	return data, true, nil
}

// WriteLocked atomically writes name. The caller must hold the name's lock.
func (f *Files) WriteLocked(name string, content []byte, mode Mode) error {
	p, err := f.Path(name)
	if err != nil {
		return err
	}
	return AtomicWrite(p, content, mode)
}

// RemoveLocked deletes name. Missing files are not an error.
func (f *Files) RemoveLocked(name string) error {
	p, err := f.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: "remove", Path: p, Err: err}
	}
	return nil
}

// Append atomically appends content to name under the name's lock.
func (f *Files) Append(name string, content []byte) error {
	unlock := f.Lock(name)
	defer unlock()
	return f.WriteLocked(name, content, Append)
}

// Overwrite atomically replaces name's content under the name's lock.
func (f *Files) Overwrite(name string, content []byte) error {
	unlock := f.Lock(name)
	defer unlock()
	return f.WriteLocked(name, content, Overwrite)
}

// Names lists the regular entries of the directory, skipping temp files.
func (f *Files) Names() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, &Error{Op: "list", Path: f.dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || IsTempName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// RemoveStaleTemps deletes temp files left behind by a crash that are older
// than maxAge and returns how many were removed.
func (f *Files) RemoveStaleTemps(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, &Error{Op: "list", Path: f.dir, Err: err}
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsTempName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Writable checks that a file can be created in the directory.
func (f *Files) Writable() error {
	tmp, err := os.CreateTemp(f.dir, tempPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("storage: %s not writable: %w", f.dir, err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}
