package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBeforeRename swaps the crash hook for the duration of one test.
func setBeforeRename(t *testing.T, fn func(string) error) {
	t.Helper()
	orig := beforeRename
	beforeRename = fn
	t.Cleanup(func() { beforeRename = orig })
}

func tempEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if IsTempName(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestAtomicWrite_OverwriteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes")

	require.NoError(t, AtomicWrite(path, []byte("one\n"), Overwrite))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(got))

	require.NoError(t, AtomicWrite(path, []byte("two\n"), Overwrite))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(got))
}

func TestAtomicWrite_AppendMissingTargetStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes")

	require.NoError(t, AtomicWrite(path, []byte("https://example.com/a\n"), Append))
	require.NoError(t, AtomicWrite(path, []byte("https://example.com/b\n"), Append))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a\nhttps://example.com/b\n", string(got))
}

func TestAtomicWrite_AppendPreservesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	require.NoError(t, AtomicWrite(path, []byte("new\n"), Append))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes")
	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(path, []byte("x\n"), Append))
	}
	assert.Empty(t, tempEntries(t, dir))
}

// TestAtomicWrite_CrashBeforeRename simulates the process dying after the temp
// file was synced but before it replaced the target.
func TestAtomicWrite_CrashBeforeRename(t *testing.T) {
	for _, mode := range []Mode{Overwrite, Append} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "notes")
			require.NoError(t, os.WriteFile(path, []byte("original\n"), 0o644))

			var sawTemp string
			setBeforeRename(t, func(tmp string) error {
				sawTemp = tmp
				data, err := os.ReadFile(tmp)
				require.NoError(t, err)
				assert.Contains(t, string(data), "replacement")
				return errors.New("simulated crash")
			})

			err := AtomicWrite(path, []byte("replacement\n"), mode)
			require.Error(t, err)
			assert.True(t, IsStorageError(err))

			got, rerr := os.ReadFile(path)
			require.NoError(t, rerr)
			assert.Equal(t, "original\n", string(got))
			assert.NotEmpty(t, sawTemp)
			assert.Empty(t, tempEntries(t, dir), "temp file should be cleaned up")
		})
	}
}

// TestAtomicWrite_CrashAfterRename checks that once the rename happened the
// new content is complete even if nothing else runs.
func TestAtomicWrite_CrashAfterRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))

	require.NoError(t, AtomicWrite(path, []byte("b\n"), Append))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(got))
}

func TestAtomicWrite_MissingDirectoryFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "notes")
	err := AtomicWrite(path, []byte("x"), Overwrite)
	require.Error(t, err)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "create temp", se.Op)
}

// TestAtomicWrite_ConcurrentReaderSeesWholeVersions has one writer cycling
// through fixed-size versions while readers check every read is one of them.
func TestAtomicWrite_ConcurrentReaderSeesWholeVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	versions := make([][]byte, 10)
	for i := range versions {
		versions[i] = bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
	}
	require.NoError(t, AtomicWrite(path, versions[0], Overwrite))

	done := make(chan struct{})
	var bad atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				data, err := os.ReadFile(path)
				if err != nil {
					bad.Add(1)
					continue
				}
				ok := false
				for _, v := range versions {
					if bytes.Equal(data, v) {
						ok = true
						break
					}
				}
				if !ok {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		require.NoError(t, AtomicWrite(path, versions[i%len(versions)], Overwrite))
	}
	close(done)
	wg.Wait()

	assert.Zero(t, bad.Load(), "reader observed a partial or missing file")
}

func TestFiles_ConcurrentAppendKeepsEveryLine(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := files.Append("notes", []byte(fmt.Sprintf("https://example.com/%d\n", i))); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	data, _, err := files.ReadLocked("notes")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	assert.Len(t, lines, writers)
	assert.Zero(t, files.locks.Len())
}
