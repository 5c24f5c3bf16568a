package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles_PathRejectsEscapes(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a\x00b", "../etc"} {
		_, err := files.Path(name)
		assert.Error(t, err, "name %q", name)
	}

	p, err := files.Path("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(files.Dir(), "10.0.0.1"), p)
}

func TestFiles_ReadMissingIsNotAnError(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	data, ok, err := files.ReadLocked("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestFiles_OverwriteAndRemove(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, files.Overwrite("a", []byte("1")))
	require.NoError(t, files.Overwrite("a", []byte("2")))
	data, ok, err := files.ReadLocked("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", string(data))

	require.NoError(t, files.RemoveLocked("a"))
	require.NoError(t, files.RemoveLocked("a"))
	_, ok, err = files.ReadLocked("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFiles_NamesSkipsTempFiles(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, files.Overwrite("b", []byte("x")))
	require.NoError(t, files.Overwrite("a", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(files.Dir(), ".a.tmp-123"), nil, 0o644))

	names, err := files.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestFiles_RemoveStaleTemps(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)

	stale := filepath.Join(files.Dir(), ".a.tmp-old")
	fresh := filepath.Join(files.Dir(), ".a.tmp-new")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	require.NoError(t, os.WriteFile(fresh, nil, 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	n, err := files.RemoveStaleTemps(time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestFiles_Writable(t *testing.T) {
	files, err := OpenFiles(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, files.Writable())
}

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	var inside, maxInside atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("10.0.0.1")
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside.Load())
	assert.Zero(t, km.Len(), "entries should be released after the last unlock")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("a")
	unlock()
	assert.NotPanics(t, unlock)
	assert.Zero(t, km.Len())
}
