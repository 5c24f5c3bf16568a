// Package challenge reads the pre-provisioned human-presence answers, one
// file per list.
package challenge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotProvisioned means no answer file exists for the list.
var ErrNotProvisioned = errors.New("challenge: not provisioned")

// Store looks up the expected answer for a list.
type Store interface {
	Answer(ctx context.Context, list string) (string, error)
}

// Dir is a Store backed by a directory holding one file per list. Only the
// first line of each file is used.
type Dir struct {
	root string
}

// NewDir returns a Store reading from root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Answer returns the first line of root/list with one trailing line
// terminator removed. list must already be validated by the caller. A missing
// file or an empty first line is ErrNotProvisioned.
func (d *Dir) Answer(_ context.Context, list string) (string, error) {
	f, err := os.Open(filepath.Join(d.root, list))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotProvisioned, list)
	}
	if err != nil {
		return "", fmt.Errorf("challenge: open %s: %w", list, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("challenge: read %s: %w", list, err)
	}
	answer := TrimLineTerminator(line)
	if answer == "" {
		// An empty answer would accept an empty response.
		return "", fmt.Errorf("%w: %s (empty answer)", ErrNotProvisioned, list)
	}
	return answer, nil
}

// TrimLineTerminator removes a single trailing "\n", "\r\n" or "\r".
func TrimLineTerminator(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	if strings.HasSuffix(s, "\n") || strings.HasSuffix(s, "\r") {
		return s[:len(s)-1]
	}
	return s
}
