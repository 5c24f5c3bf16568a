// Package throttle implements the per-identity exponential backoff ledger.
//
// Each identity owns one small file holding the start of its current penalty
// window and the number of attempts admitted inside it after the opening one.
// The attempt that opens a window is always admitted. After that the next
// admission needs 2^attempts seconds to have passed since the window start, so
// every admitted attempt doubles the wait; rejected attempts leave the file
// alone. A window that has run for the full reset duration starts over.
package throttle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/url-catcher/internal/storage"
)

// DefaultReset is the window length used when none is configured.
const DefaultReset = 24 * time.Hour

// State is the persisted throttle record of one identity.
type State struct {
	WindowStart int64 // Unix seconds
	Attempts    int
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	// RetryAfter is set when Allowed is false. Whole seconds, always >= 1.
	RetryAfter time.Duration
}

// Ledger evaluates and records attempts per identity. It is safe for
// concurrent use; calls for the same identity are serialised.
type Ledger struct {
	files *storage.Files
	reset int64 // seconds
}

// New returns a Ledger storing state under files with the given window
// length. Durations under one second are rounded up to one second.
func New(files *storage.Files, reset time.Duration) *Ledger {
	secs := int64(reset / time.Second)
	if reset%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return &Ledger{files: files, reset: secs}
}

// Reset returns the configured window length.
func (l *Ledger) Reset() time.Duration { return time.Duration(l.reset) * time.Second }

// Evaluate decides whether identity may make an attempt at now. An admitted
// attempt is persisted before Evaluate returns; a denied one changes nothing.
// A missing or expired state opens a new window at now and is admitted.
func (l *Ledger) Evaluate(identity string, now time.Time) (Decision, error) {
	name, err := fileName(identity)
	if err != nil {
		return Decision{}, err
	}

	unlock := l.files.Lock(name)
	defer unlock()

	ts := now.Unix()
	st, found, err := l.load(name)
	if err != nil {
		return Decision{}, err
	}

	if !found || ts >= st.WindowStart+l.reset {
		st = State{WindowStart: ts}
	} else {
		wait := l.backoff(st.Attempts)
		if ts < st.WindowStart+wait {
			limit := min(st.WindowStart+wait, st.WindowStart+l.reset)
			return Decision{RetryAfter: time.Duration(limit-ts) * time.Second}, nil
		}
		st.Attempts++
	}

	if err := l.files.WriteLocked(name, encodeState(st), storage.Overwrite); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true}, nil
}

// Writable reports whether new state can be written.
func (l *Ledger) Writable() error { return l.files.Writable() }

// Lookup returns the stored state for identity without changing it.
// ok is false when nothing is stored.
func (l *Ledger) Lookup(identity string) (st State, ok bool, err error) {
	name, err := fileName(identity)
	if err != nil {
		return State{}, false, err
	}
	unlock := l.files.Lock(name)
	defer unlock()

	data, ok, err := l.files.ReadLocked(name)
	if err != nil || !ok {
		return State{}, false, err
	}
	st, err = decodeState(data)
	if err != nil {
		return State{}, false, &storage.Error{Op: "decode", Path: name, Err: err}
	}
	return st, true, nil
}

// backoff returns 2^attempts seconds, capped at the window length. The cap
// never changes a decision because RetryAfter is clamped to the window end.
func (l *Ledger) backoff(attempts int) int64 {
	if attempts >= 62 {
		return l.reset
	}
	w := int64(1) << attempts
	if w > l.reset {
		return l.reset
	}
	return w
}

// load reads the identity's state. found is false when no file exists.
func (l *Ledger) load(name string) (st State, found bool, err error) {
	data, ok, err := l.files.ReadLocked(name)
	if err != nil || !ok {
		return State{}, false, err
	}
	st, err = decodeState(data)
	if err != nil {
		return State{}, false, &storage.Error{Op: "decode", Path: name, Err: err}
	}
	return st, true, nil
}

// fileName maps an identity to its state file name. IPv6 colons become
// underscores; anything that could address another directory is refused.
func fileName(identity string) (string, error) {
	if identity == "" || identity == "." || identity == ".." ||
		strings.ContainsAny(identity, "/\\\x00") || storage.IsTempName(identity) {
		return "", &storage.Error{Op: "resolve", Path: identity, Err: fmt.Errorf("unusable identity %q", identity)}
	}
	return strings.ReplaceAll(identity, ":", "_"), nil
}

// encodeState renders the two-line on-disk form "window_start\nattempts".
func encodeState(st State) []byte {
	return []byte(strconv.FormatInt(st.WindowStart, 10) + "\n" + strconv.Itoa(st.Attempts))
}

func decodeState(data []byte) (State, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\n")
	if len(lines) < 2 {
		return State{}, fmt.Errorf("want 2 lines, got %d", len(lines))
	}
	start, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return State{}, fmt.Errorf("window start: %w", err)
	}
	attempts, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return State{}, fmt.Errorf("attempts: %w", err)
	}
	if start < 0 || attempts < 0 {
		return State{}, fmt.Errorf("negative value in %q", string(data))
	}
	return State{WindowStart: start, Attempts: attempts}, nil
}
