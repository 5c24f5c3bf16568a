package gate

import (
	"errors"
	"fmt"
	"time"
)

// Client-input rejections. The transport shows a preset message for each.
var (
	ErrBadListName    = errors.New("gate: bad list name")
	ErrWrongChallenge = errors.New("gate: wrong challenge")
	ErrInvalidURL     = errors.New("gate: invalid url")
)

// ErrMisconfiguredChallenge means the list has no usable challenge. It is an
// operator problem and reaches the client only as an internal error.
var ErrMisconfiguredChallenge = errors.New("gate: challenge not provisioned")

// ThrottledError is returned when the identity must wait before trying again.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("gate: throttled, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds returns the wait rounded up to whole seconds.
func (e *ThrottledError) RetryAfterSeconds() int64 {
	secs := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}
