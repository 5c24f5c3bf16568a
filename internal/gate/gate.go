// Package gate implements the submission gate: throttle, validate, verify the
// challenge, notify the curator and record the URL, in that order.
package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/url-catcher/internal/challenge"
	"github.com/developingchet/url-catcher/internal/metrics"
	"github.com/developingchet/url-catcher/internal/throttle"
)

// Ledger decides whether an identity may attempt a submission now.
type Ledger interface {
	Evaluate(identity string, now time.Time) (throttle.Decision, error)
}

// Records appends accepted URLs to per-list record files.
type Records interface {
	Append(list string, content []byte) error
}

// Notifier tells the curator about an accepted URL. An error is logged and
// never fails the submission.
type Notifier interface {
	Notify(ctx context.Context, list, url string) error
}

// Submission is one client request as seen by the gate.
type Submission struct {
	Identity  string
	List      string
	Challenge string
	URL       string
}

// Gate orchestrates a submission. It holds no mutable state of its own.
type Gate struct {
	ledger     Ledger
	challenges challenge.Store
	records    Records
	notifier   Notifier
	now        func() time.Time
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New wires a Gate from its collaborators.
func New(ledger Ledger, challenges challenge.Store, records Records, notifier Notifier, opts ...Option) *Gate {
	g := &Gate{
		ledger:     ledger,
		challenges: challenges,
		records:    records,
		notifier:   notifier,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit runs the gate steps in order and stops at the first failure. It
// returns the accepted URL (unescaped) on success.
//
// The throttle runs first, so every request counts as an attempt even when
// it is later rejected for bad input. Once admitted, the attempt stays
// consumed even if ctx is cancelled before the record is written.
func (g *Gate) Submit(ctx context.Context, s Submission) (string, error) {
	err := g.submit(ctx, s)
	outcome := Outcome(err)
	metrics.Submissions.WithLabelValues(outcome).Inc()

	ev := log.Info()
	if outcome == "misconfigured" || outcome == "storage_error" {
		ev = log.Error().Err(err)
	}
	ev.Str("identity", s.Identity).
		Str("list", s.List).
		Str("outcome", outcome).
		Msg("submission")

	if err != nil {
		return "", err
	}
	return s.URL, nil
}

func (g *Gate) submit(ctx context.Context, s Submission) error {
	d, err := g.ledger.Evaluate(s.Identity, g.now())
	if err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	if !d.Allowed {
		return &ThrottledError{RetryAfter: d.RetryAfter}
	}

	if err := ValidateListName(s.List); err != nil {
		return err
	}

	answer, err := g.challenges.Answer(ctx, s.List)
	if errors.Is(err, challenge.ErrNotProvisioned) {
		return fmt.Errorf("%w: %v", ErrMisconfiguredChallenge, err)
	}
	if err != nil {
		return fmt.Errorf("challenge lookup: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(answer), []byte(s.Challenge)) != 1 {
		return ErrWrongChallenge
	}

	if err := ValidateURL(s.URL); err != nil {
		return err
	}

	if err := g.notifier.Notify(ctx, s.List, s.URL); err != nil {
		log.Warn().Err(err).Str("list", s.List).Msg("curator notification not queued")
	}

	if err := g.records.Append(s.List, []byte(s.URL+"\n")); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}

// Outcome names the result of a submission for metrics and logs.
func Outcome(err error) string {
	var te *ThrottledError
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &te):
		return "throttled"
	case errors.Is(err, ErrBadListName):
		return "bad_list_name"
	case errors.Is(err, ErrWrongChallenge):
		return "wrong_challenge"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrMisconfiguredChallenge):
		return "misconfigured"
	default:
		return "storage_error"
	}
}
