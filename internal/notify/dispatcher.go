package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/url-catcher/internal/metrics"
	"github.com/developingchet/url-catcher/internal/storage"
)

// ErrStopped is returned by Notify after Stop.
var ErrStopped = errors.New("notify: dispatcher stopped")

// DefaultMaxAttempts bounds redelivery of a parked notice.
const DefaultMaxAttempts = 10

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers     int
	Queue       int
	MaxAttempts int
}

// Dispatcher hands notices to a fixed worker pool. Notify never blocks on
// delivery: when the queue is full, or delivery fails, the notice is parked
// in the outbox and picked up later by Redeliver.
type Dispatcher struct {
	transport   Transport
	outbox      storage.Outbox
	maxAttempts int

	jobCh  chan Notice
	wg     sync.WaitGroup
	active atomic.Int64

	mu      sync.RWMutex
	stopped bool
	now     func() time.Time
}

// NewDispatcher starts cfg.Workers goroutines reading from a queue of
// cfg.Queue notices. Workers deliver with ctx; cancel it and call Stop to
// shut down.
func NewDispatcher(ctx context.Context, t Transport, outbox storage.Outbox, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Queue < 0 {
		cfg.Queue = 0
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	d := &Dispatcher{
		transport:   t,
		outbox:      outbox,
		maxAttempts: cfg.MaxAttempts,
		jobCh:       make(chan Notice, cfg.Queue),
		now:         time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
	return d
}

// Notify enqueues a notice for list and url. It returns an error only when
// the notice could be neither queued nor parked.
func (d *Dispatcher) Notify(_ context.Context, list, url string) error {
	n := Notice{List: list, URL: url, QueuedAt: d.now()}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.jobCh <- n:
		return nil
	default:
	}

	if err := d.park(n, 0, "queue full"); err != nil {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return fmt.Errorf("notify: queue full and outbox unavailable: %w", err)
	}
	return nil
}

// Stop closes the queue and waits for workers to drain it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobCh)
	d.mu.Unlock()
	d.wg.Wait()
}

// Active returns the number of deliveries currently in flight.
func (d *Dispatcher) Active() int64 { return d.active.Load() }

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for n := range d.jobCh {
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notice) {
	d.active.Add(1)
	defer d.active.Add(-1)

	err := d.transport.Send(ctx, n)
	if err == nil {
		metrics.Notifications.WithLabelValues("sent").Inc()
		log.Debug().Str("transport", d.transport.Name()).Str("list", n.List).Msg("curator notified")
		return
	}
	metrics.Notifications.WithLabelValues("failed").Inc()
	log.Warn().Err(err).Str("transport", d.transport.Name()).Str("list", n.List).Msg("notification failed")

	if perr := d.park(n, 1, err.Error()); perr != nil {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		log.Error().Err(perr).Str("list", n.List).Str("url", n.URL).Msg("notification lost")
	}
}

func (d *Dispatcher) park(n Notice, attempts int, reason string) error {
	if d.outbox == nil {
		return errors.New("no outbox configured")
	}
	_, err := d.outbox.Put(storage.OutboxEntry{
		List:      n.List,
		URL:       n.URL,
		Attempts:  attempts,
		QueuedAt:  n.QueuedAt,
		LastError: reason,
	})
	if err != nil {
		return err
	}
	metrics.Notifications.WithLabelValues("queued").Inc()
	return nil
}

// RedeliverResult summarises one Redeliver pass.
type RedeliverResult struct {
	Sent    int
	Failed  int
	Dropped int
}

// Redeliver retries up to limit parked notices synchronously. Entries that
// reach the attempt limit, or cannot be decoded, are dropped.
func (d *Dispatcher) Redeliver(ctx context.Context, limit int) (RedeliverResult, error) {
	var res RedeliverResult
	if d.outbox == nil {
		return res, nil
	}
	entries, err := d.outbox.Pending(limit)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if e.List == "" || e.URL == "" {
			d.drop(e, &res)
			continue
		}

		err := d.transport.Send(ctx, Notice{List: e.List, URL: e.URL, QueuedAt: e.QueuedAt})
		if err == nil {
			if derr := d.outbox.Delete(e.ID); derr != nil {
				return res, derr
			}
			metrics.Notifications.WithLabelValues("sent").Inc()
			res.Sent++
			continue
		}
		metrics.Notifications.WithLabelValues("failed").Inc()

		e.Attempts++
		e.LastError = err.Error()
		if e.Attempts >= d.maxAttempts {
			d.drop(e, &res)
			continue
		}
		if _, perr := d.outbox.Put(e); perr != nil {
			return res, perr
		}
		res.Failed++
	}
	return res, nil
}

func (d *Dispatcher) drop(e storage.OutboxEntry, res *RedeliverResult) {
	if err := d.outbox.Delete(e.ID); err != nil {
		log.Warn().Err(err).Str("id", e.ID).Msg("outbox delete failed")
		return
	}
	metrics.Notifications.WithLabelValues("dropped").Inc()
	log.Error().
		Str("id", e.ID).
		Str("list", e.List).
		Str("url", e.URL).
		Int("attempts", e.Attempts).
		Str("last_error", e.LastError).
		Msg("giving up on notification")
	res.Dropped++
}
