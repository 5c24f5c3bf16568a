package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/url-catcher/internal/metrics"
	"github.com/developingchet/url-catcher/internal/storage"
)

// recordingTransport records delivered notices and fails while failing is set.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []Notice
	failing bool
	block   chan struct{}
}

func (r *recordingTransport) Name() string { return "recording" }
func (r *recordingTransport) Send(ctx context.Context, n Notice) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("relay down")
	}
	r.sent = append(r.sent, n)
	return nil
}
func (r *recordingTransport) Close() error { return nil }
func (r *recordingTransport) setFailing(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}
func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestDispatcher_DeliversQueuedNotices(t *testing.T) {
	tr := &recordingTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(ctx, tr, storage.NewMemOutbox(), DispatcherConfig{Workers: 4, Queue: 100})
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Notify(ctx, "notes", fmt.Sprintf("https://example.com/%d", i)))
	}
	d.Stop()

	assert.Equal(t, 50, tr.count())
	assert.Zero(t, d.Active())
}

func TestDispatcher_FailedDeliveryIsParked(t *testing.T) {
	tr := &recordingTransport{failing: true}
	outbox := storage.NewMemOutbox()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(ctx, tr, outbox, DispatcherConfig{Workers: 1, Queue: 4})
	require.NoError(t, d.Notify(ctx, "notes", "https://example.com"))
	d.Stop()

	pending, err := outbox.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "notes", pending[0].List)
	assert.Equal(t, "https://example.com", pending[0].URL)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "relay down", pending[0].LastError)
}

func TestDispatcher_FullQueueParksWithoutBlocking(t *testing.T) {
	tr := &recordingTransport{block: make(chan struct{})}
	outbox := storage.NewMemOutbox()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(ctx, tr, outbox, DispatcherConfig{Workers: 1, Queue: 1})

	before := testutil.ToFloat64(metrics.Notifications.WithLabelValues("queued"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = d.Notify(ctx, "notes", fmt.Sprintf("https://example.com/%d", i))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	// At most one in flight and one in the channel; the rest are parked.
	n, err := outbox.Len()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 8)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Notifications.WithLabelValues("queued"))-before, float64(8))

	close(tr.block)
	d.Stop()
}

func TestDispatcher_NotifyAfterStop(t *testing.T) {
	d := NewDispatcher(context.Background(), &recordingTransport{}, nil, DispatcherConfig{})
	d.Stop()
	d.Stop()
	assert.ErrorIs(t, d.Notify(context.Background(), "notes", "https://example.com"), ErrStopped)
}

func TestDispatcher_NoOutboxReportsDrop(t *testing.T) {
	tr := &recordingTransport{block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(ctx, tr, nil, DispatcherConfig{Workers: 1, Queue: 0})

	var lastErr error
	for i := 0; i < 5; i++ {
		if err := d.Notify(ctx, "notes", "https://example.com"); err != nil {
			lastErr = err
		}
	}
	assert.Error(t, lastErr)
	close(tr.block)
	d.Stop()
}

func TestRedeliver_SendsAndDeletes(t *testing.T) {
	tr := &recordingTransport{}
	outbox := storage.NewMemOutbox()
	_, err := outbox.Put(storage.OutboxEntry{List: "notes", URL: "https://example.com/1", Attempts: 1})
	require.NoError(t, err)
	_, err = outbox.Put(storage.OutboxEntry{List: "notes", URL: "https://example.com/2", Attempts: 1})
	require.NoError(t, err)

	d := NewDispatcher(context.Background(), tr, outbox, DispatcherConfig{})
	defer d.Stop()

	res, err := d.Redeliver(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, RedeliverResult{Sent: 2}, res)
	assert.Equal(t, 2, tr.count())

	n, err := outbox.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedeliver_FailureIncrementsThenDrops(t *testing.T) {
	tr := &recordingTransport{failing: true}
	outbox := storage.NewMemOutbox()
	id, err := outbox.Put(storage.OutboxEntry{List: "notes", URL: "https://example.com", Attempts: 1})
	require.NoError(t, err)

	d := NewDispatcher(context.Background(), tr, outbox, DispatcherConfig{MaxAttempts: 3})
	defer d.Stop()

	res, err := d.Redeliver(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, RedeliverResult{Failed: 1}, res)

	pending, err := outbox.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, 2, pending[0].Attempts)

	res, err = d.Redeliver(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, RedeliverResult{Dropped: 1}, res)

	n, err := outbox.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedeliver_DropsUndecodableEntries(t *testing.T) {
	outbox := storage.NewMemOutbox()
	_, err := outbox.Put(storage.OutboxEntry{LastError: "undecodable entry"})
	require.NoError(t, err)

	d := NewDispatcher(context.Background(), &recordingTransport{}, outbox, DispatcherConfig{})
	defer d.Stop()

	res, err := d.Redeliver(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
}

func TestRedeliver_RecoversAfterOutage(t *testing.T) {
	tr := &recordingTransport{failing: true}
	outbox := storage.NewMemOutbox()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(ctx, tr, outbox, DispatcherConfig{Workers: 1, Queue: 1})
	require.NoError(t, d.Notify(ctx, "notes", "https://example.com"))
	require.Eventually(t, func() bool {
		n, _ := outbox.Len()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	tr.setFailing(false)
	res, err := d.Redeliver(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, tr.count())
	d.Stop()
}
