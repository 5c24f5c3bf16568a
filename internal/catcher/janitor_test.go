package catcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/url-catcher/internal/metrics"
)

// startJanitor starts runJanitor in a goroutine and returns a channel that
// receives when the goroutine has exited.
func startJanitor(ctx context.Context, c *Catcher, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		runJanitor(ctx, c, interval)
		close(done)
	}()
	return done
}

func writeState(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestMaintain_PrunesExpiredIdentities(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SlowdownReset = time.Minute
	c, err := NewWithTransport(cfg, &recordingTransport{})
	require.NoError(t, err)
	defer c.Close()

	now := time.Now()
	writeState(t, cfg.LedgerDir, "10.0.0.1", "1000\n3")                              // long expired
	writeState(t, cfg.LedgerDir, "10.0.0.2", strconv.FormatInt(now.Unix(), 10)+"\n0") // live
	writeState(t, cfg.LedgerDir, "10.0.0.3", "not a ledger entry")                     // corrupt, kept

	before := testutil.ToFloat64(metrics.LedgerPruned)
	c.Maintain(context.Background(), now)

	assert.NoFileExists(t, filepath.Join(cfg.LedgerDir, "10.0.0.1"))
	assert.FileExists(t, filepath.Join(cfg.LedgerDir, "10.0.0.2"))
	assert.FileExists(t, filepath.Join(cfg.LedgerDir, "10.0.0.3"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LedgerPruned)-before)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.LedgerEntries))
	assert.Greater(t, testutil.ToFloat64(metrics.OutboxDBSizeBytes), float64(0))
}

func TestJanitor_RunsOnTick(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SlowdownReset = time.Second
	c, err := NewWithTransport(cfg, &recordingTransport{})
	require.NoError(t, err)
	defer c.Close()

	writeState(t, cfg.LedgerDir, "10.0.0.1", "1000\n0")

	ctx, cancel := context.WithCancel(context.Background())
	done := startJanitor(ctx, c, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.LedgerDir, "10.0.0.1"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

// TestJanitor_StopsOnContextCancel verifies that a janitor with a 1-hour
// interval exits within 1 second when its context is cancelled.
func TestJanitor_StopsOnContextCancel(t *testing.T) {
	cfg := baseConfig(t)
	c, err := NewWithTransport(cfg, &recordingTransport{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := startJanitor(ctx, c, time.Hour)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop within 1s of context cancellation")
	}
}

func TestPruneLedger(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SlowdownReset = time.Minute
	require.NoError(t, os.MkdirAll(cfg.LedgerDir, 0o755))
	writeState(t, cfg.LedgerDir, "10.0.0.1", "1000\n3")
	writeState(t, cfg.LedgerDir, "2001_db8__1", "1000\n0")

	res, err := PruneLedger(cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Removed)
}

func TestPruneLedger_RespectsGrace(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SlowdownReset = time.Minute
	cfg.LedgerRetentionGrace = time.Hour
	require.NoError(t, os.MkdirAll(cfg.LedgerDir, 0o755))

	now := time.Now()
	writeState(t, cfg.LedgerDir, "10.0.0.1", strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)+"\n0")

	res, err := PruneLedger(cfg, now)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}
