package catcher

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/url-catcher/internal/config"
	"github.com/developingchet/url-catcher/internal/metrics"
	"github.com/developingchet/url-catcher/internal/storage"
	"github.com/developingchet/url-catcher/internal/throttle"
)

// redeliverBatch caps how many parked notices one janitor pass retries.
const redeliverBatch = 100

// runJanitor runs periodic background maintenance tasks until ctx is
// cancelled. See Maintain.
func runJanitor(ctx context.Context, c *Catcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Maintain(ctx, time.Now())
		}
	}
}

// Maintain runs one maintenance pass:
//   - Prune expired identity files from the throttle ledger.
//   - Retry parked curator notices.
//   - Refresh the ledger, outbox and database-size gauges.
func (c *Catcher) Maintain(ctx context.Context, now time.Time) {
	res, err := c.ledger.Prune(now, c.cfg.LedgerRetentionGrace)
	if err != nil {
		log.Warn().Err(err).Msg("janitor: ledger prune failed")
	}
	metrics.LedgerPruned.Add(float64(res.Removed))
	if res.Removed > 0 || res.Corrupt > 0 || res.Temps > 0 {
		log.Info().
			Int("scanned", res.Scanned).
			Int("removed", res.Removed).
			Int("corrupt", res.Corrupt).
			Int("temps", res.Temps).
			Msg("janitor: ledger pruned")
	}

	rd, err := c.dispatcher.Redeliver(ctx, redeliverBatch)
	if err != nil {
		log.Warn().Err(err).Msg("janitor: redelivery failed")
	}
	if rd.Sent > 0 || rd.Dropped > 0 {
		log.Info().Int("sent", rd.Sent).Int("failed", rd.Failed).Int("dropped", rd.Dropped).Msg("janitor: outbox redelivered")
	}

	updateGauges(c.ledger, c.outbox)
}

func updateGauges(ledger *throttle.Ledger, outbox storage.Outbox) {
	if n, err := ledger.Count(); err == nil {
		metrics.LedgerEntries.Set(float64(n))
	}
	if outbox == nil {
		return
	}
	if n, err := outbox.Len(); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	if path := outbox.DBPath(); path != "" {
		if info, err := os.Stat(path); err == nil {
			metrics.OutboxDBSizeBytes.Set(float64(info.Size()))
		}
	}
}

// PruneLedger runs a single ledger prune against cfg's ledger directory
// without starting anything else. Used by the prune command.
func PruneLedger(cfg *config.Config, now time.Time) (throttle.PruneResult, error) {
	files, err := storage.OpenFiles(cfg.LedgerDir)
	if err != nil {
		return throttle.PruneResult{}, err
	}
	ledger := throttle.New(files, cfg.SlowdownReset)
	res, err := ledger.Prune(now, cfg.LedgerRetentionGrace)
	if err != nil {
		return res, err
	}
	metrics.LedgerPruned.Add(float64(res.Removed))
	updateGauges(ledger, nil)
	return res, nil
}
