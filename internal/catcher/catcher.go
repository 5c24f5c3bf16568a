// Package catcher wires the submission gate, its storage, the curator
// notifier and the operational endpoints into one runtime.
package catcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/url-catcher/internal/challenge"
	"github.com/developingchet/url-catcher/internal/config"
	"github.com/developingchet/url-catcher/internal/gate"
	"github.com/developingchet/url-catcher/internal/notify"
	"github.com/developingchet/url-catcher/internal/server"
	"github.com/developingchet/url-catcher/internal/storage"
	"github.com/developingchet/url-catcher/internal/throttle"
)

// drainTimeout bounds how long Close waits for queued notices before
// cancelling in-flight deliveries. Cancelled notices land in the outbox.
const drainTimeout = 10 * time.Second

// Catcher owns every long-lived component.
type Catcher struct {
	cfg        *config.Config
	ledger     *throttle.Ledger
	records    *storage.Files
	outbox     storage.Outbox
	transport  notify.Transport
	dispatcher *notify.Dispatcher
	web        *server.Server
	opsSrv     *http.Server // nil when MetricsAddr == ""

	stopWorkers context.CancelFunc
	closeOnce   sync.Once
}

// New creates a Catcher and initialises all dependencies.
func New(cfg *config.Config) (*Catcher, error) {
	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg, transport)
}

// NewWithTransport is New with a caller-supplied notifier transport.
func NewWithTransport(cfg *config.Config, transport notify.Transport) (*Catcher, error) {
	ledgerFiles, err := storage.OpenFiles(cfg.LedgerDir)
	if err != nil {
		return nil, err
	}
	records, err := storage.OpenFiles(cfg.RecordsDir)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.OutboxPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catcher: outbox dir: %w", err)
		}
	}
	outbox, err := storage.OpenOutbox(cfg.OutboxPath)
	if err != nil {
		return nil, err
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	dispatcher := notify.NewDispatcher(workerCtx, transport, outbox, notify.DispatcherConfig{
		Workers:     cfg.NotifyWorkers,
		Queue:       cfg.NotifyQueue,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})

	ledger := throttle.New(ledgerFiles, cfg.SlowdownReset)
	g := gate.New(ledger, challenge.NewDir(cfg.ChallengesDir), records, dispatcher)

	c := &Catcher{
		cfg:         cfg,
		ledger:      ledger,
		records:     records,
		outbox:      outbox,
		transport:   transport,
		dispatcher:  dispatcher,
		stopWorkers: stopWorkers,
		web: server.New(server.Config{
			Addr:              cfg.ListenAddr,
			PostPath:          cfg.PostPath,
			TrustProxyHeaders: cfg.TrustProxyHeaders,
			FloodRPS:          cfg.FloodRPS,
			FloodBurst:        cfg.FloodBurst,
			Messages:          serverMessages(cfg),
		}, g),
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := c.Healthy(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		c.opsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
	}

	return c, nil
}

// buildTransport creates the notifier transport selected by cfg.Notifier.
func buildTransport(cfg *config.Config) (notify.Transport, error) {
	tmpl := mailTemplate(cfg)
	switch cfg.Notifier {
	case "smtp":
		return notify.NewSMTPTransport(notify.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			From:     cfg.MailFrom,
			To:       cfg.Recipients(),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
			Template: tmpl,
		})
	case "webhook":
		return notify.NewWebhookTransport(notify.WebhookConfig{URL: cfg.WebhookURL, Token: cfg.WebhookToken})
	case "log":
		return notify.LogTransport{}, nil
	default:
		return nil, fmt.Errorf("catcher: unknown notifier %q", cfg.Notifier)
	}
}

func serverMessages(cfg *config.Config) server.Messages {
	return server.Messages{
		InternalError: cfg.MsgInternalError,
		BadPageName:   cfg.MsgBadPageName,
		WrongCaptcha:  cfg.MsgWrongCaptcha,
		InvalidURL:    cfg.MsgInvalidURL,
		RecordedURL:   cfg.MsgRecordedURL,
		PleaseWait:    cfg.MsgPleaseWait,
	}
}

func mailTemplate(cfg *config.Config) notify.Template {
	t := notify.Template{
		Subject:  cfg.MsgMailSubject,
		BodyPage: cfg.MsgMailBodyPage,
		BodyURL:  cfg.MsgMailBodyURL,
	}
	if t.Subject == "" {
		t.Subject = notify.DefaultTemplate.Subject
	}
	return t
}

// Handler exposes the submission router, for tests.
func (c *Catcher) Handler() http.Handler { return c.web.Handler() }

// Run serves submissions until ctx is cancelled or a listener fails.
func (c *Catcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.opsSrv != nil {
		go func() {
			log.Info().Str("addr", c.cfg.MetricsAddr).Msg("metrics server listening")
			if err := c.opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	go runJanitor(ctx, c, c.cfg.JanitorInterval)

	log.Info().
		Str("listen", c.cfg.ListenAddr).
		Str("reset", c.cfg.SlowdownReset.String()).
		Str("notifier", c.transport.Name()).
		Str("ledger_dir", c.cfg.LedgerDir).
		Str("records_dir", c.cfg.RecordsDir).
		Str("log_level", c.cfg.LogLevel).
		Msg("url-catcher started")

	errCh := make(chan error, 1)
	go func() { errCh <- c.web.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.web.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("submission server shutdown error")
		}
		<-errCh
		log.Info().Msg("url-catcher stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("submission server: %w", err)
	}
}

// Healthy checks that storage is usable.
func (c *Catcher) Healthy(_ context.Context) error {
	if err := c.ledger.Writable(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := c.records.Writable(); err != nil {
		return fmt.Errorf("records: %w", err)
	}
	info, err := os.Stat(c.cfg.ChallengesDir)
	if err != nil {
		return fmt.Errorf("challenges: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("challenges: %s is not a directory", c.cfg.ChallengesDir)
	}
	if _, err := c.outbox.Len(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}

// Close performs graceful shutdown. Safe to call more than once.
func (c *Catcher) Close() {
	c.closeOnce.Do(c.close)
}

func (c *Catcher) close() {
	if c.opsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.opsSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		c.dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Msg("notification drain timed out, parking remaining notices")
		c.stopWorkers()
		<-done
	}
	c.stopWorkers()

	if err := c.transport.Close(); err != nil {
		log.Warn().Err(err).Str("transport", c.transport.Name()).Msg("transport close failed")
	}
	if err := c.outbox.Close(); err != nil {
		log.Warn().Err(err).Msg("outbox close failed")
	}
}
