package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/developingchet/url-catcher/internal/catcher"
	"github.com/developingchet/url-catcher/internal/config"
	"github.com/developingchet/url-catcher/internal/logger"
	"github.com/developingchet/url-catcher/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// runtimeCatcher is the part of *catcher.Catcher the commands drive.
type runtimeCatcher interface {
	Run(ctx context.Context) error
	Healthy(ctx context.Context) error
	Close()
}

// Seams replaced by tests.
var (
	loadConfig      = config.Load
	registerMetrics = metrics.Register
	pruneLedger     = catcher.PruneLedger
)

var newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}

var newRuntime = func(cfg *config.Config) (runtimeCatcher, error) {
	c, err := catcher.New(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var httpGet = func(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// newRootCmd builds and returns the root cobra command. Extracted from main so
// that tests can invoke it directly without spawning a subprocess.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "urlcatcher",
		Short: "Collect URL suggestions behind a challenge and a per-client throttle",
		Long: `url-catcher accepts URL suggestions for curated lists over HTTP. Each
submission must answer the list's challenge, clients are slowed down with an
exponential backoff, and accepted URLs are appended to the list's record file
and announced to the curator.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCatcher,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the server (same as running without a subcommand)",
		RunE:  runCatcher,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Remove expired throttle ledger entries and exit",
		RunE:  runPrune,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check readiness of a running instance (for Docker HEALTHCHECK)",
		RunE:  runHealthcheck,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "urlcatcher %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	return rootCmd
}

func runCatcher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging(cfg.LogLevel, cfg.LogFormat)

	registerMetrics()

	ctx, cancel := newSignalContext(context.Background())
	defer cancel()

	c, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("catcher init: %w", err)
	}
	defer c.Close()

	log.Info().Str("version", version).Str("commit", commit).Msg("starting")
	return c.Run(ctx)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	initLogging(cfg.LogLevel, cfg.LogFormat)

	res, err := pruneLedger(cfg, time.Now())
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scanned=%d removed=%d corrupt=%d temps=%d\n", res.Scanned, res.Removed, res.Corrupt, res.Temps)
	return nil
}

// runHealthcheck probes /readyz of the running instance. Without an
// operational listener it falls back to checking storage directly, which
// only works while no other instance holds the outbox.
func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging("error", cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.MetricsAddr != "" {
		return probeReady(ctx, cfg.MetricsAddr)
	}

	c, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Healthy(ctx)
}

func probeReady(ctx context.Context, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("metrics addr %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	resp, err := httpGet(ctx, "http://"+net.JoinHostPort(host, port)+"/readyz")
	if err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("readiness probe: http %d", resp.StatusCode)
	}
	return nil
}

func initLogging(level string, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	redacted := logger.NewRedactWriter(os.Stderr)
	if format == "text" || format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: redacted})
	} else {
		log.Logger = zerolog.New(redacted).With().Timestamp().Logger()
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
