package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all runtime configuration.
type Config struct {
	// HTTP
	ListenAddr        string  `koanf:"listen_addr"`
	PostPath          string  `koanf:"post_path"`
	TrustProxyHeaders bool    `koanf:"trust_proxy_headers"`
	FloodRPS          float64 `koanf:"flood_rps"`
	FloodBurst        int     `koanf:"flood_burst"`

	// Storage
	LedgerDir     string `koanf:"ledger_dir"`
	RecordsDir    string `koanf:"records_dir"`
	ChallengesDir string `koanf:"challenges_dir"`
	OutboxPath    string `koanf:"outbox_path"`

	// Throttle. SlowdownReset is parsed by hand: it accepts plain seconds.
	SlowdownReset        time.Duration `koanf:"-"`
	LedgerRetentionGrace time.Duration `koanf:"ledger_retention_grace"`
	JanitorInterval      time.Duration `koanf:"janitor_interval"`

	// Curator notifications
	Notifier          string `koanf:"notifier"` // smtp | webhook | log
	MailFrom          string `koanf:"mail_from"`
	MailTo            string `koanf:"mail_to"` // comma separated
	SMTPAddr          string `koanf:"smtp_addr"`
	SMTPUsername      string `koanf:"smtp_username"`
	SMTPPassword      string `koanf:"smtp_password"`
	SMTPTLS           string `koanf:"smtp_tls"` // auto | none | opportunistic | mandatory
	WebhookURL        string `koanf:"webhook_url"`
	WebhookToken      string `koanf:"webhook_token"`
	NotifyWorkers     int    `koanf:"notify_workers"`
	NotifyQueue       int    `koanf:"notify_queue"`
	OutboxMaxAttempts int    `koanf:"outbox_max_attempts"`

	// Operational
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`
	MetricsAddr string `koanf:"metrics_addr"` // "" = disabled

	// Client-facing and mail texts
	MsgInternalError string `koanf:"msg_internal_error"`
	MsgBadPageName   string `koanf:"msg_bad_page_name"`
	MsgWrongCaptcha  string `koanf:"msg_wrong_captcha"`
	MsgInvalidURL    string `koanf:"msg_invalid_url"`
	MsgRecordedURL   string `koanf:"msg_recorded_url"`
	MsgPleaseWait    string `koanf:"msg_please_wait"`
	MsgMailSubject   string `koanf:"msg_mail_subject"`
	MsgMailBodyPage  string `koanf:"msg_mail_body_page"`
	MsgMailBodyURL   string `koanf:"msg_mail_body_url"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"listen_addr":            ":8080",
	"post_path":              "/uwsgi/post_link",
	"trust_proxy_headers":    false,
	"flood_rps":              0.0,
	"flood_burst":            20,
	"ledger_dir":             "ips",
	"records_dir":            "lists",
	"challenges_dir":         "captchas",
	"outbox_path":            "outbox.db",
	"slowdown_reset":         "24h",
	"ledger_retention_grace": "0s",
	"janitor_interval":       "10m",
	"notifier":               "smtp",
	"mail_from":              "foo@example.org",
	"mail_to":                "bar@example.org",
	"smtp_addr":              "localhost:25",
	"smtp_tls":               "auto",
	"notify_workers":         2,
	"notify_queue":           64,
	"outbox_max_attempts":    10,
	"log_level":              "info",
	"log_format":             "json",
	"metrics_addr":           ":9090",
	"msg_internal_error":     "Internal server error.",
	"msg_bad_page_name":      "Bad page name.",
	"msg_wrong_captcha":      "Wrong captcha.",
	"msg_invalid_url":        "Invalid URL.",
	"msg_recorded_url":       "Recorded URL: ",
	"msg_please_wait":        "Too many attempts from your IP. Wait this many seconds: ",
	"msg_mail_subject":       "[url-catcher] New URL submitted",
	"msg_mail_body_page":     "New URL submitted for page: ",
	"msg_mail_body_url":      "URL is: ",
}

// legacyTranslations maps customizations.json translation keys to config keys.
var legacyTranslations = map[string]string{
	"internalServerError": "msg_internal_error",
	"badPageName":         "msg_bad_page_name",
	"wrongCaptcha":        "msg_wrong_captcha",
	"invalidURL":          "msg_invalid_url",
	"recordedURL":         "msg_recorded_url",
	"pleaseWait":          "msg_please_wait",
	"mailSubject":         "msg_mail_subject",
	"mailBodyPage":        "msg_mail_body_page",
	"mailBodyURL":         "msg_mail_body_url",
}

// Load reads configuration from (lowest → highest priority):
//  1. Built-in defaults
//  2. Legacy customizations JSON at CUSTOMIZATIONS_FILE (if set)
//  3. YAML file at CONFIG_FILE env var path (if set)
//  4. Environment variables (always highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// Layer 2: legacy customizations file. JSON is valid YAML.
	if path := os.Getenv("CUSTOMIZATIONS_FILE"); path != "" {
		legacy, err := loadCustomizations(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
			return nil, fmt.Errorf("config: apply customizations: %w", err)
		}
	}

	// Layer 3: optional YAML file.
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgFile, err)
		}
	}

	// Layer 4: environment variables. "SMTP_ADDR" → "smtp_addr".
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Normalise string fields.
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))
	cfg.Notifier = strings.TrimSpace(strings.ToLower(cfg.Notifier))
	cfg.SMTPTLS = strings.TrimSpace(strings.ToLower(cfg.SMTPTLS))

	var errs []string

	// slowdown_reset: a Go duration ("24h") or plain integer seconds
	// ("86400"), the form customizations.json always used.
	reset, err := parseSeconds(k.String("slowdown_reset"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("SLOWDOWN_RESET: %v", err))
	}
	cfg.SlowdownReset = reset

	// Docker-style secrets: SMTP_PASSWORD_FILE / WEBHOOK_TOKEN_FILE apply
	// only when the direct variable is unset.
	cfg.SMTPPassword = secretFromFile(cfg.SMTPPassword, "SMTP_PASSWORD_FILE")
	cfg.WebhookToken = secretFromFile(cfg.WebhookToken, "WEBHOOK_TOKEN_FILE")

	if err := cfg.validate(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCustomizations reads the legacy customizations.json and returns it as
// flat config keys.
func loadCustomizations(path string) (map[string]any, error) {
	lk := koanf.New(".")
	if err := lk.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load customizations %s: %w", path, err)
	}

	out := make(map[string]any)
	for legacy, key := range legacyTranslations {
		if p := "translations." + legacy; lk.Exists(p) {
			out[key] = lk.String(p)
		}
	}
	if lk.Exists("mailConfig.from") {
		out["mail_from"] = lk.String("mailConfig.from")
	}
	if lk.Exists("mailConfig.to") {
		out["mail_to"] = lk.String("mailConfig.to")
	}
	if lk.Exists("slowdownReset") {
		out["slowdown_reset"] = lk.String("slowdownReset")
	}
	return out, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a duration nor a number of seconds", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func secretFromFile(current, fileVar string) string {
	if current != "" {
		return current
	}
	path := os.Getenv(fileVar)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Recipients splits MailTo into addresses.
func (c *Config) Recipients() []string {
	var out []string
	for _, a := range strings.Split(c.MailTo, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *Config) validate(errs []string) error {
	if c.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR is required (e.g., :8080)")
	}
	if !strings.HasPrefix(c.PostPath, "/") {
		errs = append(errs, "POST_PATH must start with /")
	}
	if c.SlowdownReset < time.Second {
		errs = append(errs, "SLOWDOWN_RESET must be at least 1s")
	}
	if c.LedgerRetentionGrace < 0 {
		errs = append(errs, "LEDGER_RETENTION_GRACE must not be negative")
	}
	if c.JanitorInterval < time.Second {
		errs = append(errs, "JANITOR_INTERVAL must be at least 1s")
	}
	if c.FloodRPS < 0 {
		errs = append(errs, "FLOOD_RPS must not be negative (0 disables the flood guard)")
	}
	if c.FloodRPS > 0 && c.FloodBurst < 1 {
		errs = append(errs, "FLOOD_BURST must be at least 1 when FLOOD_RPS is set")
	}

	switch c.Notifier {
	case "smtp":
		if c.MailFrom == "" {
			errs = append(errs, "MAIL_FROM is required for the smtp notifier")
		}
		if len(c.Recipients()) == 0 {
			errs = append(errs, "MAIL_TO is required for the smtp notifier")
		}
		if c.SMTPAddr == "" {
			errs = append(errs, "SMTP_ADDR is required for the smtp notifier (e.g., localhost:25)")
		}
		switch c.SMTPTLS {
		case "auto", "none", "opportunistic", "mandatory":
		default:
			errs = append(errs, fmt.Sprintf("SMTP_TLS must be one of auto, none, opportunistic, mandatory (got %q)", c.SMTPTLS))
		}
	case "webhook":
		u, err := url.Parse(c.WebhookURL)
		if c.WebhookURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "WEBHOOK_URL must be an http(s) URL for the webhook notifier")
		}
	case "log":
	default:
		errs = append(errs, fmt.Sprintf("NOTIFIER must be one of smtp, webhook, log (got %q)", c.Notifier))
	}
	if c.NotifyWorkers < 1 || c.NotifyWorkers > 64 {
		errs = append(errs, "NOTIFY_WORKERS must be between 1 and 64")
	}
	if c.NotifyQueue < 0 {
		errs = append(errs, "NOTIFY_QUEUE must not be negative")
	}
	if c.OutboxMaxAttempts < 1 {
		errs = append(errs, "OUTBOX_MAX_ATTEMPTS must be at least 1")
	}

	// Path sanitisation: reject traversal sequences and null bytes.
	for _, p := range []struct{ name, val string }{
		{"LEDGER_DIR", c.LedgerDir},
		{"RECORDS_DIR", c.RecordsDir},
		{"CHALLENGES_DIR", c.ChallengesDir},
		{"OUTBOX_PATH", c.OutboxPath},
	} {
		switch {
		case p.val == "":
			errs = append(errs, p.name+" is required")
		case strings.Contains(p.val, ".."):
			errs = append(errs, p.name+` must not contain ".." (directory traversal)`)
		case strings.ContainsRune(p.val, 0):
			errs = append(errs, p.name+" must not contain null bytes")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
