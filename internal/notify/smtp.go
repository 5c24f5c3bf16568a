package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

const smtpTimeout = 30 * time.Second

// TLS policies for the relay connection.
const (
	SMTPTLSAuto          = "auto" // none for a loopback relay, opportunistic otherwise
	SMTPTLSNone          = "none"
	SMTPTLSOpportunistic = "opportunistic"
	SMTPTLSMandatory     = "mandatory"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	To       []string
	Username string // empty disables AUTH
	Password string
	TLS      string // one of the SMTPTLS* policies; "" means auto
	Template Template
}

// SMTPTransport mails notices through a relay.
type SMTPTransport struct {
	cfg    SMTPConfig
	host   string
	port   int
	policy mail.TLSPolicy
	now    func() time.Time
}

// Compile-time interface check.
var _ Transport = (*SMTPTransport)(nil)

// NewSMTPTransport validates cfg and returns a transport.
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("notify: smtp addr %q: %w", cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("notify: smtp addr %q: invalid port", cfg.Addr)
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("notify: smtp needs a sender and at least one recipient")
	}
	policy, err := tlsPolicy(cfg.TLS, host)
	if err != nil {
		return nil, err
	}

	s := &SMTPTransport{cfg: cfg, host: host, port: port, policy: policy, now: time.Now}
	// Address syntax is checked once here rather than on every notice.
	if _, err := s.message(Notice{}); err != nil {
		return nil, err
	}
	return s, nil
}

// tlsPolicy maps a configured policy name to go-mail's.
func tlsPolicy(name, host string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SMTPTLSAuto:
		if isLoopback(host) {
			return mail.NoTLS, nil
		}
		return mail.TLSOpportunistic, nil
	case SMTPTLSNone:
		return mail.NoTLS, nil
	case SMTPTLSOpportunistic:
		return mail.TLSOpportunistic, nil
	case SMTPTLSMandatory:
		return mail.TLSMandatory, nil
	default:
		return mail.NoTLS, fmt.Errorf("notify: unknown smtp tls policy %q", name)
	}
}

// isLoopback reports whether host names the local machine. Local relays
// commonly present a self-signed certificate for the machine's hostname.
func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *SMTPTransport) Name() string { return "smtp" }

// Send delivers n as a plain-text mail.
func (s *SMTPTransport) Send(ctx context.Context, n Notice) error {
	msg, err := s.message(n)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTLSPolicy(s.policy),
		mail.WithTimeout(smtpTimeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, smtpTimeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send via %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// message builds the mail. Header values come from configuration only; the
// client-controlled parts stay in the body.
func (s *SMTPTransport) message(n Notice) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("notify: smtp sender %q: %w", s.cfg.From, err)
	}
	if err := m.To(s.cfg.To...); err != nil {
		return nil, fmt.Errorf("notify: smtp recipients: %w", err)
	}
	m.Subject(headerSafe(s.cfg.Template.Subject))
	m.SetDateWithValue(s.now())
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, s.cfg.Template.Body(n))
	return m, nil
}

func headerSafe(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func (s *SMTPTransport) Close() error { return nil }
