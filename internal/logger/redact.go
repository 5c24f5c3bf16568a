// Package logger provides log output helpers, including a secret-masking writer.
package logger

import (
	"io"
	"regexp"
)

var redactPatterns = []struct {
	re          *regexp.Regexp
	replacement []byte
	expand      bool
}{
	// Bearer tokens in Authorization headers or log fields.
	{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), replacement: []byte("bearer [REDACTED]")},
	// SMTP AUTH PLAIN carries base64 credentials.
	{re: regexp.MustCompile(`(?i)auth\s+plain\s+[A-Za-z0-9+/]+=*`), replacement: []byte("AUTH PLAIN [REDACTED]")},
	// key=value and "key":"value" forms of passwords, tokens and challenge
	// answers, e.g. smtp_password=..., "captcha":"...", ?token=...
	{
		re:          regexp.MustCompile(`(?i)((?:password|passwd|token|captcha)"?\s*[:=]\s*"?)[^"\s,&}]+`),
		replacement: []byte("${1}[REDACTED]"),
		expand:      true,
	},
}

// RedactWriter masks secrets before passing log lines to the wrapped writer.
type RedactWriter struct{ w io.Writer }

func NewRedactWriter(w io.Writer) *RedactWriter { return &RedactWriter{w: w} }

func (r *RedactWriter) Write(p []byte) (int, error) {
	out := p
	for _, pat := range redactPatterns {
		if pat.expand {
			out = pat.re.ReplaceAll(out, pat.replacement)
		} else {
			out = pat.re.ReplaceAllLiteral(out, pat.replacement)
		}
	}
	_, err := r.w.Write(out)
	return len(p), err
}
