package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogTransport only writes a structured log line. Useful when no mail relay
// or webhook is available.
type LogTransport struct{}

func (LogTransport) Name() string { return "log" }

func (LogTransport) Send(_ context.Context, n Notice) error {
	log.Info().Str("list", n.List).Str("url", n.URL).Msg("new url submitted")
	return nil
}

func (LogTransport) Close() error { return nil }
