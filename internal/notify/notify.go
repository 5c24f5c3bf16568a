// Package notify delivers curator notices about accepted URLs.
//
// A Dispatcher accepts notices without blocking the request, hands them to a
// small worker pool and parks anything that cannot be delivered in a durable
// outbox for later redelivery. Transports do the actual sending.
package notify

import (
	"context"
	"strings"
	"time"
)

// Notice describes one accepted submission.
type Notice struct {
	List     string
	URL      string
	QueuedAt time.Time
}

// Transport sends a notice to the curator.
type Transport interface {
	// Name returns the transport identifier for logging.
	Name() string

	// Send delivers a single notice.
	Send(ctx context.Context, n Notice) error

	// Close performs graceful shutdown.
	Close() error
}

// Template holds the human-readable message parts.
type Template struct {
	Subject  string
	BodyPage string
	BodyURL  string
}

// DefaultTemplate is the built-in English text.
var DefaultTemplate = Template{
	Subject:  "[url-catcher] New URL submitted",
	BodyPage: "New URL submitted for page: ",
	BodyURL:  "URL is: ",
}

// Body renders the message body for n.
func (t Template) Body(n Notice) string {
	var b strings.Builder
	b.WriteString(t.BodyPage)
	b.WriteString(n.List)
	b.WriteString("\n")
	b.WriteString(t.BodyURL)
	b.WriteString(n.URL)
	return b.String()
}
