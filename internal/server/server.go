// Package server exposes the submission gate over HTTP.
package server

import (
	"context"
	"errors"
	"html"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/developingchet/url-catcher/internal/gate"
)

// DefaultPostPath is where the submission form posts to.
const DefaultPostPath = "/uwsgi/post_link"

// maxFormBytes bounds the request body. The three fields are small.
const maxFormBytes = 16 << 10

// Submitter is the part of the gate the HTTP layer needs.
type Submitter interface {
	Submit(ctx context.Context, s gate.Submission) (string, error)
}

// Config controls the HTTP surface.
type Config struct {
	Addr              string
	PostPath          string
	TrustProxyHeaders bool
	FloodRPS          float64 // 0 disables the flood guard
	FloodBurst        int
	Messages          Messages
}

// Server serves the submission endpoint.
type Server struct {
	cfg    Config
	msgs   Messages
	gate   Submitter
	router *chi.Mux
	server *http.Server
}

// New builds the router. It does not start listening.
func New(cfg Config, g Submitter) *Server {
	if cfg.PostPath == "" {
		cfg.PostPath = DefaultPostPath
	}
	s := &Server{cfg: cfg, msgs: cfg.Messages.withDefaults(), gate: g}

	r := chi.NewRouter()
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestID)
	r.Use(s.recovery)
	if cfg.FloodRPS > 0 {
		burst := cfg.FloodBurst
		if burst < 1 {
			burst = 1
		}
		r.Use(floodGuard(rate.NewLimiter(rate.Limit(cfg.FloodRPS), burst), s.msgs.PleaseWait))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeText(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeText(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})
	r.Post(cfg.PostPath, s.handleSubmit)

	s.router = r
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// returned after Shutdown, including a Shutdown that came first.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.PostPath).Msg("submission endpoint listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		// Unparseable bodies still go through the gate as empty fields, so
		// they count as attempts like any other bad input.
		log.Debug().Err(err).Msg("form parse failed")
	}

	sub := gate.Submission{
		Identity:  clientIdentity(r.RemoteAddr),
		List:      r.PostFormValue("page"),
		Challenge: r.PostFormValue("captcha"),
		URL:       r.PostFormValue("url"),
	}

	accepted, err := s.gate.Submit(r.Context(), sub)
	if err == nil {
		s.writeText(w, http.StatusOK, s.msgs.RecordedURL+html.EscapeString(accepted))
		return
	}

	var te *gate.ThrottledError
	switch {
	case errors.As(err, &te):
		secs := strconv.FormatInt(te.RetryAfterSeconds(), 10)
		w.Header().Set("Retry-After", secs)
		s.writeText(w, http.StatusTooManyRequests, s.msgs.PleaseWait+secs)
	case errors.Is(err, gate.ErrBadListName):
		s.writeText(w, http.StatusBadRequest, s.msgs.BadPageName)
	case errors.Is(err, gate.ErrWrongChallenge):
		s.writeText(w, http.StatusBadRequest, s.msgs.WrongCaptcha)
	case errors.Is(err, gate.ErrInvalidURL):
		s.writeText(w, http.StatusBadRequest, s.msgs.InvalidURL)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("submission failed")
		s.writeText(w, http.StatusInternalServerError, s.msgs.InternalError)
	}
}

func (s *Server) writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// clientIdentity returns the host part of a RemoteAddr. RealIP may have
// replaced RemoteAddr with a bare address, which is returned unchanged.
func clientIdentity(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
