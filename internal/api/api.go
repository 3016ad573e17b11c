// Package api provides the HTTP surface of ZapMentor.
//
// It exposes the webhook ingress endpoints for the WhatsApp Cloud API and
// Twilio, plus health and metrics endpoints. Webhook handlers do the minimum
// synchronous work: the processor normalizes, records, and enqueues; all slow
// work happens off the request path.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ZapMentor/ZapMentor/internal/metrics"
)

// Ingester accepts one raw webhook payload.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) error
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr        string
	VerifyToken string
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the webhook verification token for GET /webhook.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// Server is the HTTP API server.
type Server struct {
	processor   Ingester
	rec         *metrics.Recorder
	verifyToken string
	httpServer  *http.Server
}

// NewServer creates the API server and mounts its routes.
func NewServer(processor Ingester, rec *metrics.Recorder, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		processor:   processor,
		rec:         rec,
		verifyToken: cfg.VerifyToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/webhook", s.verifyWebhookHandler)
	r.Post("/webhook", s.webhookHandler)
	r.Post("/webhook/twilio", s.twilioWebhookHandler)
	r.Get("/health", s.healthHandler)
	r.Get("/metrics", s.metricsHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the HTTP server and blocks until it stops. A closed server
// returns nil.
func (s *Server) Run() error {
	slog.Info("Server.Run: API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
