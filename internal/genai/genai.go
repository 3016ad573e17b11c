// Package genai provides content generation with a primary/secondary provider
// fallback chain.
//
// Each provider gets exactly one attempt per call; when both fail the caller
// receives a models.GenerationError naming both causes. Output sanitation is
// mandatory before text leaves this package, and every successful generation
// is persisted before delivery is attempted.
package genai

import (
	"context"
	"log/slog"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/util"
)

// Provider turns a prompt pair into generated text.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string
	// Generate produces text for the given system and user prompts. The
	// context carries the per-attempt timeout.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ContentStore is the subset of the store the orchestrator needs.
type ContentStore interface {
	AddContent(c models.GeneratedContent) error
}

// DefaultAttemptTimeout bounds one provider attempt. A timed-out attempt is
// treated identically to a network error.
const DefaultAttemptTimeout = 60 * time.Second

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	AttemptTimeout time.Duration
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithAttemptTimeout overrides the per-provider attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AttemptTimeout = d }
}

// Orchestrator coordinates the provider fallback chain, sanitation, and
// content persistence.
type Orchestrator struct {
	primary        Provider
	secondary      Provider
	store          ContentStore
	rec            *metrics.Recorder
	attemptTimeout time.Duration
}

// NewOrchestrator creates an Orchestrator over the given providers.
func NewOrchestrator(primary, secondary Provider, store ContentStore, rec *metrics.Recorder, opts ...Option) *Orchestrator {
	cfg := Opts{AttemptTimeout: DefaultAttemptTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		primary:        primary,
		secondary:      secondary,
		store:          store,
		rec:            rec,
		attemptTimeout: cfg.AttemptTimeout,
	}
}

// Generate runs the fallback chain: one attempt against the primary provider,
// and on any error one attempt against the secondary. The returned text is
// sanitized. Both providers failing yields a *models.GenerationError.
func (o *Orchestrator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	defer func() { o.rec.Observe(metrics.GenerationLatency, time.Since(start)) }()

	text, primaryErr := o.attempt(ctx, o.primary, systemPrompt, userPrompt)
	if primaryErr == nil {
		o.rec.Incr(metrics.GenerationPrimary)
		return Sanitize(text), nil
	}
	slog.Warn("Orchestrator primary provider failed, trying secondary", "provider", o.primary.Name(), "error", primaryErr)

	text, secondaryErr := o.attempt(ctx, o.secondary, systemPrompt, userPrompt)
	if secondaryErr == nil {
		o.rec.Incr(metrics.GenerationFallback)
		slog.Info("Orchestrator secondary provider succeeded", "provider", o.secondary.Name())
		return Sanitize(text), nil
	}

	o.rec.Incr(metrics.GenerationFailed)
	slog.Error("Orchestrator all providers failed", "primary_error", primaryErr, "secondary_error", secondaryErr)
	return "", &models.GenerationError{PrimaryErr: primaryErr, SecondaryErr: secondaryErr}
}

func (o *Orchestrator) attempt(ctx context.Context, p Provider, systemPrompt, userPrompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()
	return p.Generate(attemptCtx, systemPrompt, userPrompt)
}

// GenerateFor builds the prompt for a generation request, runs the fallback
// chain, and persists the result as a content record before returning it.
// Persistence failing after a successful generation is an error: generation
// success must be durable before delivery is attempted.
func (o *Orchestrator) GenerateFor(ctx context.Context, req models.GenerationRequest) (*models.GeneratedContent, error) {
	systemPrompt, userPrompt := BuildPrompt(req)

	text, err := o.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	content := models.GeneratedContent{
		ContentID:     util.GenerateContentID(),
		UserID:        req.UserID,
		ContentType:   req.Type,
		Topic:         topicOf(req),
		Content:       text,
		InteractionID: req.InteractionID,
		CreatedAt:     time.Now(),
	}
	if err := o.store.AddContent(content); err != nil {
		slog.Error("Orchestrator content persistence failed", "error", err, "contentID", content.ContentID)
		return nil, err
	}
	slog.Debug("Orchestrator content persisted", "contentID", content.ContentID, "type", content.ContentType)
	return &content, nil
}

func topicOf(req models.GenerationRequest) string {
	if req.Topic != "" {
		return req.Topic
	}
	return req.Query
}
