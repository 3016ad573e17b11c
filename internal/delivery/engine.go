// Package delivery provides the Engine for retried, split, written-back sends.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
)

// Retry policy defaults.
const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is multiplied by the attempt number for linear backoff.
	DefaultBaseDelay = 2 * time.Second
	// DefaultPartDelay is the pause between parts of a multi-part send.
	DefaultPartDelay = 1500 * time.Millisecond
)

// multiPartNotice is sent before the parts of an oversized response.
const multiPartNotice = "📨 A resposta é longa e chegará em várias partes."

// Ledger is the subset of the store the engine needs for post-send
// write-back.
type Ledger interface {
	UpdateInteractionDelivery(interactionID string, status models.DeliveryStatus, messageID string) error
}

// Opts holds configuration options for the Engine.
type Opts struct {
	MaxRetries int
	BaseDelay  time.Duration
	PartDelay  time.Duration
	Limit      int
	Sleep      func(time.Duration)
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithBaseDelay overrides the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Opts) { o.BaseDelay = d }
}

// WithPartDelay overrides the inter-part delay.
func WithPartDelay(d time.Duration) Option {
	return func(o *Opts) { o.PartDelay = d }
}

// WithLimit overrides the channel message length limit.
func WithLimit(n int) Option {
	return func(o *Opts) { o.Limit = n }
}

// WithSleep injects the sleep function (used by tests).
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// Engine sends messages through a channel backend with bounded retry,
// credential refresh on auth failure, and oversize splitting.
type Engine struct {
	sender     Sender
	ledger     Ledger
	tokens     TokenSource
	rec        *metrics.Recorder
	maxRetries int
	baseDelay  time.Duration
	partDelay  time.Duration
	limit      int
	sleep      func(time.Duration)
}

// NewEngine creates a delivery engine. tokens may be nil for backends that
// hold their own credentials (e.g. Twilio).
func NewEngine(sender Sender, ledger Ledger, tokens TokenSource, rec *metrics.Recorder, opts ...Option) *Engine {
	cfg := Opts{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		PartDelay:  DefaultPartDelay,
		Limit:      models.MaxMessageBodyLength,
		Sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		sender:     sender,
		ledger:     ledger,
		tokens:     tokens,
		rec:        rec,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		partDelay:  cfg.PartDelay,
		limit:      cfg.Limit,
		sleep:      cfg.Sleep,
	}
}

// Deliver sends body to recipient and writes the delivery status back to the
// originating ledger interaction. Oversized bodies are announced and split.
// Validation failures are fatal and never retried; an exhausted retry budget
// surfaces *models.PermanentDeliveryError and the caller owns the terminal
// `failed` ledger write; the engine never fails silently.
func (e *Engine) Deliver(ctx context.Context, recipient, body, interactionID string) (string, error) {
	canonical, err := e.sender.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("Engine.Deliver recipient validation failed", "error", err, "recipient", recipient)
		return "", err
	}

	start := time.Now()
	var messageID string
	if len(body) > e.limit {
		messageID, err = e.deliverParts(ctx, canonical, body)
	} else {
		messageID, err = e.sendWithRetry(ctx, func(c context.Context) (string, error) {
			return e.sender.SendText(c, canonical, body)
		})
	}
	e.rec.Observe(metrics.SendLatency, time.Since(start))
	if err != nil {
		e.rec.Incr(metrics.SendFailures)
		return "", err
	}

	e.rec.Incr(metrics.MessagesSent)
	e.writeBack(interactionID, messageID)
	return messageID, nil
}

// DeliverTemplate sends a structured template reference.
func (e *Engine) DeliverTemplate(ctx context.Context, recipient, templateName, languageCode, interactionID string) (string, error) {
	canonical, err := e.sender.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("Engine.DeliverTemplate recipient validation failed", "error", err, "recipient", recipient)
		return "", err
	}

	messageID, err := e.sendWithRetry(ctx, func(c context.Context) (string, error) {
		return e.sender.SendTemplate(c, canonical, templateName, languageCode)
	})
	if err != nil {
		e.rec.Incr(metrics.SendFailures)
		return "", err
	}

	e.rec.Incr(metrics.MessagesSent)
	e.writeBack(interactionID, messageID)
	return messageID, nil
}

// deliverParts announces the multi-part send, then sends each part in input
// order with a "(i/N)" header and a short inter-part delay.
func (e *Engine) deliverParts(ctx context.Context, to, body string) (string, error) {
	if _, err := e.sendWithRetry(ctx, func(c context.Context) (string, error) {
		return e.sender.SendText(c, to, multiPartNotice)
	}); err != nil {
		return "", err
	}

	parts := SplitMessage(body, e.limit)
	slog.Info("Engine.deliverParts splitting oversized message", "to", to, "parts", len(parts), "size", len(body))

	var lastID string
	for i, part := range parts {
		e.sleep(e.partDelay)
		prefixed := PartHeader(i+1, len(parts)) + part
		id, err := e.sendWithRetry(ctx, func(c context.Context) (string, error) {
			return e.sender.SendText(c, to, prefixed)
		})
		if err != nil {
			return "", fmt.Errorf("part %d/%d: %w", i+1, len(parts), err)
		}
		lastID = id
	}
	return lastID, nil
}

// sendWithRetry runs one send with the standard retry budget plus the single
// credential-refresh attempt. The refresh attempt does not consume budget.
func (e *Engine) sendWithRetry(ctx context.Context, send func(context.Context) (string, error)) (string, error) {
	authRetried := false
	var lastErr error

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.rec.Incr(metrics.SendRetries)
			e.sleep(time.Duration(attempt) * e.baseDelay)
		}

		id, err := send(ctx)
		if err == nil {
			return id, nil
		}

		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			return "", err
		}

		if errors.Is(err, models.ErrTokenExpired) && !authRetried && e.tokens != nil {
			authRetried = true
			slog.Warn("Engine retry: credential rejected, refreshing token for one extra attempt")
			e.tokens.Invalidate()
			id, refreshErr := send(ctx)
			if refreshErr == nil {
				return id, nil
			}
			lastErr = refreshErr
			continue
		}

		lastErr = err
		slog.Warn("Engine send attempt failed", "attempt", attempt+1, "error", err)
	}

	attempts := e.maxRetries + 1
	if authRetried {
		attempts++
	}
	return "", &models.PermanentDeliveryError{Attempts: attempts, LastErr: lastErr}
}

// writeBack records the successful send on the originating interaction. This
// failing must not fail the delivery: logged, not propagated.
func (e *Engine) writeBack(interactionID, messageID string) {
	if interactionID == "" {
		return
	}
	if err := e.ledger.UpdateInteractionDelivery(interactionID, models.DeliveryStatusSent, messageID); err != nil {
		slog.Error("Engine post-send ledger update failed", "error", err, "interactionID", interactionID, "messageID", messageID)
	}
}
