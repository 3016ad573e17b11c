// Package delivery sends outbound messages to the external channel with
// bounded retry, credential refresh on auth failure, oversize splitting, and
// post-send ledger write-back.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ZapMentor/ZapMentor/internal/graphapi"
	"github.com/ZapMentor/ZapMentor/internal/models"
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Sender is the pluggable channel backend abstraction.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Failure is fatal for the delivery, not retried.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message and returns the external message id.
	SendText(ctx context.Context, to, body string) (string, error)

	// SendTemplate sends a structured template reference.
	SendTemplate(ctx context.Context, to, templateName, languageCode string) (string, error)
}

// CanonicalizePhoneNumber strips non-digits and validates minimum length.
// Shared by all channel backends.
func CanonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", models.NewValidationError("recipient", "cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", models.NewValidationError("recipient", fmt.Sprintf("no digits found in %q", recipient))
	}
	if len(canonical) < models.MinPhoneNumberDigits {
		return "", models.NewValidationError("recipient", fmt.Sprintf("%q is too short", canonical))
	}
	if canonical != recipient {
		slog.Debug("delivery canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// TokenSource provides the bearer credential for graph sends.
type TokenSource interface {
	Current(ctx context.Context) (models.Credential, error)
	Invalidate()
}

// GraphSender implements Sender over the graph API, fetching the bearer
// credential per send from the token manager.
type GraphSender struct {
	client *graphapi.Client
	tokens TokenSource
}

// NewGraphSender creates a graph-backed sender.
func NewGraphSender(client *graphapi.Client, tokens TokenSource) *GraphSender {
	return &GraphSender{client: client, tokens: tokens}
}

// ValidateAndCanonicalizeRecipient applies the shared phone canonicalization.
func (s *GraphSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhoneNumber(recipient)
}

// SendText sends one text message with the current credential.
func (s *GraphSender) SendText(ctx context.Context, to, body string) (string, error) {
	cred, err := s.tokens.Current(ctx)
	if err != nil {
		return "", err
	}
	return s.client.SendText(ctx, cred.Token, to, body)
}

// SendTemplate sends a template reference with the current credential.
func (s *GraphSender) SendTemplate(ctx context.Context, to, templateName, languageCode string) (string, error) {
	cred, err := s.tokens.Current(ctx)
	if err != nil {
		return "", err
	}
	return s.client.SendTemplate(ctx, cred.Token, to, templateName, languageCode)
}
