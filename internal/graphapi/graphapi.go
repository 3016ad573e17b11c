// Package graphapi wraps the WhatsApp Cloud graph HTTP API used for message
// delivery and credential exchange.
//
// All calls carry explicit timeouts through the request context. Errors from
// the API surface with their code/type so callers can distinguish credential
// expiry from transient failures.
package graphapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

// DefaultBaseURL is the graph API root used when no override is configured.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Opts holds configuration options for the graph client.
type Opts struct {
	BaseURL       string
	PhoneNumberID string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the graph client.
type Option func(*Opts)

// WithBaseURL overrides the graph API root (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a thin graph API client. Credentials are supplied per call so the
// token lifecycle stays outside this package.
type Client struct {
	baseURL       string
	phoneNumberID string
	http          *http.Client
}

// NewClient creates a graph API client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("phone number id must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		http:          cfg.HTTPClient,
	}, nil
}

// apiError is the graph error envelope.
type apiError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

// Auth failure signatures: expired or invalid OAuth access tokens.
const (
	codeAccessTokenExpired = 190
	typeOAuthException     = "OAuthException"
)

func (e *apiError) Error() string {
	return fmt.Sprintf("graph api error %d (%s): %s", e.Code, e.Type, e.Message)
}

// sendResponse is the graph message send response.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error,omitempty"`
}

// SendText sends a plain text message and returns the external message id.
// Credential-invalid responses map to models.ErrTokenExpired.
func (c *Client) SendText(ctx context.Context, token, to, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	return c.sendMessage(ctx, token, payload)
}

// SendTemplate sends a structured template reference.
func (c *Client) SendTemplate(ctx context.Context, token, to, templateName, languageCode string) (string, error) {
	if languageCode == "" {
		languageCode = "pt_BR"
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template": map[string]any{
			"name":     templateName,
			"language": map[string]any{"code": languageCode},
		},
	}
	return c.sendMessage(ctx, token, payload)
}

func (c *Client) sendMessage(ctx context.Context, token string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &models.TransientDeliveryError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &models.TransientDeliveryError{Err: err}
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &models.TransientDeliveryError{Err: fmt.Errorf("malformed send response (status %d): %w", resp.StatusCode, err)}
	}

	if parsed.Error != nil {
		if isAuthError(parsed.Error) {
			slog.Warn("graphapi send rejected credential", "code", parsed.Error.Code, "type", parsed.Error.Type)
			return "", fmt.Errorf("%w: %v", models.ErrTokenExpired, parsed.Error)
		}
		if resp.StatusCode >= 500 {
			return "", &models.TransientDeliveryError{Err: parsed.Error}
		}
		return "", parsed.Error
	}
	if resp.StatusCode >= 500 {
		return "", &models.TransientDeliveryError{Err: fmt.Errorf("graph returned status %d", resp.StatusCode)}
	}
	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("send response carried no message id")
	}
	return parsed.Messages[0].ID, nil
}

func isAuthError(e *apiError) bool {
	return e.Code == codeAccessTokenExpired || e.Type == typeOAuthException
}

// TokenInfo is the result of a token exchange or introspection.
type TokenInfo struct {
	Token     string
	ExpiresAt time.Time
}

type exchangeResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	Error       *apiError `json:"error,omitempty"`
}

// ExchangeToken exchanges a token for a long-lived one using the
// fb_exchange_token grant.
func (c *Client) ExchangeToken(ctx context.Context, appID, appSecret, inputToken string) (TokenInfo, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", appID)
	q.Set("client_secret", appSecret)
	q.Set("fb_exchange_token", inputToken)

	endpoint := c.baseURL + "/oauth/access_token?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TokenInfo{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return TokenInfo{}, fmt.Errorf("malformed exchange response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return TokenInfo{}, fmt.Errorf("token exchange rejected: %w", parsed.Error)
	}
	if parsed.AccessToken == "" {
		return TokenInfo{}, fmt.Errorf("exchange response carried no access token")
	}

	info := TokenInfo{Token: parsed.AccessToken}
	if parsed.ExpiresIn > 0 {
		info.ExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	slog.Debug("graphapi token exchanged", "expires_in", parsed.ExpiresIn)
	return info, nil
}

type debugTokenResponse struct {
	Data struct {
		IsValid   bool  `json:"is_valid"`
		ExpiresAt int64 `json:"expires_at"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// IntrospectToken verifies a token and reports its expiry. A zero expiry in
// the response means the token does not expire.
func (c *Client) IntrospectToken(ctx context.Context, inputToken, accessToken string) (TokenInfo, error) {
	q := url.Values{}
	q.Set("input_token", inputToken)
	q.Set("access_token", accessToken)

	endpoint := c.baseURL + "/debug_token?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TokenInfo{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("token introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed debugTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return TokenInfo{}, fmt.Errorf("malformed introspection response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return TokenInfo{}, fmt.Errorf("token introspection rejected: %w", parsed.Error)
	}
	if !parsed.Data.IsValid {
		return TokenInfo{}, fmt.Errorf("%w: introspection reports invalid token", models.ErrTokenExpired)
	}

	info := TokenInfo{Token: inputToken}
	if parsed.Data.ExpiresAt > 0 {
		info.ExpiresAt = time.Unix(parsed.Data.ExpiresAt, 0)
	}
	return info, nil
}
