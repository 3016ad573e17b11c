// Package token manages the lifecycle of the delivery channel credential.
//
// One Manager owns the process-wide credential cache: Initialize exchanges a
// short-lived token for a long-lived one, Renew re-exchanges before expiry,
// and Current serves cached reads. Internal locking guarantees a renewal in
// progress never causes two concurrent exchanges and readers always observe
// either the old or the new token, never a partial write.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/graphapi"
	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/store"
)

// Secret record names. The exchange config is persisted redundantly so a
// restart can renew without re-running Initialize.
const (
	secretAccessToken    = "wa_access_token"
	secretExchangeConfig = "wa_exchange_config"
)

// RenewalSafetyMargin is how long before expiry a cached token is considered
// stale and renewed on read.
const RenewalSafetyMargin = 24 * time.Hour

// Exchanger performs the upstream credential exchange and verification.
// Satisfied by *graphapi.Client.
type Exchanger interface {
	ExchangeToken(ctx context.Context, appID, appSecret, inputToken string) (graphapi.TokenInfo, error)
	IntrospectToken(ctx context.Context, inputToken, accessToken string) (graphapi.TokenInfo, error)
}

// SecretStore is the subset of the store the manager needs.
type SecretStore interface {
	GetSecret(name string) (string, store.SecretMeta, error)
	PutSecret(name, value string, expiresAt *time.Time) error
}

// exchangeConfig is the persisted input needed for later renewals.
type exchangeConfig struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	// SourceToken is the long-lived token used as exchange input on renewal.
	SourceToken string `json:"source_token"`
}

// Manager owns the credential cache and its renewal.
type Manager struct {
	exchanger Exchanger
	secrets   SecretStore
	rec       *metrics.Recorder

	mu     sync.RWMutex
	cached *models.Credential
	// rejected holds the last token the channel refused. Current never
	// serves it again, so a reload after Invalidate cannot hand back the
	// same credential that just failed.
	rejected string
	// renewMu serializes exchanges so concurrent Current calls near expiry
	// trigger at most one upstream renewal.
	renewMu sync.Mutex
}

// NewManager creates a Manager. The cache starts empty; the first read loads
// from the secret store.
func NewManager(exchanger Exchanger, secrets SecretStore, rec *metrics.Recorder) *Manager {
	return &Manager{exchanger: exchanger, secrets: secrets, rec: rec}
}

// Initialize exchanges a short-lived token for a long-lived one, verifies it
// via introspection, and persists both the credential and the exchange inputs
// as two redundant secret records.
func (m *Manager) Initialize(ctx context.Context, appID, appSecret, shortLivedToken string) (models.Credential, error) {
	if appID == "" || appSecret == "" || shortLivedToken == "" {
		return models.Credential{}, models.NewValidationError("credentials", "app id, app secret and short-lived token are required")
	}

	m.renewMu.Lock()
	defer m.renewMu.Unlock()

	info, err := m.exchangeAndVerify(ctx, appID, appSecret, shortLivedToken)
	if err != nil {
		return models.Credential{}, fmt.Errorf("initialize failed: %w", err)
	}

	cred := models.Credential{Token: info.Token, ExpiresAt: info.ExpiresAt}
	cfg := exchangeConfig{AppID: appID, AppSecret: appSecret, SourceToken: info.Token}
	if err := m.persist(cred, cfg); err != nil {
		return models.Credential{}, err
	}

	m.setCached(cred)
	slog.Info("token Manager initialized", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Renew re-exchanges using the previously stored long-lived token and
// atomically replaces the stored credential. Safe to call concurrently with
// in-flight Current reads.
func (m *Manager) Renew(ctx context.Context) (models.Credential, error) {
	m.renewMu.Lock()
	defer m.renewMu.Unlock()
	return m.renewLocked(ctx)
}

func (m *Manager) renewLocked(ctx context.Context) (models.Credential, error) {
	cfg, err := m.loadExchangeConfig()
	if err != nil {
		return models.Credential{}, err
	}

	info, err := m.exchangeAndVerify(ctx, cfg.AppID, cfg.AppSecret, cfg.SourceToken)
	if err != nil {
		return models.Credential{}, fmt.Errorf("renew failed: %w", err)
	}

	cred := models.Credential{Token: info.Token, ExpiresAt: info.ExpiresAt}
	cfg.SourceToken = info.Token
	if err := m.persist(cred, cfg); err != nil {
		return models.Credential{}, err
	}

	m.setCached(cred)
	m.rec.Incr(metrics.TokenRefreshes)
	slog.Info("token Manager renewed credential", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Current returns the cached credential when fresh. Within the safety margin
// of expiry (or with an empty cache and no stored credential) it renews
// first. A missing stored credential surfaces models.ErrCredentialNotFound:
// that requires re-running Initialize, not a retry.
func (m *Manager) Current(ctx context.Context) (models.Credential, error) {
	m.mu.RLock()
	cached := m.cached
	rejected := m.rejected
	m.mu.RUnlock()

	if cached != nil && !cached.ExpiresWithin(RenewalSafetyMargin) {
		return *cached, nil
	}

	if cached == nil {
		if cred, err := m.loadStored(); err == nil {
			// A stored copy of the token the channel just refused is no
			// better than the cache that was dropped; fall through to renew.
			if cred.Token != rejected && !cred.ExpiresWithin(RenewalSafetyMargin) {
				m.setCached(cred)
				return cred, nil
			}
		} else if !errors.Is(err, models.ErrCredentialNotFound) {
			return models.Credential{}, err
		}
	}

	m.renewMu.Lock()
	defer m.renewMu.Unlock()
	// Another caller may have renewed while we waited.
	m.mu.RLock()
	cached = m.cached
	m.mu.RUnlock()
	if cached != nil && !cached.ExpiresWithin(RenewalSafetyMargin) {
		return *cached, nil
	}
	return m.renewLocked(ctx)
}

// Invalidate drops the cached credential and remembers its token as refused,
// so the next read renews instead of reloading the same value from the
// secret store. Called by the delivery engine when the channel rejects the
// token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	if m.cached != nil {
		m.rejected = m.cached.Token
	}
	m.cached = nil
	m.mu.Unlock()
	slog.Warn("token Manager credential invalidated")
}

func (m *Manager) exchangeAndVerify(ctx context.Context, appID, appSecret, inputToken string) (graphapi.TokenInfo, error) {
	info, err := m.exchanger.ExchangeToken(ctx, appID, appSecret, inputToken)
	if err != nil {
		return graphapi.TokenInfo{}, err
	}
	verified, err := m.exchanger.IntrospectToken(ctx, info.Token, appID+"|"+appSecret)
	if err != nil {
		return graphapi.TokenInfo{}, err
	}
	// Prefer the introspected expiry; the exchange response may omit it.
	if verified.ExpiresAt.IsZero() {
		verified.ExpiresAt = info.ExpiresAt
	}
	return verified, nil
}

func (m *Manager) persist(cred models.Credential, cfg exchangeConfig) error {
	var expiresAt *time.Time
	if !cred.ExpiresAt.IsZero() {
		expiresAt = &cred.ExpiresAt
	}
	if err := m.secrets.PutSecret(secretAccessToken, cred.Token, expiresAt); err != nil {
		return fmt.Errorf("persist credential failed: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal exchange config failed: %w", err)
	}
	if err := m.secrets.PutSecret(secretExchangeConfig, string(raw), nil); err != nil {
		return fmt.Errorf("persist exchange config failed: %w", err)
	}
	return nil
}

func (m *Manager) loadStored() (models.Credential, error) {
	value, meta, err := m.secrets.GetSecret(secretAccessToken)
	if errors.Is(err, models.ErrNotFound) {
		return models.Credential{}, models.ErrCredentialNotFound
	}
	if err != nil {
		return models.Credential{}, err
	}
	cred := models.Credential{Token: value}
	if meta.ExpiresAt != nil {
		cred.ExpiresAt = *meta.ExpiresAt
	}
	return cred, nil
}

func (m *Manager) loadExchangeConfig() (exchangeConfig, error) {
	raw, _, err := m.secrets.GetSecret(secretExchangeConfig)
	if errors.Is(err, models.ErrNotFound) {
		return exchangeConfig{}, models.ErrCredentialNotFound
	}
	if err != nil {
		return exchangeConfig{}, err
	}
	var cfg exchangeConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return exchangeConfig{}, fmt.Errorf("malformed exchange config record: %w", err)
	}
	return cfg, nil
}

func (m *Manager) setCached(cred models.Credential) {
	m.mu.Lock()
	m.cached = &cred
	m.rejected = ""
	m.mu.Unlock()
}
