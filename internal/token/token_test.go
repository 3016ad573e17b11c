package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/graphapi"
	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/store"
)

type fakeExchanger struct {
	mu        sync.Mutex
	exchanges int32
	err       error
	expiresAt time.Time
}

func (f *fakeExchanger) ExchangeToken(ctx context.Context, appID, appSecret, inputToken string) (graphapi.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return graphapi.TokenInfo{}, f.err
	}
	f.exchanges++
	return graphapi.TokenInfo{
		Token:     fmt.Sprintf("long-lived-%d", f.exchanges),
		ExpiresAt: f.expiresAt,
	}, nil
}

func (f *fakeExchanger) IntrospectToken(ctx context.Context, inputToken, accessToken string) (graphapi.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return graphapi.TokenInfo{Token: inputToken, ExpiresAt: f.expiresAt}, nil
}

func (f *fakeExchanger) count() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

func (f *fakeExchanger) setExpiry(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiresAt = t
}

func newTestManager(t *testing.T, exp time.Time) (*Manager, *fakeExchanger, *store.InMemoryStore) {
	t.Helper()
	ex := &fakeExchanger{expiresAt: exp}
	st := store.NewInMemoryStore()
	return NewManager(ex, st, metrics.NewRecorder()), ex, st
}

func TestInitializePersistsCredential(t *testing.T) {
	exp := time.Now().Add(60 * 24 * time.Hour)
	m, ex, st := newTestManager(t, exp)

	cred, err := m.Initialize(context.Background(), "app-1", "secret-1", "short-lived")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if cred.Token != "long-lived-1" {
		t.Errorf("unexpected token: %s", cred.Token)
	}
	if ex.count() != 1 {
		t.Errorf("expected one exchange, got %d", ex.count())
	}

	// Both secret records must exist: the credential and the renewal inputs.
	if _, _, err := st.GetSecret("wa_access_token"); err != nil {
		t.Errorf("credential record missing: %v", err)
	}
	if _, _, err := st.GetSecret("wa_exchange_config"); err != nil {
		t.Errorf("exchange config record missing: %v", err)
	}
}

func TestInitializeRejectsMissingInputs(t *testing.T) {
	m, _, _ := newTestManager(t, time.Now().Add(time.Hour))

	_, err := m.Initialize(context.Background(), "", "secret", "tok")
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCurrentUsesCacheWhileFresh(t *testing.T) {
	exp := time.Now().Add(60 * 24 * time.Hour)
	m, ex, _ := newTestManager(t, exp)

	if _, err := m.Initialize(context.Background(), "app", "sec", "short"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := m.Current(context.Background()); err != nil {
			t.Fatalf("Current failed: %v", err)
		}
	}
	if ex.count() != 1 {
		t.Errorf("fresh cache must not trigger exchanges, got %d", ex.count())
	}
}

func TestCurrentRenewsNearExpiry(t *testing.T) {
	// Expires inside the safety margin: every stored/loaded value is stale.
	m, ex, _ := newTestManager(t, time.Now().Add(time.Hour))

	if _, err := m.Initialize(context.Background(), "app", "sec", "short"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	cred, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cred.Token != "long-lived-2" {
		t.Errorf("expected renewed token, got %s", cred.Token)
	}
	if ex.count() != 2 {
		t.Errorf("expected initialize plus one renewal, got %d exchanges", ex.count())
	}
}

func TestCurrentWithoutCredentialSurfacesNotFound(t *testing.T) {
	m, _, _ := newTestManager(t, time.Now().Add(time.Hour))

	_, err := m.Current(context.Background())
	if !errors.Is(err, models.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestInvalidateSkipsRejectedStoredToken(t *testing.T) {
	exp := time.Now().Add(60 * 24 * time.Hour)
	m, ex, _ := newTestManager(t, exp)

	if _, err := m.Initialize(context.Background(), "app", "sec", "short"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	m.Invalidate()

	// The stored credential is the same token the channel just refused, so
	// the reload must not serve it again even though its expiry looks fine.
	cred, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current after Invalidate failed: %v", err)
	}
	if cred.Token != "long-lived-2" {
		t.Errorf("expected a renewed token, got %s", cred.Token)
	}
	if ex.count() != 2 {
		t.Errorf("rejected stored credential should force a re-exchange, got %d", ex.count())
	}
}

func TestInvalidatePicksUpExternallyRotatedToken(t *testing.T) {
	exp := time.Now().Add(60 * 24 * time.Hour)
	m, ex, st := newTestManager(t, exp)

	if _, err := m.Initialize(context.Background(), "app", "sec", "short"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Another process rotated the stored credential; the rejected token no
	// longer matches, so the reload uses it without an exchange.
	rotatedExp := time.Now().Add(50 * 24 * time.Hour)
	if err := st.PutSecret(secretAccessToken, "rotated-token", &rotatedExp); err != nil {
		t.Fatalf("PutSecret failed: %v", err)
	}

	m.Invalidate()

	cred, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current after Invalidate failed: %v", err)
	}
	if cred.Token != "rotated-token" {
		t.Errorf("expected the rotated token, got %s", cred.Token)
	}
	if ex.count() != 1 {
		t.Errorf("a rotated stored credential should not re-exchange, got %d", ex.count())
	}
}

func TestConcurrentCurrentSingleRenewal(t *testing.T) {
	// The initial credential is stale; renewals hand out fresh ones. The
	// renew mutex must collapse concurrent readers onto one upstream
	// exchange: the leader renews, waiters reuse the fresh cache.
	m, ex, _ := newTestManager(t, time.Now().Add(time.Hour))

	if _, err := m.Initialize(context.Background(), "app", "sec", "short"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	ex.setExpiry(time.Now().Add(60 * 24 * time.Hour))
	before := ex.count()

	var failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Current(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d concurrent reads failed", failures.Load())
	}
	if got := ex.count() - before; got != 1 {
		t.Errorf("expected exactly one renewal for 10 concurrent reads, got %d", got)
	}
}
