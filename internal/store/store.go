// Package store provides storage backends for ZapMentor.
//
// It persists the user directory, the append-only interaction ledger,
// generated content, secret records, and the durable job queue. SQLite and
// PostgreSQL backends share one interface; an in-memory backend supports
// tests.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/util"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// SecretMeta carries the metadata of a secret record.
type SecretMeta struct {
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Store defines persistence operations shared by all backends.
type Store interface {
	// GetOrCreateUser resolves the user for a canonical phone number,
	// creating the record on first contact. Creation is idempotent:
	// concurrent first contacts converge on one record. The bool reports
	// whether a new record was created.
	GetOrCreateUser(phoneNumber string) (*models.User, bool, error)

	// GetUser retrieves a user by id. Returns models.ErrNotFound if missing.
	GetUser(userID string) (*models.User, error)

	// GetUserByPhone retrieves a user via the phone number lookup index.
	// Returns models.ErrNotFound if missing.
	GetUserByPhone(phoneNumber string) (*models.User, error)

	// AdvanceOnboarding conditionally moves a user from one onboarding step
	// to the next, writing the updated profile and preferences in the same
	// statement. The update applies only while onboarding_step still equals
	// from; a moved step reports ErrStepConflict so concurrent messages
	// cannot regress the sequence. to == StepNone marks onboarding complete.
	AdvanceOnboarding(userID string, from, to models.OnboardingStep, profile models.Profile, prefs models.Preferences) error

	// IncrementUserMessages bumps the user's engagement message counter.
	IncrementUserMessages(userID string) error

	// AddInteraction appends one entry to the interaction ledger.
	AddInteraction(in models.Interaction) error

	// GetInteraction retrieves one ledger entry by id.
	GetInteraction(interactionID string) (*models.Interaction, error)

	// UpdateInteractionDelivery updates the delivery status and external
	// message id of a ledger entry. These are the only mutable fields.
	UpdateInteractionDelivery(interactionID string, status models.DeliveryStatus, messageID string) error

	// ListRecentInteractions returns up to limit ledger entries for a user,
	// newest first.
	ListRecentInteractions(userID string, limit int) ([]models.Interaction, error)

	// AddContent records one successful generation.
	AddContent(c models.GeneratedContent) error

	// GetContent retrieves a generated content record by id.
	GetContent(contentID string) (*models.GeneratedContent, error)

	// GetSecret reads an opaque secret value plus metadata. Returns
	// models.ErrNotFound if the record does not exist.
	GetSecret(name string) (string, SecretMeta, error)

	// PutSecret upserts an opaque secret value with optional expiry.
	PutSecret(name, value string, expiresAt *time.Time) error

	// Close releases the underlying resources.
	Close() error
}

// ErrStepConflict is reported by AdvanceOnboarding when the user's step moved
// underneath the caller.
var ErrStepConflict = errStepConflict{}

type errStepConflict struct{}

func (errStepConflict) Error() string { return "onboarding step changed concurrently" }

// InMemoryStore is a map-backed Store and JobRepo for tests.
type InMemoryStore struct {
	mu           sync.Mutex
	users        map[string]*models.User
	phoneIndex   map[string]string
	interactions map[string]*models.Interaction
	order        []string
	contents     map[string]*models.GeneratedContent
	secrets      map[string]secretRecord
	jobs         map[string]*Job
}

type secretRecord struct {
	value string
	meta  SecretMeta
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:        make(map[string]*models.User),
		phoneIndex:   make(map[string]string),
		interactions: make(map[string]*models.Interaction),
		contents:     make(map[string]*models.GeneratedContent),
		secrets:      make(map[string]secretRecord),
		jobs:         make(map[string]*Job),
	}
}

func (s *InMemoryStore) GetOrCreateUser(phoneNumber string) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.phoneIndex[phoneNumber]; ok {
		u := *s.users[id]
		return &u, false, nil
	}

	now := time.Now()
	u := &models.User{
		UserID:         util.GenerateUserID(),
		PhoneNumber:    phoneNumber,
		OnboardingStep: models.StepWelcome,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.users[u.UserID] = u
	s.phoneIndex[phoneNumber] = u.UserID
	copied := *u
	return &copied, true, nil
}

func (s *InMemoryStore) GetUser(userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *InMemoryStore) GetUserByPhone(phoneNumber string) (*models.User, error) {
	s.mu.Lock()
	id, ok := s.phoneIndex[phoneNumber]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.GetUser(id)
}

func (s *InMemoryStore) AdvanceOnboarding(userID string, from, to models.OnboardingStep, profile models.Profile, prefs models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	// An unrecognized stored step reads back as welcome, so an advance from
	// welcome must also match it or the user is wedged forever.
	if models.ParseStep(string(u.OnboardingStep)) != from {
		return ErrStepConflict
	}

	u.Profile = profile
	u.Preferences = prefs
	u.UpdatedAt = time.Now()
	if to == models.StepNone {
		u.OnboardingCompleted = true
		u.OnboardingStep = models.StepNone
	} else {
		u.OnboardingStep = to
	}
	return nil
}

func (s *InMemoryStore) IncrementUserMessages(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	u.Engagement.TotalMessages++
	u.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) AddInteraction(in models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := in
	s.interactions[in.InteractionID] = &copied
	s.order = append(s.order, in.InteractionID)
	return nil
}

func (s *InMemoryStore) GetInteraction(interactionID string) (*models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.interactions[interactionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *in
	return &copied, nil
}

func (s *InMemoryStore) UpdateInteractionDelivery(interactionID string, status models.DeliveryStatus, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.interactions[interactionID]
	if !ok {
		return models.ErrNotFound
	}
	in.DeliveryStatus = status
	if messageID != "" {
		in.MessageID = messageID
	}
	return nil
}

func (s *InMemoryStore) ListRecentInteractions(userID string, limit int) ([]models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Interaction
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		in := s.interactions[s.order[i]]
		if in.UserID == userID {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddContent(c models.GeneratedContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := c
	s.contents[c.ContentID] = &copied
	return nil
}

func (s *InMemoryStore) GetContent(contentID string) (*models.GeneratedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[contentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *InMemoryStore) GetSecret(name string) (string, SecretMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.secrets[name]
	if !ok {
		return "", SecretMeta{}, models.ErrNotFound
	}
	return rec.value, rec.meta, nil
}

func (s *InMemoryStore) PutSecret(name, value string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = secretRecord{value: value, meta: SecretMeta{UpdatedAt: time.Now(), ExpiresAt: expiresAt}}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
