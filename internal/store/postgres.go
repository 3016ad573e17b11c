// Package store provides storage backends for ZapMentor.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/util"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store and JobRepo over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ JobRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetOrCreateUser(phoneNumber string) (*models.User, bool, error) {
	now := time.Now()
	id := util.GenerateUserID()
	engagement, err := marshalJSONColumn(models.Engagement{})
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.Exec(
		`INSERT INTO users (user_id, phone_number, onboarding_completed, onboarding_step, engagement, created_at, updated_at)
		 VALUES ($1, $2, FALSE, $3, $4, $5, $6)
		 ON CONFLICT (phone_number) DO NOTHING`,
		id, phoneNumber, string(models.StepWelcome), engagement, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateUser insert failed", "error", err, "phone", phoneNumber)
		return nil, false, fmt.Errorf("failed to create user for %s: %w", phoneNumber, err)
	}
	inserted, _ := res.RowsAffected()

	user, err := s.GetUserByPhone(phoneNumber)
	if err != nil {
		return nil, false, err
	}
	if inserted > 0 {
		slog.Info("PostgresStore created new user", "userID", user.UserID, "phone", phoneNumber)
	}
	return user, inserted > 0, nil
}

func (s *PostgresStore) GetUser(userID string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByPhone(phoneNumber string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phoneNumber)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by phone %s: %w", phoneNumber, err)
	}
	return user, nil
}

func (s *PostgresStore) AdvanceOnboarding(userID string, from, to models.OnboardingStep, profile models.Profile, prefs models.Preferences) error {
	profileJSON, err := marshalJSONColumn(profile)
	if err != nil {
		return err
	}
	prefsJSON, err := marshalJSONColumn(prefs)
	if err != nil {
		return err
	}

	completed := to == models.StepNone
	step := string(to)

	// Unrecognized stored step values read back as welcome, so a restart
	// advance from welcome must match them here too or the row stays wedged.
	res, err := s.db.Exec(
		`UPDATE users SET onboarding_step = $1, onboarding_completed = onboarding_completed OR $2,
		 profile = $3, preferences = $4, updated_at = $5
		 WHERE user_id = $6 AND (onboarding_step = $7 OR ($7 = $8 AND onboarding_step <> ALL($9)))`,
		step, completed, profileJSON, prefsJSON, time.Now(), userID, string(from),
		string(models.StepWelcome), pq.Array(models.StepValues()),
	)
	if err != nil {
		slog.Error("PostgresStore AdvanceOnboarding failed", "error", err, "userID", userID, "from", from, "to", to)
		return fmt.Errorf("failed to advance onboarding for %s: %w", userID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		slog.Warn("PostgresStore AdvanceOnboarding step conflict", "userID", userID, "expected", from)
		return ErrStepConflict
	}
	return nil
}

func (s *PostgresStore) IncrementUserMessages(userID string) error {
	user, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	user.Engagement.TotalMessages++
	engagement, err := marshalJSONColumn(user.Engagement)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET engagement = $1, updated_at = $2 WHERE user_id = $3`,
		engagement, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update engagement for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) AddInteraction(in models.Interaction) error {
	_, err := s.db.Exec(
		`INSERT INTO interactions (interaction_id, user_id, timestamp, direction, content_type, content, reply_to, delivery_status, message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.InteractionID, in.UserID, in.Timestamp, in.Direction, in.ContentType,
		in.Content, nilIfEmpty(in.ReplyTo), in.DeliveryStatus, nilIfEmpty(in.MessageID),
	)
	if err != nil {
		slog.Error("PostgresStore AddInteraction failed", "error", err, "interactionID", in.InteractionID)
		return fmt.Errorf("failed to insert interaction %s: %w", in.InteractionID, err)
	}
	return nil
}

func (s *PostgresStore) GetInteraction(interactionID string) (*models.Interaction, error) {
	row := s.db.QueryRow(`SELECT `+interactionColumns+` FROM interactions WHERE interaction_id = $1`, interactionID)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction %s: %w", interactionID, err)
	}
	return in, nil
}

func (s *PostgresStore) UpdateInteractionDelivery(interactionID string, status models.DeliveryStatus, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE interactions SET delivery_status = $1, message_id = COALESCE($2, message_id) WHERE interaction_id = $3`,
		status, nilIfEmpty(messageID), interactionID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateInteractionDelivery failed", "error", err, "interactionID", interactionID)
		return fmt.Errorf("failed to update interaction %s: %w", interactionID, err)
	}
	return nil
}

func (s *PostgresStore) ListRecentInteractions(userID string, limit int) ([]models.Interaction, error) {
	rows, err := s.db.Query(
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interaction rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddContent(c models.GeneratedContent) error {
	_, err := s.db.Exec(
		`INSERT INTO contents (content_id, user_id, content_type, topic, content, interaction_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ContentID, c.UserID, c.ContentType, nilIfEmpty(c.Topic), c.Content, nilIfEmpty(c.InteractionID), c.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddContent failed", "error", err, "contentID", c.ContentID)
		return fmt.Errorf("failed to insert content %s: %w", c.ContentID, err)
	}
	return nil
}

func (s *PostgresStore) GetContent(contentID string) (*models.GeneratedContent, error) {
	var c models.GeneratedContent
	var topic, interactionID sql.NullString
	err := s.db.QueryRow(
		`SELECT content_id, user_id, content_type, topic, content, interaction_id, created_at FROM contents WHERE content_id = $1`,
		contentID,
	).Scan(&c.ContentID, &c.UserID, &c.ContentType, &topic, &c.Content, &interactionID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content %s: %w", contentID, err)
	}
	c.Topic = topic.String
	c.InteractionID = interactionID.String
	return &c, nil
}

func (s *PostgresStore) GetSecret(name string) (string, SecretMeta, error) {
	var value string
	var meta SecretMeta
	var expiresAt sql.NullTime
	err := s.db.QueryRow(`SELECT value, updated_at, expires_at FROM secrets WHERE name = $1`, name).
		Scan(&value, &meta.UpdatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", SecretMeta{}, models.ErrNotFound
	}
	if err != nil {
		return "", SecretMeta{}, fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if expiresAt.Valid {
		meta.ExpiresAt = &expiresAt.Time
	}
	return value, meta, nil
}

func (s *PostgresStore) PutSecret(name, value string, expiresAt *time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO secrets (name, value, updated_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		name, value, time.Now(), expiresAt,
	)
	if err != nil {
		slog.Error("PostgresStore PutSecret failed", "error", err, "name", name)
		return fmt.Errorf("failed to put secret %s: %w", name, err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres connection", "error", err)
	}
	return err
}

func (s *PostgresStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = $1 AND status NOT IN ('done', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)`,
		id, kind, runAt, payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	return id, nil
}

// ClaimDueJobs claims atomically using FOR UPDATE SKIP LOCKED so multiple
// runners do not double-process a job.
func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			ORDER BY run_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'done', updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET
			attempt = attempt + 1,
			last_error = $1,
			status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE $2 END,
			locked_at = NULL,
			updated_at = $3
		 WHERE id = $4`,
		errMsg, nextRunAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'running' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
