// Package store provides storage backends for ZapMentor.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store and JobRepo over a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store   = (*SQLiteStore)(nil)
	_ JobRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetOrCreateUser resolves the user for a phone number, creating the record
// on first contact. INSERT OR IGNORE against the unique phone index followed
// by a re-read makes concurrent first contacts converge on one row.
func (s *SQLiteStore) GetOrCreateUser(phoneNumber string) (*models.User, bool, error) {
	now := time.Now()
	id := util.GenerateUserID()
	engagement, err := marshalJSONColumn(models.Engagement{})
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO users (user_id, phone_number, onboarding_completed, onboarding_step, engagement, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?, ?, ?)`,
		id, phoneNumber, string(models.StepWelcome), engagement, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateUser insert failed", "error", err, "phone", phoneNumber)
		return nil, false, fmt.Errorf("failed to create user for %s: %w", phoneNumber, err)
	}
	inserted, _ := res.RowsAffected()

	user, err := s.GetUserByPhone(phoneNumber)
	if err != nil {
		return nil, false, err
	}
	if inserted > 0 {
		slog.Info("SQLiteStore created new user", "userID", user.UserID, "phone", phoneNumber)
	}
	return user, inserted > 0, nil
}

const userColumns = `user_id, phone_number, onboarding_completed, onboarding_step, profile, preferences, engagement, created_at, updated_at`

func (s *SQLiteStore) GetUser(userID string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByPhone(phoneNumber string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE phone_number = ?`, phoneNumber)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByPhone failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get user by phone %s: %w", phoneNumber, err)
	}
	return user, nil
}

// AdvanceOnboarding applies the step transition as a conditional update so a
// concurrent message for the same user cannot regress the sequence.
func (s *SQLiteStore) AdvanceOnboarding(userID string, from, to models.OnboardingStep, profile models.Profile, prefs models.Preferences) error {
	profileJSON, err := marshalJSONColumn(profile)
	if err != nil {
		return err
	}
	prefsJSON, err := marshalJSONColumn(prefs)
	if err != nil {
		return err
	}

	completed := 0
	step := string(to)
	if to == models.StepNone {
		completed = 1
		step = string(models.StepNone)
	}

	where := `user_id = ? AND onboarding_step = ?`
	args := []any{step, completed, profileJSON, prefsJSON, time.Now(), userID, string(from)}
	if from == models.StepWelcome {
		// Unrecognized stored step values read back as welcome, so the
		// restart advance must match them here too or the row stays wedged.
		known := models.StepValues()
		where = `user_id = ? AND (onboarding_step = ? OR onboarding_step NOT IN (?` +
			strings.Repeat(", ?", len(known)-1) + `))`
		for _, v := range known {
			args = append(args, v)
		}
	}

	res, err := s.db.Exec(
		`UPDATE users SET onboarding_step = ?, onboarding_completed = CASE WHEN ? = 1 THEN 1 ELSE onboarding_completed END,
		 profile = ?, preferences = ?, updated_at = ?
		 WHERE `+where,
		args...,
	)
	if err != nil {
		slog.Error("SQLiteStore AdvanceOnboarding failed", "error", err, "userID", userID, "from", from, "to", to)
		return fmt.Errorf("failed to advance onboarding for %s: %w", userID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		slog.Warn("SQLiteStore AdvanceOnboarding step conflict", "userID", userID, "expected", from)
		return ErrStepConflict
	}
	slog.Debug("SQLiteStore AdvanceOnboarding succeeded", "userID", userID, "from", from, "to", to)
	return nil
}

func (s *SQLiteStore) IncrementUserMessages(userID string) error {
	user, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	user.Engagement.TotalMessages++
	engagement, err := marshalJSONColumn(user.Engagement)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET engagement = ?, updated_at = ? WHERE user_id = ?`,
		engagement, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update engagement for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) AddInteraction(in models.Interaction) error {
	_, err := s.db.Exec(
		`INSERT INTO interactions (interaction_id, user_id, timestamp, direction, content_type, content, reply_to, delivery_status, message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.InteractionID, in.UserID, in.Timestamp, in.Direction, in.ContentType,
		in.Content, nilIfEmpty(in.ReplyTo), in.DeliveryStatus, nilIfEmpty(in.MessageID),
	)
	if err != nil {
		slog.Error("SQLiteStore AddInteraction failed", "error", err, "interactionID", in.InteractionID)
		return fmt.Errorf("failed to insert interaction %s: %w", in.InteractionID, err)
	}
	slog.Debug("SQLiteStore AddInteraction succeeded", "interactionID", in.InteractionID, "direction", in.Direction)
	return nil
}

const interactionColumns = `interaction_id, user_id, timestamp, direction, content_type, content, reply_to, delivery_status, message_id`

func (s *SQLiteStore) GetInteraction(interactionID string) (*models.Interaction, error) {
	row := s.db.QueryRow(`SELECT `+interactionColumns+` FROM interactions WHERE interaction_id = ?`, interactionID)
	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction %s: %w", interactionID, err)
	}
	return in, nil
}

func (s *SQLiteStore) UpdateInteractionDelivery(interactionID string, status models.DeliveryStatus, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE interactions SET delivery_status = ?, message_id = COALESCE(?, message_id) WHERE interaction_id = ?`,
		status, nilIfEmpty(messageID), interactionID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateInteractionDelivery failed", "error", err, "interactionID", interactionID)
		return fmt.Errorf("failed to update interaction %s: %w", interactionID, err)
	}
	slog.Debug("SQLiteStore UpdateInteractionDelivery succeeded", "interactionID", interactionID, "status", status)
	return nil
}

func (s *SQLiteStore) ListRecentInteractions(userID string, limit int) ([]models.Interaction, error) {
	rows, err := s.db.Query(
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`,
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

func (s *SQLiteStore) AddContent(c models.GeneratedContent) error {
	_, err := s.db.Exec(
		`INSERT INTO contents (content_id, user_id, content_type, topic, content, interaction_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ContentID, c.UserID, c.ContentType, nilIfEmpty(c.Topic), c.Content, nilIfEmpty(c.InteractionID), c.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddContent failed", "error", err, "contentID", c.ContentID)
		return fmt.Errorf("failed to insert content %s: %w", c.ContentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetContent(contentID string) (*models.GeneratedContent, error) {
	var c models.GeneratedContent
	var topic, interactionID sql.NullString
	err := s.db.QueryRow(
		`SELECT content_id, user_id, content_type, topic, content, interaction_id, created_at FROM contents WHERE content_id = ?`,
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

func (s *SQLiteStore) GetSecret(name string) (string, SecretMeta, error) {
	var value string
	var meta SecretMeta
	var expiresAt sql.NullTime
	err := s.db.QueryRow(`SELECT value, updated_at, expires_at FROM secrets WHERE name = ?`, name).
		Scan(&value, &meta.UpdatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", SecretMeta{}, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSecret failed", "error", err, "name", name)
		return "", SecretMeta{}, fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if expiresAt.Valid {
		meta.ExpiresAt = &expiresAt.Time
	}
	return value, meta, nil
}

func (s *SQLiteStore) PutSecret(name, value string, expiresAt *time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO secrets (name, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		name, value, time.Now(), expiresAt,
	)
	if err != nil {
		slog.Error("SQLiteStore PutSecret failed", "error", err, "name", name)
		return fmt.Errorf("failed to put secret %s: %w", name, err)
	}
	slog.Debug("SQLiteStore PutSecret succeeded", "name", name)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt, payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", kind)
	return id, nil
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
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

	for i := range jobs {
		_, err := s.db.Exec(
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
	}
	return jobs, nil
}

func (s *SQLiteStore) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET
			attempt = attempt + 1,
			last_error = ?,
			status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END,
			locked_at = NULL,
			updated_at = ?
		 WHERE id = ?`,
		errMsg, nextRunAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
