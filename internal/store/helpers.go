package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSONColumn serializes v for a nullable JSON text column. A zero
// value marshals to its JSON form rather than NULL; that is fine for reads.
func marshalJSONColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSONColumn(raw sql.NullString, dest any, what string) {
	if !raw.Valid || raw.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw.String), dest); err != nil {
		// Keep the zero value rather than failing the whole read.
		slog.Error("store: json column unmarshal failed", "column", what, "error", err)
	}
}

// scanUser scans a User from a row with the canonical column order:
// user_id, phone_number, onboarding_completed, onboarding_step, profile,
// preferences, engagement, created_at, updated_at.
func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var step string
	var profile, prefs, engagement sql.NullString
	err := row.Scan(&u.UserID, &u.PhoneNumber, &u.OnboardingCompleted, &step,
		&profile, &prefs, &engagement, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.OnboardingStep = models.ParseStep(step)
	if !models.KnownStep(step) {
		slog.Warn("store: restarting onboarding for unrecognized stored step", "userID", u.UserID, "storedStep", step)
	}
	unmarshalJSONColumn(profile, &u.Profile, "profile")
	unmarshalJSONColumn(prefs, &u.Preferences, "preferences")
	unmarshalJSONColumn(engagement, &u.Engagement, "engagement")
	return &u, nil
}

// scanInteraction scans an Interaction from a row with the canonical column
// order: interaction_id, user_id, timestamp, direction, content_type,
// content, reply_to, delivery_status, message_id.
func scanInteraction(row rowScanner) (*models.Interaction, error) {
	var in models.Interaction
	var replyTo, messageID sql.NullString
	err := row.Scan(&in.InteractionID, &in.UserID, &in.Timestamp, &in.Direction,
		&in.ContentType, &in.Content, &replyTo, &in.DeliveryStatus, &messageID)
	if err != nil {
		return nil, err
	}
	in.ReplyTo = replyTo.String
	in.MessageID = messageID.String
	return &in, nil
}

// scanJob scans a Job from a row with the canonical column order:
// id, kind, run_at, payload_json, status, attempt, max_attempts, last_error,
// locked_at, dedupe_key, created_at, updated_at.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt,
		&j.MaxAttempts, &lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
