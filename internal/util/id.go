// Package util provides id generation and environment parsing helpers shared
// across components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a globally unique id with the given prefix, in the
// format "{prefix}{uuid-without-dashes}".
func GenerateID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateUserID generates a unique user id with "usr_" prefix.
func GenerateUserID() string {
	return GenerateID("usr_")
}

// GenerateInteractionID generates a unique interaction id with "int_" prefix.
func GenerateInteractionID() string {
	return GenerateID("int_")
}

// GenerateContentID generates a unique content id with "cnt_" prefix.
func GenerateContentID() string {
	return GenerateID("cnt_")
}

// GenerateJobID generates a unique job id with "job_" prefix.
func GenerateJobID() string {
	return GenerateID("job_")
}
