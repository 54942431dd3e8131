package session

import (
	"regexp"
	"strings"

	"github.com/buddyfox/buddyfox/internal/domain"
	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// ResolveID returns a usable session id: a new one when raw is blank,
// otherwise raw itself after validation.
func ResolveID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewID(), nil
	}
	if !ValidID(raw) {
		return "", &domain.ValidationError{Field: "session_id", Reason: "must match [A-Za-z0-9._:-]{1,128}"}
	}
	return raw, nil
}

// ValidID reports whether id is an acceptable session identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
