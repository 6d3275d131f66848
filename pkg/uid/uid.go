package uid

import "github.com/google/uuid"

// New generates a new request identifier.
func New() string {
	return uuid.New().String()
}

// OrNew keeps a caller-supplied id when it is a UUID and generates one
// otherwise, so untrusted headers never reach the logs verbatim.
func OrNew(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return New()
}
