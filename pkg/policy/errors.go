package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthMissing is returned when no bearer token was presented.
	ErrAuthMissing = errors.New("missing api key")

	// ErrAuthInvalid is returned when the token matches no issued key.
	ErrAuthInvalid = errors.New("invalid api key")

	// ErrAuthRevoked is returned when the key exists but was revoked.
	// Revocation is permanent.
	ErrAuthRevoked = errors.New("api key revoked")

	// ErrRateLimited is returned when the key's minute bucket is full.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// PermissionDeniedError names the capability or resource that failed the
// profile check.
type PermissionDeniedError struct {
	Kind string // tool | agent | skill | timeout | max_cost
	Name string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Name)
}

// IsPermissionDenied checks if an error is a permission denial.
func IsPermissionDenied(err error) bool {
	var pe *PermissionDeniedError
	return errors.As(err, &pe)
}
