package direct

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable covers transport and network failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamRateLimited maps upstream HTTP 429.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
)

// UpstreamRejectedError maps a non-429 4xx from the upstream API.
type UpstreamRejectedError struct {
	Status int
	Body   string
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.Status, e.Body)
}

// IsUpstreamRejected checks if an error is an upstream rejection.
func IsUpstreamRejected(err error) bool {
	var ue *UpstreamRejectedError
	return errors.As(err, &ue)
}
