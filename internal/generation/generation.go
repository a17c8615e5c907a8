package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Backend produces a completion for a finalization prompt. Implementations must
// be safe for concurrent use.
type Backend interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

// ErrMissingCredential marks authentication failures. They are fatal: retrying
// with the same credential cannot succeed.
var ErrMissingCredential = errors.New("generation credential is missing or invalid")

// RateLimitError carries the server-requested delay from a throttled request.
// Honoring it is not a failed attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("generation rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited extracts the RateLimitError from err, if any.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
