package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the failure taxonomy. Every one of them is recovered at
// the handler boundary by substituting a fallback reply; none are fatal.
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrMalformedReply  = errors.New("malformed upstream response")
	ErrQueueFull       = errors.New("queue full")
	ErrResultNotFound  = errors.New("result not found")
	ErrResultExpired   = errors.New("result expired")
)

// UpstreamHTTPError reports a non-2xx webhook response after retries are
// exhausted (5xx) or immediately (4xx). The status code is preserved for
// diagnostics; the body is truncated before storage.
type UpstreamHTTPError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream webhook returned status %d", e.StatusCode)
}

// reasonForError maps a relay error onto the machine-readable reason reported
// alongside fallback replies.
func reasonForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrMalformedReply):
		return "malformed_upstream_response"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrResultExpired):
		return "result_expired"
	default:
		var httpErr *UpstreamHTTPError
		if errors.As(err, &httpErr) {
			return "upstream_http_error"
		}
		return "upstream_error"
	}
}
