package adapter

import "strings"

// ErrorType is the fixed classification tag set for adapter failures
// (spec.md §7).
type ErrorType string

// ErrorType constants.
const (
	ErrTimeout       ErrorType = "timeout"
	ErrRateLimit     ErrorType = "rate_limit"
	ErrAuth          ErrorType = "auth_error"
	ErrServer        ErrorType = "server_error"
	ErrNetwork       ErrorType = "network"
	ErrStreamFailure ErrorType = "stream_failure"
	ErrModeration    ErrorType = "moderation_error"
	ErrOther         ErrorType = "other"
)

// ProviderError is returned by an adapter call that reached (or tried to
// reach) the upstream and failed. HTTPStatus is the status the upstream
// returned, or 0 if the call never completed (e.g. network failure).
type ProviderError struct {
	HTTPStatus int
	Message    string
}

func (e *ProviderError) Error() string { return e.Message }

// Classify maps a raw provider error message (and optional HTTP status)
// to an ErrorType by inspecting the message against a fixed substring
// set, per spec.md §7.
func Classify(httpStatus int, message string) ErrorType {
	lower := strings.ToLower(message)

	switch {
	case httpStatus == 408, strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"), strings.Contains(lower, "deadline exceeded"):
		return ErrTimeout
	case httpStatus == 429, strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"), strings.Contains(lower, "quota exceeded"):
		return ErrRateLimit
	case httpStatus == 401, httpStatus == 403, strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"), strings.Contains(lower, "invalid_api_key"), strings.Contains(lower, "authentication"), strings.Contains(lower, "forbidden"):
		return ErrAuth
	case httpStatus >= 500 && httpStatus < 600, strings.Contains(lower, "internal server error"), strings.Contains(lower, "service unavailable"), strings.Contains(lower, "bad gateway"):
		return ErrServer
	case strings.Contains(lower, "connection reset"), strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"), strings.Contains(lower, "network"), strings.Contains(lower, "eof"):
		return ErrNetwork
	case strings.Contains(lower, "stream"):
		return ErrStreamFailure
	case strings.Contains(lower, "moderation"):
		return ErrModeration
	default:
		return ErrOther
	}
}

// criticalErrorSubstrings identifies permanent credential failures that
// should disable the sub-provider immediately rather than merely counting
// toward the consecutive-error circuit-breaker threshold.
var criticalErrorSubstrings = []string{
	"api key has been revoked",
	"account deactivated",
	"account suspended",
	"key has expired",
	"invalid_api_key",
	"permission denied for this resource",
	"billing hard limit",
}

// IsCriticalError reports whether message indicates a permanent,
// non-retriable credential failure.
func IsCriticalError(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range criticalErrorSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
