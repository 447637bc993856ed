package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRemoteUnavailable marks transport failures, timeouts, 5xx and 429
	// responses. The operation may succeed if retried later.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrRemoteRejected marks payloads the backend declined (4xx) and
	// responses the client could not decode. Retrying the same request will
	// not help.
	ErrRemoteRejected = errors.New("remote rejected request")
)

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// statusError classifies a non-2xx response. It returns nil for 2xx.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("status %d", code)
	if d := errorDetail(body); d != "" {
		msg += ": " + d
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return fmt.Errorf("%w: %s", ErrRemoteUnavailable, msg)
	}
	if code == http.StatusUnauthorized {
		msg += " (check api_key)"
	}
	return fmt.Errorf("%w: %s", ErrRemoteRejected, msg)
}

func errorDetail(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		parts := []string{e.Message}
		if e.Code != "" {
			parts = append(parts, "code "+e.Code)
		}
		if e.Details != "" {
			parts = append(parts, e.Details)
		}
		return strings.Join(parts, "; ")
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// IsRetryable reports whether err is worth retrying at a later time.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}
