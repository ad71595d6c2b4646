package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is returned when authentication could not be
	// recovered by a refresh. Stored credentials are cleared by then.
	ErrUnauthorized = errors.New("unauthorized")

	ErrNoRefreshToken    = errors.New("no refresh token")
	ErrIncompleteRefresh = errors.New("incomplete refresh response")
	ErrProjectIDRequired = errors.New("project id is required")
	ErrDecodeResponse    = errors.New("decode response")
	ErrEncodeRequest     = errors.New("encode request")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status  int
	Message string
	// Body is the decoded JSON body, or nil when it was not JSON.
	Body map[string]any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// IsConflict reports whether err is an HTTP 409, e.g. a stale ETag on save.
func IsConflict(err error) bool {
	return StatusCode(err) == http.StatusConflict
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

func newHTTPError(status int, body []byte) *HTTPError {
	he := &HTTPError{Status: status, Message: "Request failed"}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			he.Message = text
		}
		return he
	}
	he.Body = parsed
	for _, key := range []string{"message", "error", "detail"} {
		if s, ok := parsed[key].(string); ok && s != "" {
			he.Message = s
			break
		}
	}
	return he
}
