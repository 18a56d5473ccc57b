package wheelhouse

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited marks an HTTP 429 response. A *HTTPError with status
	// 429 matches it under errors.Is.
	ErrRateLimited = errors.New("rate limited")

	// ErrDecode is returned when a successful response is not valid JSON.
	ErrDecode = errors.New("decode response")
)

// HTTPError reports a non-2xx response from the API.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an
// *HTTPError.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
