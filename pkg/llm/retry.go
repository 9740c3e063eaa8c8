package llm

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultMaxAttempts bounds the retry loop when the caller does not.
const DefaultMaxAttempts = 5

// ErrAborted is returned when the caller cancelled the request. It is
// never retried.
var ErrAborted = errors.New("aborted")

// retryMarkers are error-message fragments that indicate a transient
// upstream failure regardless of error type.
var retryMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"econnreset",
	"socket hang up",
	"enotfound",
	"eai_again",
}

// Decide is the retry policy: whether attempt (1-based) should be retried
// after err, and the delay in milliseconds before the next attempt.
func Decide(err error, httpStatus, attempt, maxAttempts int, aborted bool) (bool, int) {
	if err == nil || aborted {
		return false, 0
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return false, 0
	}
	if !Retryable(err, httpStatus) {
		return false, 0
	}
	return true, Delay(attempt)
}

// Retryable reports whether err looks transient.
func Retryable(err error, httpStatus int) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return false
	}
	switch httpStatus {
	case 408, 409, 429:
		return true
	}
	if httpStatus >= 500 && httpStatus < 600 {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if transientNetError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Delay computes the backoff for attempt (1-based): an exponential base
// capped at 8s with +/-50% jitter.
func Delay(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	base := 500.0 * math.Pow(2, float64(attempt-1))
	if base > 8000 {
		base = 8000
	}
	jitter := 0.5 + rand.Float64()
	return int(math.Round(base * jitter))
}

// HTTPStatus extracts the HTTP status from a provider error, or 0.
func HTTPStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status
	}
	return 0
}

func transientNetError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsNotFound
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
