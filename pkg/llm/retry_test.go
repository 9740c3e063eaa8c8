package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "status 408", err: errors.New("x"), status: 408, want: true},
		{name: "status 409", err: errors.New("x"), status: 409, want: true},
		{name: "status 429", err: errors.New("x"), status: 429, want: true},
		{name: "status 500", err: errors.New("x"), status: 500, want: true},
		{name: "status 503", err: errors.New("x"), status: 503, want: true},
		{name: "status 599", err: errors.New("x"), status: 599, want: true},
		{name: "status 400", err: errors.New("x"), status: 400, want: false},
		{name: "status 401", err: errors.New("x"), status: 401, want: false},
		{name: "status 404", err: errors.New("x"), status: 404, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "aborted sentinel", err: ErrAborted, want: false},
		{name: "context deadline", err: context.DeadlineExceeded, want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: true},
		{name: "temporary dns", err: &net.DNSError{IsTemporary: true}, want: true},
		{name: "dns not found", err: &net.DNSError{IsNotFound: true}, want: true},
		{name: "timeout marker", err: errors.New("request Timeout while waiting"), want: true},
		{name: "timed out marker", err: errors.New("upstream timed out"), want: true},
		{name: "rate limit marker", err: errors.New("Rate limit reached"), want: true},
		{name: "econnreset marker", err: errors.New("read ECONNRESET"), want: true},
		{name: "socket hang up marker", err: errors.New("socket hang up"), want: true},
		{name: "enotfound marker", err: errors.New("getaddrinfo ENOTFOUND host"), want: true},
		{name: "eai_again marker", err: errors.New("getaddrinfo EAI_AGAIN host"), want: true},
		{name: "plain failure", err: errors.New("invalid request"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err, tt.status))
		})
	}
}

func TestRetryableWrappedProviderError(t *testing.T) {
	err := &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}
	assert.Equal(t, 429, HTTPStatus(err))
	assert.True(t, Retryable(err, HTTPStatus(err)))

	reqErr := &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}
	assert.Equal(t, 502, HTTPStatus(reqErr))

	statusErr := &httpStatusError{status: 503, body: "busy"}
	assert.Equal(t, 503, HTTPStatus(statusErr))
	assert.Equal(t, 0, HTTPStatus(errors.New("plain")))
}

func TestDelayBands(t *testing.T) {
	for i := 0; i < 50; i++ {
		d1 := Delay(1)
		assert.GreaterOrEqual(t, d1, 250)
		assert.Less(t, d1, 750)

		d2 := Delay(2)
		assert.GreaterOrEqual(t, d2, 500)
		assert.Less(t, d2, 1500)

		// The base caps at 8s from attempt 5 on.
		d9 := Delay(9)
		assert.GreaterOrEqual(t, d9, 4000)
		assert.Less(t, d9, 12000)
	}
}

func TestDecide(t *testing.T) {
	retryableErr := errors.New("rate limit")

	retry, delay := Decide(retryableErr, 429, 1, 5, false)
	assert.True(t, retry)
	assert.Positive(t, delay)

	retry, _ = Decide(retryableErr, 429, 5, 5, false)
	assert.False(t, retry, "attempts exhausted")

	retry, _ = Decide(retryableErr, 429, 1, 5, true)
	assert.False(t, retry, "aborted requests never retry")

	retry, _ = Decide(errors.New("invalid request"), 400, 1, 5, false)
	assert.False(t, retry)

	retry, _ = Decide(nil, 0, 1, 5, false)
	assert.False(t, retry)

	// Zero max falls back to the default budget.
	retry, _ = Decide(retryableErr, 429, DefaultMaxAttempts-1, 0, false)
	assert.True(t, retry)
	retry, _ = Decide(retryableErr, 429, DefaultMaxAttempts, 0, false)
	assert.False(t, retry)
}

func TestClipString(t *testing.T) {
	assert.Equal(t, "short", clipString("short", 10))
	assert.Equal(t, "abc…[truncated 3 chars]", clipString("abcdef", 3))
	assert.Equal(t, "abcdef", clipString("abcdef", 0))

	// Clipping counts runes, not bytes.
	clipped := clipString("ééééé", 2)
	assert.Equal(t, "éé…[truncated 3 chars]", clipped)
}

func TestEmitSwallowsSinkPanic(t *testing.T) {
	panicky := Sink(func(models.EventType, map[string]any) { panic("boom") })
	require.NotPanics(t, func() {
		Emit(panicky, models.EventAIRequest, map[string]any{"content": "hello"})
	})
}

func TestClipPayloadClipsOnlyStrings(t *testing.T) {
	long := strings.Repeat("x", DefaultClipChars+7)
	out := clipPayload(map[string]any{"content": long, "attempt": 3}, DefaultClipChars)

	assert.Equal(t, 3, out["attempt"])
	assert.Contains(t, out["content"], "…[truncated 7 chars]")
}

func TestClipSinkTightensLimit(t *testing.T) {
	var got map[string]any
	sink := ClipSink(func(_ models.EventType, payload map[string]any) {
		got = payload
	}, 4)

	sink(models.EventAIResponse, map[string]any{"content": "abcdefgh", "attempt": 1})
	require.NotNil(t, got)
	assert.Equal(t, "abcd…[truncated 4 chars]", got["content"])
	assert.Equal(t, 1, got["attempt"])

	assert.Nil(t, ClipSink(nil, 4))
}
