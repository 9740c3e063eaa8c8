package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how to handle a failed MCP call.
type RecoveryAction int

const (
	// NoRetry — the error is not recoverable (bad request, protocol error, timeout).
	NoRetry RecoveryAction = iota
	// RetrySameSession — transient error, retry on the existing session.
	RetrySameSession
	// RetryNewSession — transport failure, reconnect and retry.
	RetryNewSession
)

const (
	// MaxRetries is the number of retry attempts after the initial failure.
	MaxRetries = 1

	// InitTimeout is the per-server deadline for transport start and handshake.
	InitTimeout = 30 * time.Second

	// ReinitTimeout is the deadline for reconnecting a server during recovery.
	ReinitTimeout = 10 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// Some tools are legitimately slow; the job timeout is the hard ceiling
	// above this.
	OperationTimeout = 90 * time.Second

	// RetryBackoffMin is the minimum jittered backoff before a retry.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff before a retry.
	RetryBackoffMax = 750 * time.Millisecond
)

// ClassifyError determines the recovery action for an MCP call error.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	// Context errors: the caller gave up or the deadline passed.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	// Network errors: a timeout may just mean a slow server, anything else
	// means the connection is gone.
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	// JSON-RPC protocol errors would fail identically on a fresh session.
	if isProtocolError(err) {
		return NoRetry
	}

	// Unknown errors are not safe to retry.
	return NoRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, e := range connectionErrors {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}

// isProtocolError detects MCP JSON-RPC errors surfaced by the SDK, such as
// bad params or an unknown method.
func isProtocolError(err error) bool {
	msg := strings.ToLower(err.Error())
	protocolIndicators := []string{
		"method not found",
		"invalid params",
		"invalid request",
		"parse error",
	}
	for _, indicator := range protocolIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
