package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTunnelNotFound means no registry record exists for the identifier.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrTunnelOffline means the record exists but the agent is not
	// heartbeating.
	ErrTunnelOffline = errors.New("tunnel offline")

	// ErrTunnelExists is returned when the identifier is owned by another
	// principal.
	ErrTunnelExists = errors.New("tunnel already registered")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimitExceeded is returned when a principal exceeds the allowed
	// control API request rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrAPIKeyNotFound means no active API key has the given id.
	ErrAPIKeyNotFound = errors.New("api key not found or revoked")

	// ErrTunnelLimitReached is returned when an API key has exhausted its
	// maximum number of registered tunnels.
	ErrTunnelLimitReached = errors.New("tunnel limit reached")

	// ErrCredential means a scoped credential could not be issued or was
	// rejected.
	ErrCredential = errors.New("credential unavailable")

	// ErrResponseTimeout means the agent did not answer before the deadline.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrProtocolViolation means the frame stream broke the
	// meta -> chunk* -> end contract.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrLocalService means the agent could not reach the local target.
	ErrLocalService = errors.New("local service error")
)

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
