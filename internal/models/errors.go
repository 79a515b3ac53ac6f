package models

import "errors"

var (
	// ErrNotFound is returned for an unknown driver or ride id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is not allowed in the current state,
	// e.g. an accept on a dispatch that is no longer broadcasting.
	ErrInvalidState = errors.New("invalid state")
	// ErrTransport wraps failures to deliver a message to a session.
	ErrTransport = errors.New("transport error")
	// ErrUpstreamUnavailable wraps routing and persistence collaborator failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidMessage      = errors.New("invalid message")
)
