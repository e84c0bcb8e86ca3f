package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrTimeout is returned when a bounded wait (readiness, port resolution,
	// state transition) exceeds its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrRateLimited is returned when an external service rejects us for
	// issuing too many requests (e.g. quick-tunnel provisioning).
	ErrRateLimited = errors.New("rate limited")
)
