package filter

import "errors"

var (
	// ErrInvalidPredicate is reported per rule when its attribute set is
	// malformed, contradictory or unsupported for the scope's IP version.
	ErrInvalidPredicate = errors.New("invalid predicate")

	// ErrUnknownRule is returned when a delete names a handle the scope does not hold.
	ErrUnknownRule = errors.New("unknown rule")

	// ErrScopeNotFound is returned by operations against a scope that was never
	// committed to or has been reset.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrCapacityExceeded is reported per rule when the scope already holds
	// the configured maximum number of rules.
	ErrCapacityExceeded = errors.New("scope rule capacity exceeded")

	// ErrInvalidScope is returned for scopes with an unknown IP version or no table name.
	ErrInvalidScope = errors.New("invalid scope")
)
