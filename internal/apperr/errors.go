// Package apperr holds error categories shared across the engine so transport
// layers can map them without importing every domain package.
package apperr

import "errors"

var (
	// ErrNotFound marks a referenced friend, rule, scenario or campaign that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCondition marks a malformed rule window, regex or segment predicate.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrConflict marks a concurrent-modification or duplicate-state problem.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable marks a dependency that timed out or could not be reached.
	ErrUnavailable = errors.New("unavailable")
)
