// Package errors provides error categorisation and retry for esflow.
//
// The router distinguishes three kinds of failure:
//   - Conflict: another writer advanced the stream; retry against fresh state
//   - Transient: infrastructure hiccup; retry may help
//   - Permanent: routing defects and handler errors; never retried
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryPermanent indicates retry won't help.
	// Examples: unroutable message types, errors returned by handlers.
	CategoryPermanent Category = iota

	// CategoryTransient indicates retry will likely help.
	// Examples: a busy database, a dispatcher that is briefly unavailable.
	CategoryTransient

	// CategoryConflict indicates an optimistic concurrency check failed.
	// The operation must be recomputed from freshly loaded state.
	CategoryConflict
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPermanent:
		return "permanent"
	case CategoryTransient:
		return "transient"
	case CategoryConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// conflicter is implemented by errors reporting a failed version check.
type conflicter interface {
	Conflict() bool
}

// temporary is implemented by errors that know they are short-lived.
type temporary interface {
	Temporary() bool
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Context errors are the caller's decision to stop.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var c conflicter
	if errors.As(err, &c) && c.Conflict() {
		return CategoryConflict
	}

	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	cat := Categorize(err)
	return cat == CategoryTransient || cat == CategoryConflict
}

// IsConflict reports whether the error is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return Categorize(err) == CategoryConflict
}
