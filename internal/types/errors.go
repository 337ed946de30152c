package types

import (
	"context"
	"errors"
)

// Tagged error kinds. Control-flow decisions (retry, truncate, skip, halt)
// inspect these with errors.Is instead of matching message strings.
var (
	// ErrValidation marks a bad or missing parameter. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks a network timeout, HTTP 429/5xx, or connection
	// refusal. Retried with backoff by the HTTP clients.
	ErrTransient = errors.New("transient network error")

	// ErrLength marks an embedding input the server rejected as too long.
	// Retried with progressive truncation, never plain retry.
	ErrLength = errors.New("input too long")

	// ErrParse marks LLM output that stayed unparseable after all fallbacks.
	ErrParse = errors.New("unparseable output")

	// ErrDimensionMismatch marks a vector whose length differs from the
	// project's embedding dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNotFound marks a missing fragment or record.
	ErrNotFound = errors.New("not found")

	// ErrBackoffActive marks a skip forced by the doom-loop guard.
	ErrBackoffActive = errors.New("within backoff window")

	// ErrQuotaExhausted marks a skip forced by the daily quota.
	ErrQuotaExhausted = errors.New("daily quota exhausted")

	// ErrDuplicateStall marks a doom loop: identical tool calls or identical
	// generated questions repeating past the threshold.
	ErrDuplicateStall = errors.New("duplicate stall")

	// ErrCancelled marks cooperative cancellation. Exits cleanly, never
	// recorded as a failure.
	ErrCancelled = errors.New("cancelled")
)

// IsTransient reports whether err is tagged as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsCancelled reports whether err, or the surrounding context, signals a
// cooperative shutdown rather than a real failure.
func IsCancelled(ctx context.Context, err error) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
