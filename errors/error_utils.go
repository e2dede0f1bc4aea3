// Package errors provides the typed error used across the validation engine, the reject-code
// taxonomy attached to validation failures, and helpers to categorize errors.
package errors

import (
	"context"
	"errors"
)

// IsContextError determines if an error is related to context cancellation or deadline.
//
// Parameters:
//   - err: Error to check
//
// Returns:
//   - bool: true if error is context-related
func IsContextError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var tErr *Error
	if As(err, &tErr) {
		if tErr.Code() == ERR_CONTEXT_CANCELED || tErr.Code() == ERR_CONTEXT {
			return true
		}
	}

	return false
}

// IsShutdownError reports whether err was produced because the engine is shutting down.
func IsShutdownError(err error) bool {
	var tErr *Error
	if As(err, &tErr) {
		return tErr.Code() == ERR_SHUTDOWN
	}

	return false
}

// IsMissingInputs reports whether a transaction failed only because a parent is unknown,
// which makes it a candidate for the orphan pool rather than a rejection.
func IsMissingInputs(err error) bool {
	var tErr *Error
	if As(err, &tErr) {
		return tErr.Code() == ERR_TX_MISSING_PARENT
	}

	return false
}

// GetErrorCategory returns a string representing the category of the error.
// This is useful for logging and metrics.
//
// Parameters:
//   - err: Error to categorize
//
// Returns:
//   - string: Error category (e.g., "context", "block", "transaction", "storage", "unknown")
func GetErrorCategory(err error) string {
	if err == nil {
		return "none"
	}

	if IsContextError(err) {
		return "context"
	}

	var tErr *Error
	if As(err, &tErr) {
		code := tErr.Code()

		switch {
		case code >= 10 && code <= 19:
			return "block"
		case code >= 30 && code <= 49:
			return "transaction"
		case code >= 50 && code <= 59:
			return "service"
		case code >= 60 && code <= 69:
			return "storage"
		case code >= 70 && code <= 79:
			return "utxo"
		case code >= 100 && code <= 109:
			return "state"
		}
	}

	return "unknown"
}
