// Package rounderrors defines the tagged error taxonomy shared by the
// join handler, settlement engine, keeper and API surface, and maps each
// kind to the HTTP status a client-facing handler should return.
package rounderrors

import (
	"errors"
	"fmt"
)

// Kind is a tagged variant, not a free-form string, so exhaustive switches
// over it are checked by the compiler rather than by convention.
type Kind int

const (
	// Validation covers malformed payloads, out-of-window joins, unknown
	// markets, feed mismatches and off-tier stakes.
	Validation Kind = iota
	// Auth covers a missing or mismatched settle-key header.
	Auth
	// RateLimited covers an exceeded per-ip or per-wallet window.
	RateLimited
	// Paused covers a configuration pause gate being set.
	Paused
	// TransientExternal covers oracle/transfer/ledger failures that are
	// safe to retry on the next tick.
	TransientExternal
	// StaleOracle covers a snapshot outside freshness tolerance even after
	// the nearest-timestamp fallback search.
	StaleOracle
	// OracleOwnerMismatch covers a snapshot whose source owner does not
	// match the market's expected oracle owner.
	OracleOwnerMismatch
	// Replay covers a duplicate entry or transfer identity; treated as a
	// no-op success by callers, not surfaced to the client as an error.
	Replay
	// Fatal covers treasury lock mismatches, misconfiguration, and ledger
	// corruption. The affected subsystem aborts; operators intervene.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation_error"
	case Auth:
		return "auth_error"
	case RateLimited:
		return "rate_limited"
	case Paused:
		return "paused"
	case TransientExternal:
		return "transient_external"
	case StaleOracle:
		return "stale_oracle"
	case OracleOwnerMismatch:
		return "oracle_owner_mismatch"
	case Replay:
		return "replay"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried through the engine. Cause is
// optional and unwraps normally via errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping
// through any %w-wrapped layers.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps a Kind to the status code the API surface responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return 400
	case Auth:
		return 401
	case RateLimited:
		return 429
	case Paused:
		return 503
	case TransientExternal, StaleOracle, OracleOwnerMismatch, Fatal:
		return 500
	case Replay:
		return 200
	default:
		return 500
	}
}

// Retryable reports whether the propagation policy allows local retry
// within one tick (bounded to a small number of attempts with linear
// backoff, per the settlement engine's retry loop).
func Retryable(kind Kind) bool {
	return kind == TransientExternal
}
