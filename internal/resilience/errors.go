// Package resilience classifies ingestion failures and provides bounded
// retry and consecutive-failure breaking for pages and records.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the failure taxonomy used by the ingestion pipeline.
type Kind int

const (
	// KindOperational is a record- or page-level failure: logged into the
	// run report, processing continues.
	KindOperational Kind = iota
	// KindTransient is worth retrying with backoff.
	KindTransient
	// KindFatal aborts the whole run.
	KindFatal
	// KindRace is a unique-constraint collision resolved by re-reading.
	KindRace
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindRace:
		return "race"
	default:
		return "operational"
	}
}

// TransientError marks an error as safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FatalError marks a configuration-class failure: missing procedure or table,
// rejected credentials. Retrying cannot help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err as fatal.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// Postgres SQLSTATE codes and classes the pipeline cares about.
const (
	pgUniqueViolation      = "23505"
	pgUndefinedFunction    = "42883"
	pgUndefinedTable       = "42P01"
	pgUndefinedColumn      = "42703"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgAdminShutdown        = "57P01"
	pgClassConnection      = "08"
	pgClassAuth            = "28"
)

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOperational
	case IsFatal(err):
		return KindFatal
	case IsUniqueViolation(err):
		return KindRace
	case IsTransient(err):
		return KindTransient
	default:
		return KindOperational
	}
}

// IsFatal reports whether err (or its chain) indicates a configuration
// problem: an explicit FatalError, a missing backing procedure, table or
// column, or an authentication failure.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedFunction, pgUndefinedTable, pgUndefinedColumn:
			return true
		}
		return strings.HasPrefix(pgErr.Code, pgClassAuth)
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") ||
		(strings.Contains(msg, "function") && strings.Contains(msg, "does not exist"))
}

// IsUniqueViolation reports whether err is a unique-constraint collision in
// Postgres or SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a network timeout or reset, or a Postgres connection,
// serialization or deadlock failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgAdminShutdown:
			return true
		}
		return strings.HasPrefix(pgErr.Code, pgClassConnection)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"tls handshake timeout",
		"temporary failure in name resolution",
		"server closed idle connection",
		"unexpected eof",
		"database is locked",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is a retryable
// server-side condition.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
