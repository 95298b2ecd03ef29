// Package httperr defines the error taxonomy from spec.md §7: a small
// set of semantic error kinds shared by the HTTP Client (C1) and
// Download Engine (C7), each with its own recovery policy.
package httperr

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure for recovery purposes. Kinds are semantic,
// not Go types; callers test an error's kind with this package's Is.
type Kind int

const (
	KindNetworkTransient Kind = iota
	KindRateLimited
	KindChallengePresented
	KindPermanentHTTP
	KindUnsupported
	KindDiskFull
	KindHashMismatch
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNetworkTransient:
		return "network_transient"
	case KindRateLimited:
		return "rate_limited"
	case KindChallengePresented:
		return "challenge_presented"
	case KindPermanentHTTP:
		return "permanent_http"
	case KindUnsupported:
		return "unsupported"
	case KindDiskFull:
		return "disk_full"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindConfigInvalid:
		return "config_invalid"
	}
	return "unknown"
}

// Error wraps an underlying cause with its recovery Kind.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind wrapping msg.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ClassifyStatus maps an HTTP response status to a Kind per spec.md §7.
// ok is false for any status the taxonomy does not name (every status
// below 400 and the 4xx statuses not listed above), which callers treat
// as success.
func ClassifyStatus(status int) (Kind, bool) {
	switch status {
	case http.StatusTooManyRequests, 521:
		return KindRateLimited, true
	case 520:
		return KindChallengePresented, true
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone, http.StatusUnavailableForLegalReasons:
		return KindPermanentHTTP, true
	}
	if status >= 500 && status < 600 {
		return KindNetworkTransient, true
	}
	return 0, false
}
