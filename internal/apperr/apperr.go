// Package apperr holds the error taxonomy shared by the session, gateway,
// ledger and trading layers. Every error type reports a machine-readable
// Kind so the command surface can map failures without string matching.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindRequest            Kind = "request"
	KindLedgerWrite        Kind = "ledger_write"
	KindInstrumentNotFound Kind = "instrument_not_found"
	KindValidation         Kind = "validation"
	KindMalformedResponse  Kind = "malformed_response"
	KindNotFound           Kind = "not_found"
	KindAccountUnavailable Kind = "account_unavailable"
	KindDuplicate          Kind = "duplicate"
	KindCanceled           Kind = "canceled"
	KindHalted             Kind = "trading_halted"
	KindPartial            Kind = "partial_failure"
	KindInternal           Kind = "internal"
)

type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first typed error in err's chain, or
// KindInternal for anything untyped. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// AuthenticationError: the broker refused the credentials or the token
// exchange could not complete. Never retried.
type AuthenticationError struct {
	Status  int
	Payload any
	Err     error
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("authentication failed: %v", e.Err)
	case e.Status != 0:
		return fmt.Sprintf("authentication failed: http %d: %v", e.Status, e.Payload)
	default:
		return fmt.Sprintf("authentication failed: %v", e.Payload)
	}
}

func (e *AuthenticationError) Unwrap() error { return e.Err }
func (e *AuthenticationError) Kind() Kind    { return KindAuthentication }

// RequestError: an authorized call failed after the single allowed auth retry.
// Status is 0 when no HTTP response was received.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   any
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: http %d: %v", e.Method, e.Path, e.Status, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }
func (e *RequestError) Kind() Kind    { return KindRequest }

// LedgerWriteError: the durable write failed; the store still holds its last
// good state.
type LedgerWriteError struct {
	Op  string
	Err error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }
func (e *LedgerWriteError) Kind() Kind    { return KindLedgerWrite }

type InstrumentNotFoundError struct {
	Symbol string
}

func (e *InstrumentNotFoundError) Error() string {
	return fmt.Sprintf("instrument %q not found", e.Symbol)
}

func (e *InstrumentNotFoundError) Kind() Kind { return KindInstrumentNotFound }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// MalformedResponseError: the broker answered 2xx but the body cannot be used.
type MalformedResponseError struct {
	Op     string
	Reason string
	Body   any
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Reason)
}

func (e *MalformedResponseError) Kind() Kind { return KindMalformedResponse }

type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return e.What + " not found" }
func (e *NotFoundError) Kind() Kind    { return KindNotFound }

// Classified attaches a kind to an arbitrary error.
type Classified struct {
	K   Kind
	Err error
}

func (e *Classified) Error() string { return e.Err.Error() }
func (e *Classified) Unwrap() error { return e.Err }
func (e *Classified) Kind() Kind    { return e.K }

func WithKind(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{K: k, Err: err}
}
