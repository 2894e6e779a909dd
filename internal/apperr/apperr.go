// Package apperr defines the error kinds shared by every service and their
// mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is a stable machine-readable error code.
type Kind string

const (
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindUnauthorized           Kind = "unauthorized"
	KindInvalidDeliveryCode    Kind = "invalid_delivery_code"
	KindDuplicateRequest       Kind = "duplicate_request"
	KindReconciliationMismatch Kind = "reconciliation_mismatch"
	KindNotFound               Kind = "not_found"
	KindValidation             Kind = "validation_error"
	KindInternal               Kind = "internal_error"
)

// Error is an error with a Kind. Domain packages declare sentinels with New
// and wrap them with fmt.Errorf("%w: ...").
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind-only targets (the package-level kind sentinels below), so
// errors.Is(err, apperr.InsufficientFunds) holds for every insufficient funds
// error regardless of which package produced it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	InvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	InsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	Unauthorized           = &Error{Kind: KindUnauthorized}
	InvalidDeliveryCode    = &Error{Kind: KindInvalidDeliveryCode}
	DuplicateRequest       = &Error{Kind: KindDuplicateRequest}
	ReconciliationMismatch = &Error{Kind: KindReconciliationMismatch}
	NotFound               = &Error{Kind: KindNotFound}
	Validation             = &Error{Kind: KindValidation}
)

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validationf is shorthand for request validation failures.
func Validationf(message string) *Error {
	return New(KindValidation, message)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidStateTransition, KindDuplicateRequest:
		return http.StatusConflict
	case KindInsufficientFunds, KindInvalidDeliveryCode:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as {"error": kind, "message": msg}. Internal errors get a
// generic message.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindInternal || kind == KindReconciliationMismatch {
		kind = KindInternal
		msg = "internal server error"
		_ = c.Error(err)
	}
	c.JSON(HTTPStatus(kind), gin.H{
		"error":   string(kind),
		"message": msg,
	})
}

// BadRequest writes a validation error without constructing an *Error.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   string(KindValidation),
		"message": message,
	})
}
