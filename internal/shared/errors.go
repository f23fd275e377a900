package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates the operation is illegal for the current document status.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientStock indicates a validated decrement would exceed available quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrUnbalancedPosting indicates ledger lines that do not net to zero.
	ErrUnbalancedPosting = errors.New("unbalanced posting")
	// ErrMissingParty indicates a vendor or customer is required but absent.
	ErrMissingParty = errors.New("missing party")
	// ErrSplitMismatch indicates split tenders do not sum to the sale total.
	ErrSplitMismatch = errors.New("split payment mismatch")
)

// OpError decorates an error kind with the document and line it concerns.
type OpError struct {
	Op     string
	Ref    Reference
	Line   int
	Detail string
	Err    error
}

// Error implements error.
func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if !e.Ref.IsZero() {
		b.WriteString(" ")
		b.WriteString(e.Ref.String())
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the error kind for errors.Is.
func (e *OpError) Unwrap() error { return e.Err }

// Fail builds an OpError without line context.
func Fail(op string, ref Reference, kind error, detail string) error {
	return &OpError{Op: op, Ref: ref, Err: kind, Detail: detail}
}

// FailLine builds an OpError for a 1-based line index.
func FailLine(op string, ref Reference, line int, kind error, detail string) error {
	return &OpError{Op: op, Ref: ref, Line: line, Err: kind, Detail: detail}
}

// LineOf returns the offending line carried by err, or zero.
func LineOf(err error) int {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Line
	}
	return 0
}

// Reason maps err to a short label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrUnbalancedPosting):
		return "unbalanced_posting"
	case errors.Is(err, ErrMissingParty):
		return "missing_party"
	case errors.Is(err, ErrSplitMismatch):
		return "split_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLockNotObtained):
		return "lock_not_obtained"
	}
	return "error"
}
