// Package entityerr defines the stable, machine-readable error taxonomy
// shared by every component of the entity platform core.
//
// Every error the platform surfaces to a caller is, or wraps, an *Error
// with one of the Codes below. Components never return bare errors across
// a package boundary when a caller needs to branch on outcome; they wrap
// with entityerr so callers can use errors.As regardless of which engine
// produced the failure.
package entityerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification (spec §7).
type Code string

const (
	CodeValidation         Code = "Validation"
	CodeNotFound           Code = "NotFound"
	CodeUnauthorized       Code = "Unauthorized"
	CodeVersionConflict    Code = "VersionConflict"
	CodeStaleState         Code = "StaleState"
	CodeTerminal           Code = "Terminal"
	CodeRestrictViolation  Code = "RestrictViolation"
	CodeApprovalPending    Code = "ApprovalPending"
	CodeApprovalRejected   Code = "ApprovalRejected"
	CodeApprovalCanceled   Code = "ApprovalCanceled"
	CodeNotPending         Code = "NotPending"
	CodeTimeout            Code = "Timeout"
	CodeInternal           Code = "Internal"
)

// Error is the structured error carried across every component boundary.
type Error struct {
	Code          Code
	Message       string
	FieldPath     string // populated for Validation errors
	RuleID        string // populated when a specific rule/policy matched
	CorrelationID string
	// Details carries structured payload for errors a caller needs to
	// render beyond Message, e.g. the RestrictViolation entity/count list.
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.FieldPath)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, entityerr.NotFound) match regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds a new *Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a new *Error that unwraps to cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithField attaches a field path (for Validation errors) and returns e.
func (e *Error) WithField(path string) *Error {
	e.FieldPath = path
	return e
}

// WithRule attaches the matched rule/policy id and returns e.
func (e *Error) WithRule(ruleID string) *Error {
	e.RuleID = ruleID
	return e
}

// WithCorrelation attaches a correlation id and returns e.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithDetails attaches a structured detail payload and returns e.
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// Sentinel values usable directly with errors.Is for the common, argument-less cases.
var (
	NotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	Unauthorized    = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	VersionConflict = &Error{Code: CodeVersionConflict, Message: "version conflict"}
	StaleState      = &Error{Code: CodeStaleState, Message: "stale lifecycle state"}
	Terminal        = &Error{Code: CodeTerminal, Message: "entity is in a terminal state"}
	NotPending      = &Error{Code: CodeNotPending, Message: "decision on a non-pending task"}
	Timeout         = &Error{Code: CodeTimeout, Message: "deadline exceeded"}
)

// CodeOf extracts the Code from err, defaulting to CodeInternal when err is
// not (and does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
