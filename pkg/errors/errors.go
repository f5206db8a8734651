// Package errors provides the structured error type shared by the loader,
// storage, delivery and HTTP layers. The analytics core never returns errors.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Request and service level sentinels.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
)

// Domain sentinels.
var (
	ErrInvalidUtterance   = errors.New("invalid utterance")
	ErrUnsupportedFormat  = errors.New("unsupported transcript format")
	ErrRuleSource         = errors.New("rule source unreadable")
	ErrReportNotFound     = errors.New("call report not found")
	ErrPublishFailed      = errors.New("report publication failed")
	ErrStorageUnavailable = errors.New("report storage unavailable")
)

// Error wraps a cause with a message, context fields, an optional
// machine-readable code and the file:line that created it.
type Error struct {
	cause   error
	message string
	fields  map[string]interface{}
	file    string
	line    int

	Code string
}

func newError(skip int, cause error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)
	e := &Error{
		cause:   cause,
		message: message,
		fields:  make(map[string]interface{}),
		file:    filepath.Base(file),
		line:    line,
		Code:    code,
	}
	for _, f := range fields {
		for k, v := range f {
			e.fields[k] = v
		}
	}
	return e
}

// New creates an error with no underlying cause.
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(1, errors.New(message), message, "", fields)
}

// Wrap annotates err. Wrap(nil, ...) returns nil.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(1, err, message, "", fields)
}

func (e *Error) Error() string {
	if e == nil || e.cause == nil {
		return ""
	}
	if e.message == "" || e.message == e.cause.Error() {
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Location returns file:line of the call that created the error.
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

// Fields returns the context fields. Callers must not modify the map.
func (e *Error) Fields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// WithField returns a copy of e with one more context field.
func (e *Error) WithField(key string, value interface{}) *Error {
	return e.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a copy of e with fields merged into its context.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.fields = make(map[string]interface{}, len(e.fields)+len(fields))
	for k, v := range e.fields {
		clone.fields[k] = v
	}
	for k, v := range fields {
		clone.fields[k] = v
	}
	return &clone
}

// NewInvalidInput rejects a request or argument.
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInvalidUtterance reports a record that cannot become an utterance.
func NewInvalidUtterance(details string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrInvalidUtterance, "invalid utterance: "+details, "INVALID_UTTERANCE", fields)
}

// NewUnsupportedFormat reports a transcript document that is neither a list
// of utterances nor an object wrapping one.
func NewUnsupportedFormat(details string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrUnsupportedFormat, "unsupported transcript format: "+details, "UNSUPPORTED_FORMAT", fields)
}

// NewReportNotFound reports a call with no stored report.
func NewReportNotFound(callID string, fields ...map[string]interface{}) *Error {
	fields = append(fields, map[string]interface{}{"call_id": callID})
	return newError(1, ErrReportNotFound, "call report not found: "+callID, "REPORT_NOT_FOUND", fields)
}

// NewRateLimited reports a client that spent its request budget.
func NewRateLimited(fields ...map[string]interface{}) *Error {
	return newError(1, ErrRateLimited, "too many requests", "RATE_LIMITED", fields)
}

// IsErrorType reports whether target is anywhere in err's chain.
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
