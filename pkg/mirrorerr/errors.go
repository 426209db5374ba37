// Package mirrorerr classifies the failures a mirror instance can report so
// that ingestion tasks and the query transport can decide whether to stop,
// retry or hand the error back to the caller.
package mirrorerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Class represents how an error must be handled.
type Class int

const (
	// ClassInternal is the default for errors nobody classified.
	ClassInternal Class = iota
	// ClassConfig marks a misconfigured task. Fatal, the task must be restarted.
	ClassConfig
	// ClassUnavailable marks a temporary condition. Callers back off and retry.
	ClassUnavailable
	// ClassMismatch marks a request that does not fit the record schema.
	ClassMismatch
	// ClassNotFound marks a key that is not present in the index.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassUnavailable:
		return "unavailable"
	case ClassMismatch:
		return "mismatch"
	case ClassNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var (
	ErrNotInitialized     = errors.New("processor not initialized")
	ErrAlreadyInitialized = errors.New("processor already initialized")
	ErrClosed             = errors.New("processor closed")
	ErrStoreMissing       = errors.New("store not found")
	ErrNotFound           = errors.New("key not found")
	ErrUnavailable        = errors.New("service unavailable")
)

// Error wraps an error with its class and the operation that produced it.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config wraps err as a configuration error.
func Config(op string, err error) error {
	return &Error{Class: ClassConfig, Op: op, Err: err}
}

// Unavailable wraps err as a retryable unavailability.
func Unavailable(op string, err error) error {
	return &Error{Class: ClassUnavailable, Op: op, Err: err}
}

// Mismatch wraps err as a client-visible schema mismatch.
func Mismatch(op string, err error) error {
	return &Error{Class: ClassMismatch, Op: op, Err: err}
}

// NotFound returns a not-found error for key.
func NotFound(key string) error {
	return &Error{Class: ClassNotFound, Op: fmt.Sprintf("get %q", key), Err: ErrNotFound}
}

// ClassOf returns the class of err. Unclassified errors map to ClassInternal,
// except for a few well-known sentinels.
func ClassOf(err error) Class {
	if err == nil {
		return ClassInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ClassUnavailable
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrClosed), errors.Is(err, ErrStoreMissing):
		return ClassConfig
	}
	return ClassInternal
}

// IsRetryable reports whether the caller should back off and try again.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassUnavailable
}

// IsNotFound reports whether err is a missing key.
func IsNotFound(err error) bool {
	return ClassOf(err) == ClassNotFound
}

// HTTPStatus maps err to the status code the query transport responds with.
func HTTPStatus(err error) int {
	switch ClassOf(err) {
	case ClassNotFound:
		return http.StatusNotFound
	case ClassMismatch:
		return http.StatusBadRequest
	case ClassUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
