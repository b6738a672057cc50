// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failure modes that the engine reports to its
// callers. HTTP handlers map each kind to a status code; library callers
// branch on it to decide whether to re-read and retry.
type ErrorKind string

const (
	// ErrNotFound means that a provider, consumer, trait or resource class was
	// referenced by name or UUID but does not exist.
	ErrNotFound ErrorKind = "not found"
	// ErrValidation means that the input was malformed: bad names, non-positive
	// amounts, inconsistent inventory bounds, or bad aggregate sets.
	ErrValidation ErrorKind = "validation error"
	// ErrConcurrentUpdate means that a generation assertion on a provider or
	// consumer failed. The caller must re-read and retry.
	ErrConcurrentUpdate ErrorKind = "concurrent update"
	// ErrCapacityExceeded means that an admissibility or capacity check failed
	// while committing allocations.
	ErrCapacityExceeded ErrorKind = "capacity exceeded"
	// ErrInvariantViolation means that the mutation would corrupt the data
	// model: stranded allocations, a provider tree cycle, or a uniqueness
	// violation.
	ErrInvariantViolation ErrorKind = "invariant violation"
	// ErrInternal means an unexpected store failure.
	ErrInternal ErrorKind = "internal error"
)

// EngineError is the structured error type for all failures with defined
// semantics. It carries the offending identifier and, for generation
// conflicts, the generation that the store currently holds.
type EngineError struct {
	Kind    ErrorKind
	Subject string // the offending name or UUID, e.g. `resource provider "4fca...")`
	Message string
	// CurrentGeneration is only set for ErrConcurrentUpdate on providers and
	// consumers that exist.
	CurrentGeneration *int32
	cause             error
}

// Error implements the builtin/error interface.
func (e EngineError) Error() string {
	msg := string(e.Kind)
	if e.Subject != "" {
		msg += ": " + e.Subject
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.CurrentGeneration != nil {
		msg += fmt.Sprintf(" (current generation is %d)", *e.CurrentGeneration)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap implements the interface used by errors.Unwrap().
func (e EngineError) Unwrap() error {
	return e.cause
}

// KindOf returns the ErrorKind of this error, or ErrInternal if the error is
// not an EngineError.
func KindOf(err error) ErrorKind {
	var ee EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrInternal
}

// IsKind checks whether the error is an EngineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee EngineError
	return errors.As(err, &ee) && ee.Kind == kind
}

// NotFoundError builds an ErrNotFound for the given subject, e.g.
// NotFoundError("resource provider", uuid).
func NotFoundError(what, identifier string) error {
	return EngineError{Kind: ErrNotFound, Subject: fmt.Sprintf("%s %q", what, identifier)}
}

// ValidationError builds an ErrValidation with a printf-style message.
func ValidationError(msg string, args ...any) error {
	return EngineError{Kind: ErrValidation, Message: fmt.Sprintf(msg, args...)}
}

// ConcurrentUpdateError builds an ErrConcurrentUpdate for the given subject.
// For subjects that exist, currentGeneration reports the generation that the
// caller needs to re-read.
func ConcurrentUpdateError(what, identifier string, currentGeneration *int32) error {
	return EngineError{
		Kind:              ErrConcurrentUpdate,
		Subject:           fmt.Sprintf("%s %q", what, identifier),
		Message:           "generation mismatch",
		CurrentGeneration: currentGeneration,
	}
}

// CapacityExceededError builds an ErrCapacityExceeded with a printf-style message.
func CapacityExceededError(msg string, args ...any) error {
	return EngineError{Kind: ErrCapacityExceeded, Message: fmt.Sprintf(msg, args...)}
}

// InvariantViolationError builds an ErrInvariantViolation with a printf-style message.
func InvariantViolationError(msg string, args ...any) error {
	return EngineError{Kind: ErrInvariantViolation, Message: fmt.Sprintf(msg, args...)}
}
