// Package engerr defines the engine's flat error taxonomy:
// Transient, Fatal, Timeout, Config, Schema, Reconciliation, Risk. Every
// subsystem wraps its failures in one of these kinds so the orchestrator and
// event processor can decide retry/halt/surface behavior uniformly instead
// of via deep per-package error hierarchies.
package engerr

import (
	"errors"
	"fmt"
)

// Kind is one member of the flat error taxonomy.
type Kind string

// Error kinds.
const (
	KindTransient      Kind = "transient"
	KindFatal          Kind = "fatal"
	KindTimeout        Kind = "timeout"
	KindConfig         Kind = "config"
	KindSchema         Kind = "schema"
	KindReconciliation Kind = "reconciliation"
	KindRisk           Kind = "risk"
)

// Error is a taxonomy-tagged error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is/errors.As to reach the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags err with kind, preserving it as the unwrap target.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind == kind
	}
	return false
}

// Transient wraps a retryable broker/read failure.
func Transient(msg string, err error) *Error { return Wrap(KindTransient, msg, err) }

// Fatal wraps a non-retryable broker failure (auth, invalid argument, permission).
func Fatal(msg string, err error) *Error { return Wrap(KindFatal, msg, err) }

// Timeout wraps a context-deadline failure.
func Timeout(msg string, err error) *Error { return Wrap(KindTimeout, msg, err) }

// Config wraps a configuration-load/validation failure.
func Config(msg string, err error) *Error { return Wrap(KindConfig, msg, err) }

// Schema wraps a schema-migration failure.
func Schema(msg string, err error) *Error { return Wrap(KindSchema, msg, err) }

// Reconciliation wraps a startup/runtime reconciliation failure.
func Reconciliation(msg string, err error) *Error { return Wrap(KindReconciliation, msg, err) }

// Risk wraps a hard risk-tier refusal.
func Risk(msg string, err error) *Error { return Wrap(KindRisk, msg, err) }
