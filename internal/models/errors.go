package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the flat error taxonomy for the pipeline. The source of an
// error determines its kind; the kind determines retry and status behavior.
type ErrorKind string

const (
	// KindRetryable covers network failures, 5xx responses, rate limits
	// and timeouts. Retried at the bus level up to the retry limit.
	KindRetryable ErrorKind = "retryable"
	// KindPoisonMessage covers malformed payloads and unknown types. The
	// message is dead-lettered without failing the step.
	KindPoisonMessage ErrorKind = "poison_message"
	// KindProviderAuth is a credential rejection. Fatal for the step.
	KindProviderAuth ErrorKind = "provider_auth"
	// KindProviderSchema is an unparseable provider response. Fatal for
	// the step.
	KindProviderSchema ErrorKind = "provider_schema"
	// KindModelMismatch is an embedding-model consistency violation.
	KindModelMismatch ErrorKind = "model_mismatch"
	// KindCancelled is cooperative cancellation of a running job.
	KindCancelled ErrorKind = "cancelled"
	// KindTransientDB covers serialization conflicts and deadlocks,
	// retried in-process before surfacing as retryable.
	KindTransientDB ErrorKind = "transient_db"
)

// KindError wraps an underlying error with its pipeline kind.
type KindError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewKindError builds a classified error.
func NewKindError(kind ErrorKind, msg string, err error) *KindError {
	return &KindError{Kind: kind, Msg: msg, Err: err}
}

// Convenience constructors.

func Retryable(msg string, err error) error      { return NewKindError(KindRetryable, msg, err) }
func Poison(msg string, err error) error         { return NewKindError(KindPoisonMessage, msg, err) }
func AuthError(msg string, err error) error      { return NewKindError(KindProviderAuth, msg, err) }
func SchemaError(msg string, err error) error    { return NewKindError(KindProviderSchema, msg, err) }
func ModelMismatch(msg string) error             { return NewKindError(KindModelMismatch, msg, nil) }
func Cancelled(msg string) error                 { return NewKindError(KindCancelled, msg, nil) }
func TransientDB(msg string, err error) error    { return NewKindError(KindTransientDB, msg, err) }

// Classify returns the kind of an error. Unclassified errors and context
// deadline expiry are treated as retryable; the caller chooses whether that
// is nacked or surfaced.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindRetryable
}

// IsFatal reports whether the error kind fails the step immediately with no
// bus-level retry.
func IsFatal(err error) bool {
	switch Classify(err) {
	case KindProviderAuth, KindProviderSchema, KindCancelled:
		return true
	}
	return false
}

// IsRetryable reports whether the error should be nacked for requeue.
func IsRetryable(err error) bool {
	kind := Classify(err)
	return kind == KindRetryable || kind == KindTransientDB
}
