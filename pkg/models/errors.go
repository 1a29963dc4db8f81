package models

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull          = errors.New("queue full")
	ErrUnregisteredTarget = errors.New("target not registered")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrCallTimeout        = errors.New("call timed out")
	ErrHandler            = errors.New("handler failed")
	ErrAggregateFailure   = errors.New("all targets failed")
	ErrAgentExists        = errors.New("agent already registered")
	ErrRateLimited        = errors.New("rate limited")
	ErrCanceled           = errors.New("call canceled")
)

// FailureKind classifies why a call or dispatch failed.
type FailureKind string

const (
	KindQueueFull          FailureKind = "queue_full"
	KindUnregisteredTarget FailureKind = "unregistered_target"
	KindCircuitOpen        FailureKind = "circuit_open"
	KindTimeout            FailureKind = "timeout"
	KindHandlerError       FailureKind = "handler_error"
	KindAggregateFailure   FailureKind = "aggregate_failure"
	KindRateLimited        FailureKind = "rate_limited"
	KindClassifierError    FailureKind = "classifier_error"
	KindCanceled           FailureKind = "canceled"
)

// Sentinel returns the sentinel error matching the kind
func (k FailureKind) Sentinel() error {
	switch k {
	case KindQueueFull:
		return ErrQueueFull
	case KindUnregisteredTarget:
		return ErrUnregisteredTarget
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindTimeout:
		return ErrCallTimeout
	case KindHandlerError:
		return ErrHandler
	case KindAggregateFailure:
		return ErrAggregateFailure
	case KindRateLimited:
		return ErrRateLimited
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// CallError is the typed failure of a send or call against one agent.
// errors.Is matches both the kind sentinel and the wrapped cause.
type CallError struct {
	Kind      FailureKind
	AgentID   string
	MessageID string
	Err       error
}

// NewCallError creates a CallError for the agent
func NewCallError(kind FailureKind, agentID string, cause error) *CallError {
	return &CallError{Kind: kind, AgentID: agentID, Err: cause}
}

func (e *CallError) Error() string {
	msg := string(e.Kind)
	if s := e.Kind.Sentinel(); s != nil {
		msg = s.Error()
	}
	if e.AgentID != "" {
		msg = fmt.Sprintf("%s: %s", e.AgentID, msg)
	}
	if e.Err != nil && !errors.Is(e.Err, e.Kind.Sentinel()) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf extracts the failure kind from err. Errors that are not CallErrors
// are classified through the sentinels, defaulting to a handler error.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for _, k := range []FailureKind{
		KindQueueFull, KindUnregisteredTarget, KindCircuitOpen, KindTimeout,
		KindAggregateFailure, KindRateLimited, KindCanceled,
	} {
		if errors.Is(err, k.Sentinel()) {
			return k
		}
	}
	return KindHandlerError
}

// IsRetryable reports whether the failure is transient from the sender's side
func IsRetryable(err error) bool {
	return KindOf(err) == KindQueueFull
}
