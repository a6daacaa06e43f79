package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/samsaffron/tau/internal/llm"
)

// ErrBusy is returned by Submit while a turn is still running.
var ErrBusy = errors.New("agent: turn in progress")

// FailureKind classifies how a turn ended when it did not complete.
type FailureKind string

const (
	FailProtocol        FailureKind = "protocol"
	FailTruncated       FailureKind = "truncated"
	FailContextExceeded FailureKind = "context_exceeded"
	FailRetryExhausted  FailureKind = "retry_exhausted"
	FailMaxTurns        FailureKind = "max_turns"
	FailCancelled       FailureKind = "cancelled"
)

// TurnError is returned by Wait for turns that failed or were cancelled.
type TurnError struct {
	Kind FailureKind
	Err  error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("turn %s", e.Kind)
	}
	return fmt.Sprintf("turn %s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// KindOf returns the FailureKind of err, or "" if err is not a TurnError.
func KindOf(err error) FailureKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// turnFailure maps a non-retryable provider error to the turn failure kind.
func turnFailure(err error) *TurnError {
	if errors.Is(err, context.Canceled) {
		return &TurnError{Kind: FailCancelled, Err: err}
	}
	switch llm.KindOf(err) {
	case llm.ErrTruncated:
		return &TurnError{Kind: FailTruncated, Err: err}
	case llm.ErrContextExceeded:
		return &TurnError{Kind: FailContextExceeded, Err: err}
	default:
		return &TurnError{Kind: FailProtocol, Err: err}
	}
}
