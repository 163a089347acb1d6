package recovery

import (
	"errors"
	"fmt"

	"Shardkeep/internal/candidate"
)

// Terminal kinds, matched with errors.Is on a *RecoveryError.
var (
	ErrRecoveryExhausted  = errors.New("recovery exhausted")
	ErrCommitmentMismatch = errors.New("commitment mismatch")
	ErrCanceled           = errors.New("recovery canceled")
	ErrInvalidReceipt     = errors.New("invalid receipt")
)

// Per-request failures. They are absorbed inside a task.
var (
	ErrVerification = errors.New("chunk verification failed")
	ErrTransport    = errors.New("transport failure")
	ErrDeadline     = errors.New("task deadline exceeded")
)

// Kind classifies a terminal recovery failure.
type Kind int

const (
	KindExhausted Kind = iota
	KindCommitmentMismatch
	KindCanceled
	KindInvalidReceipt
)

// sentinel returns the matchable error of a kind.
func (k Kind) sentinel() error {
	switch k {
	case KindCommitmentMismatch:
		return ErrCommitmentMismatch
	case KindCanceled:
		return ErrCanceled
	case KindInvalidReceipt:
		return ErrInvalidReceipt
	default:
		return ErrRecoveryExhausted
	}
}

func (k Kind) String() string {
	return k.sentinel().Error()
}

// RecoveryError is the single terminal error a consumer receives.
type RecoveryError struct {
	Kind   Kind           // Kind is the failure class
	Digest candidate.Hash // Digest identifies the candidate
	Cause  error          // Cause carries detail, may be nil
}

func (e *RecoveryError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("recover %s: %s", e.Digest.Short(), e.Kind)
	}

	return fmt.Sprintf("recover %s: %s: %v", e.Digest.Short(), e.Kind, e.Cause)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is.
func (e *RecoveryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind.sentinel()}
	}

	return []error{e.Kind.sentinel(), e.Cause}
}

// cacheable reports whether the failure may be remembered as a negative result.
func (e *RecoveryError) cacheable() bool {
	switch e.Kind {
	case KindCommitmentMismatch:
		return true
	case KindExhausted:
		return !errors.Is(e.Cause, ErrDeadline)
	default:
		return false
	}
}
