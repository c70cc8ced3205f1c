package prover

import (
	"errors"
	"fmt"
)

// Kind categorizes proof generation failures.
type Kind string

const (
	// KindConfiguration means circuit or key material is missing or
	// malformed. It is fatal to the process.
	KindConfiguration Kind = "configuration"

	// KindInput means the commitment had the wrong width. The caller may
	// retry after correcting it.
	KindInput Kind = "input"

	// KindTimeout means proving exceeded the configured timeout.
	KindTimeout Kind = "timeout"

	// KindInternal covers witness and backend failures.
	KindInternal Kind = "internal"
)

// ProofError is returned by Service for every failed proof.
type ProofError struct {
	Kind Kind
	Err  error
}

func (e *ProofError) Error() string {
	return fmt.Sprintf("proof %s error: %v", e.Kind, e.Err)
}

func (e *ProofError) Unwrap() error { return e.Err }

// Fatal reports whether the error should stop the process.
func (e *ProofError) Fatal() bool {
	return e.Kind == KindConfiguration
}

// Retryable reports whether the caller may try again.
func (e *ProofError) Retryable() bool {
	return e.Kind == KindInput || e.Kind == KindTimeout
}

// KindOf extracts the kind of a proof error, or "" if err is not one.
func KindOf(err error) Kind {
	var pe *ProofError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
