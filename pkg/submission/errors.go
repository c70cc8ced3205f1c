package submission

import (
	"errors"
	"fmt"

	"bounty-zk/pkg/dedup"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/prover"
)

// Stage names the step an error came from.
type Stage string

const (
	StageValidate Stage = "validate"
	StageDedup    Stage = "dedup"
	StageSeal     Stage = "seal"
	StageProve    Stage = "prove"
	StageSubmit   Stage = "submit"
	StageIndex    Stage = "index"
)

// ValidationError means the request was rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid submission: " + e.Reason
	}
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

// DuplicateError means a prior submission to the same company matches.
type DuplicateError struct {
	Matches []dedup.Match
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of %d prior submission(s)", len(e.Matches))
}

// ProofGenerationError wraps a prover failure.
type ProofGenerationError struct {
	Err error
}

func (e *ProofGenerationError) Error() string { return "proof generation failed: " + e.Err.Error() }
func (e *ProofGenerationError) Unwrap() error { return e.Err }

// Fatal reports a key or circuit misconfiguration.
func (e *ProofGenerationError) Fatal() bool {
	return prover.KindOf(e.Err) == prover.KindConfiguration
}

// Retryable reports whether the same request may succeed later.
func (e *ProofGenerationError) Retryable() bool {
	var pe *prover.ProofError
	return errors.As(e.Err, &pe) && pe.Retryable()
}

// ChainSubmissionError wraps a ledger failure. TxHash is set when a
// transaction was signed, in which case it may still be mined.
type ChainSubmissionError struct {
	Err    error
	TxHash string
}

func (e *ChainSubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain submission failed (tx %s): %v", e.TxHash, e.Err)
	}
	return "chain submission failed: " + e.Err.Error()
}

func (e *ChainSubmissionError) Unwrap() error { return e.Err }

// Reverted means the transaction failed on-chain. Resubmitting the same
// request will fail the same way.
func (e *ChainSubmissionError) Reverted() bool {
	return errors.Is(e.Err, ledger.ErrReverted)
}

// Transient means the RPC endpoint was unavailable or confirmation timed out.
func (e *ChainSubmissionError) Transient() bool {
	return ledger.IsTransient(e.Err) || errors.Is(e.Err, ledger.ErrConfirmTimeout)
}

// IndexPersistenceError is reported next to a successful result: the
// submission is on-chain but its index record is still being retried.
type IndexPersistenceError struct {
	ID  string
	Err error
}

func (e *IndexPersistenceError) Error() string {
	return fmt.Sprintf("index write for %s pending: %v", e.ID, e.Err)
}

func (e *IndexPersistenceError) Unwrap() error { return e.Err }

// StageError is any other failure, tagged with its stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage an error from Submit belongs to.
func StageOf(err error) Stage {
	var (
		ve *ValidationError
		de *DuplicateError
		pe *ProofGenerationError
		ce *ChainSubmissionError
		ie *IndexPersistenceError
		se *StageError
	)
	switch {
	case errors.As(err, &ve):
		return StageValidate
	case errors.As(err, &de):
		return StageDedup
	case errors.As(err, &pe):
		return StageProve
	case errors.As(err, &ce):
		return StageSubmit
	case errors.As(err, &ie):
		return StageIndex
	case errors.As(err, &se):
		return se.Stage
	}
	return ""
}
