// Package prover runs bug proofs on a bounded worker pool.
//
// The proving key and compiled circuit are loaded once per process and
// shared read-only across all concurrent proofs. Proving is CPU bound and
// runs on its own pool so it cannot starve I/O bound submission stages.
package prover

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/report"
)

// Config controls the proving pool.
type Config struct {
	// Workers bounds concurrent proofs. Each proof holds roughly one
	// proving key worth of scratch memory.
	Workers int

	// Timeout is the maximum time a caller waits for one proof,
	// including time queued for a worker.
	Timeout time.Duration
}

// DefaultConfig returns a Config with 2 workers and a 45 second timeout.
func DefaultConfig() Config {
	return Config{
		Workers: 2,
		Timeout: 45 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("prover: workers must be at least 1, got %d", c.Workers)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("prover: timeout must be positive")
	}
	return nil
}

// Stats is a snapshot of prover counters.
type Stats struct {
	ProofsGenerated int64
	ProofsFailed    int64
	ProofsTimedOut  int64
	InFlight        int64
	TotalProveTime  time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	keys      *bugproof.ProvingKeys
	circuitID string
	cfg       Config
	pool      *semaphore.Weighted
	log       *logrus.Entry

	generated atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	inFlight  atomic.Int64
	proveNs   atomic.Int64
}

// New wraps loaded keys in a Service. Missing keys are a configuration error.
func New(keys *bugproof.ProvingKeys, cfg Config, log *logrus.Entry) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ProofError{Kind: KindConfiguration, Err: err}
	}
	if keys == nil {
		return nil, &ProofError{Kind: KindConfiguration, Err: bugproof.ErrKeysNotReady}
	}

	circuitID, err := bugproof.CircuitID(keys)
	if err != nil {
		return nil, &ProofError{Kind: KindConfiguration, Err: err}
	}

	return &Service{
		keys:      keys,
		circuitID: circuitID,
		cfg:       cfg,
		pool:      semaphore.NewWeighted(int64(cfg.Workers)),
		log:       log.WithField("component", "prover"),
	}, nil
}

// Load reads key files and builds a Service. Any key failure is
// KindConfiguration.
func Load(pkPath, vkPath string, cfg Config, log *logrus.Entry) (*Service, error) {
	keys, err := bugproof.LoadKeys(pkPath, vkPath)
	if err != nil {
		return nil, &ProofError{Kind: KindConfiguration, Err: err}
	}
	return New(keys, cfg, log)
}

// Prove generates a proof for the commitment.
//
// Cancellation and timeout are honoured while queued and while waiting.
// A proof already running on a worker completes in the background and
// keeps its worker slot until it does.
func (s *Service) Prove(ctx context.Context, c report.Commitment) (*bugproof.Proof, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, s.waitError(ctx, c)
	}

	type outcome struct {
		res *bugproof.ProverResult
		err error
	}
	done := make(chan outcome, 1)

	s.inFlight.Add(1)
	go func() {
		res, err := bugproof.Prove(s.keys, &bugproof.WitnessInput{Digest: c[:]})
		s.inFlight.Add(-1)
		s.pool.Release(1)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, s.waitError(ctx, c)
	case out := <-done:
		if out.err != nil {
			s.failed.Add(1)
			kind := KindInternal
			if errors.Is(out.err, bugproof.ErrInputWidth) {
				kind = KindInput
			}
			s.log.WithError(out.err).WithField("commitment", c.Hex()).Error("proof generation failed")
			return nil, &ProofError{Kind: kind, Err: out.err}
		}

		s.generated.Add(1)
		s.proveNs.Add(int64(out.res.ProvingTime))
		s.log.WithFields(logrus.Fields{
			"commitment":  c.Hex(),
			"duration":    out.res.ProvingTime,
			"constraints": out.res.Constraints,
		}).Debug("proof generated")
		return out.res.Proof, nil
	}
}

func (s *Service) waitError(ctx context.Context, c report.Commitment) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.timedOut.Add(1)
		s.log.WithField("commitment", c.Hex()).Warnf("proof timed out after %v", s.cfg.Timeout)
		return &ProofError{Kind: KindTimeout, Err: ctx.Err()}
	}
	return ctx.Err()
}

// ProveBytes validates the digest width before proving. Use it for
// digests that arrive from outside the process.
func (s *Service) ProveBytes(ctx context.Context, digest []byte) (*bugproof.Proof, error) {
	c, err := report.CommitmentFromBytes(digest)
	if err != nil {
		return nil, &ProofError{Kind: KindInput, Err: fmt.Errorf("%w: %v", bugproof.ErrInputWidth, err)}
	}
	return s.Prove(ctx, c)
}

// Verify checks a proof against a commitment with the loaded verifying key.
func (s *Service) Verify(p *bugproof.Proof, c report.Commitment) error {
	return bugproof.Verify(s.keys.VK, p, c)
}

// CircuitID identifies the verifying key in use.
func (s *Service) CircuitID() string {
	return s.circuitID
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		ProofsGenerated: s.generated.Load(),
		ProofsFailed:    s.failed.Load(),
		ProofsTimedOut:  s.timedOut.Load(),
		InFlight:        s.inFlight.Load(),
		TotalProveTime:  time.Duration(s.proveNs.Load()),
	}
}
