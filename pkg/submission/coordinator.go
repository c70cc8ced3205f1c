// Package submission runs one bug report through duplicate detection,
// proof generation, the on-chain write and indexing.
//
// The chain write is the commit point. Failures before it leave nothing
// behind; failures after it are reported as a pending index write next
// to a successful result, because the on-chain record decides who is
// entitled to a reward.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/attest"
	"bounty-zk/pkg/dedup"
	"bounty-zk/pkg/disclosure"
	"bounty-zk/pkg/embed"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/metrics"
	"bounty-zk/pkg/report"
	"bounty-zk/pkg/seal"
)

// Prover generates a proof for a commitment.
type Prover interface {
	Prove(ctx context.Context, c report.Commitment) (*bugproof.Proof, error)
}

// DuplicateChecker runs the duplicate policy.
type DuplicateChecker interface {
	ExactMatch(ctx context.Context, company string, c report.Commitment) (*report.EmbeddingRecord, error)
	Check(ctx context.Context, in dedup.Input) (dedup.Verdict, error)
}

// indexWriteTimeout bounds the in-line index write. Longer outages are
// left to the retrier.
const indexWriteTimeout = 10 * time.Second

// Request is one submission attempt.
type Request struct {
	Report report.BugReport
	// BountyID is nil for unsolicited reports.
	BountyID  *uint64
	Submitter string
	Company   string
}

// Result describes a finished attempt. It is returned for failures too,
// so callers always have the trace.
type Result struct {
	AttemptID    string              `json:"attemptId"`
	Kind         report.Kind         `json:"kind"`
	Commitment   report.Commitment   `json:"commitment"`
	Proof        *bugproof.Proof     `json:"proof,omitempty"`
	TxHash       string              `json:"txHash,omitempty"`
	BlockNumber  uint64              `json:"blockNumber,omitempty"`
	State        State               `json:"state"`
	Trace        []Transition        `json:"trace"`
	Matches      []dedup.Match       `json:"matches,omitempty"`
	IndexPending bool                `json:"indexPending"`
	IndexErr     error               `json:"-"`
	Receipt      *attest.Receipt     `json:"receipt,omitempty"`
	Disclosure   *disclosure.Capsule `json:"disclosure,omitempty"`
}

// Deps are the collaborators of a Coordinator. Sealer, Disclosure and
// Signer are optional.
type Deps struct {
	Embedder embed.Embedder
	Checker  DuplicateChecker
	Prover   Prover
	Ledger   ledger.Writer
	Index    index.Index
	Retrier  *IndexRetrier

	Sealer     *seal.Sealer
	Disclosure *disclosure.Sealer
	Signer     *attest.Signer

	Metrics *metrics.Metrics
	Retry   ledger.RetryPolicy
	Now     func() time.Time
}

// Coordinator is safe for concurrent use. Attempts share no state other
// than the ledger and the index.
type Coordinator struct {
	deps Deps
	log  *logrus.Entry
}

// New validates deps and builds a Coordinator.
func New(deps Deps, log *logrus.Entry) (*Coordinator, error) {
	switch {
	case deps.Embedder == nil:
		return nil, errors.New("submission: embedder is required")
	case deps.Checker == nil:
		return nil, errors.New("submission: duplicate checker is required")
	case deps.Prover == nil:
		return nil, errors.New("submission: prover is required")
	case deps.Ledger == nil:
		return nil, errors.New("submission: ledger is required")
	case deps.Index == nil:
		return nil, errors.New("submission: index is required")
	case deps.Retrier == nil:
		return nil, errors.New("submission: index retrier is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry == (ledger.RetryPolicy{}) {
		deps.Retry = ledger.DefaultRetryPolicy()
	}
	return &Coordinator{deps: deps, log: log.WithField("component", "coordinator")}, nil
}

// Validate checks a request without side effects.
func (r Request) Validate() error {
	if err := r.Report.Validate(); err != nil {
		return &ValidationError{Field: "report", Reason: strings.TrimPrefix(err.Error(), report.ErrInvalidReport.Error()+": ")}
	}
	if strings.TrimSpace(r.Submitter) == "" {
		return &ValidationError{Field: "hunterAddress", Reason: "is required"}
	}
	if strings.TrimSpace(r.Company) == "" {
		return &ValidationError{Field: "companyAddress", Reason: "is required"}
	}
	if r.BountyID == nil && !common.IsHexAddress(r.Company) {
		return &ValidationError{Field: "companyAddress", Reason: "unsolicited reports need a company wallet address"}
	}
	return nil
}

func (r Request) kind() report.Kind {
	if r.BountyID == nil {
		return report.KindUnsolicited
	}
	return report.KindBounty
}

type attempt struct {
	req    Request
	res    *Result
	m      *machine
	log    *logrus.Entry
	text   string
	vector []float32
	sealed string
}

// Submit runs one attempt to completion. The returned Result is never
// nil; err is nil only when Result.State is StateDone.
//
// Cancelling ctx stops the attempt up to the moment its transaction is
// broadcast. After that the attempt waits for confirmation regardless.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Result, error) {
	a := &attempt{
		req: req,
		m:   newMachine(c.deps.Now),
		res: &Result{
			AttemptID: uuid.NewString(),
			Kind:      req.kind(),
			State:     StateReceived,
		},
	}
	a.log = c.log.WithField("attempt_id", a.res.AttemptID)

	err := c.run(ctx, a)

	a.res.State = a.m.state
	a.res.Trace = a.m.trace
	c.deps.Metrics.Submission(string(a.res.Kind), string(a.res.State))

	if err != nil {
		a.log.WithError(err).WithField("stage", StageOf(err)).Warn("submission did not complete")
		return a.res, err
	}
	return a.res, nil
}

func (c *Coordinator) run(ctx context.Context, a *attempt) error {
	if err := a.req.Validate(); err != nil {
		a.m.fail(StageValidate, err.Error())
		return err
	}

	commitment := report.Commit(a.req.Report)
	a.res.Commitment = commitment
	a.text = a.req.Report.Text()
	a.log = a.log.WithField("commitment", commitment.Hex())

	// Received -> DuplicateChecked
	if err := c.checkDuplicate(ctx, a); err != nil {
		return err
	}

	// DuplicateChecked -> Proved
	if c.deps.Sealer != nil {
		sealed, err := c.deps.Sealer.Seal(a.text)
		if err != nil {
			a.m.fail(StageSeal, "sealing failed")
			return &StageError{Stage: StageSeal, Err: err}
		}
		a.sealed = sealed
	}

	start := time.Now()
	proof, err := c.deps.Prover.Prove(ctx, commitment)
	c.deps.Metrics.Stage(string(StageProve), time.Since(start))
	if err != nil {
		a.m.fail(StageProve, "proof generation failed")
		return &ProofGenerationError{Err: err}
	}
	a.res.Proof = proof
	a.m.to(StateProved)

	// Proved -> Submitted
	receipt, err := c.submitOnChain(ctx, a, proof)
	if err != nil {
		return err
	}
	a.res.TxHash = receipt.TxHash.Hex()
	a.res.BlockNumber = receipt.BlockNumber
	a.m.to(StateSubmitted)
	a.log = a.log.WithField("tx_hash", a.res.TxHash)
	a.log.WithField("block", receipt.BlockNumber).Info("submission confirmed on-chain")

	// The chain write is durable; nothing below may fail the attempt.
	detached := context.WithoutCancel(ctx)
	c.sign(a)
	rec := c.buildRecord(detached, a)

	// Submitted -> Indexed
	c.persist(detached, a, rec)
	a.m.to(StateDone)
	return nil
}

func (c *Coordinator) checkDuplicate(ctx context.Context, a *attempt) error {
	start := time.Now()
	defer func() { c.deps.Metrics.Stage(string(StageDedup), time.Since(start)) }()

	var existing *report.EmbeddingRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.deps.Embedder.Embed(gctx, a.text)
		if err != nil {
			return fmt.Errorf("embed report: %w", err)
		}
		a.vector = v
		return nil
	})
	g.Go(func() error {
		rec, err := c.deps.Checker.ExactMatch(gctx, a.req.Company, a.res.Commitment)
		existing = rec
		return err
	})
	if err := g.Wait(); err != nil {
		a.m.fail(StageDedup, "duplicate check unavailable")
		return &StageError{Stage: StageDedup, Err: err}
	}

	verdict, err := c.deps.Checker.Check(ctx, dedup.Input{
		Company:    a.req.Company,
		Commitment: a.res.Commitment,
		Text:       a.text,
		Vector:     a.vector,
		Existing:   existing,
	})
	if err != nil {
		a.m.fail(StageDedup, "duplicate check unavailable")
		return &StageError{Stage: StageDedup, Err: err}
	}
	if verdict.Duplicate {
		a.res.Matches = verdict.Matches
		a.m.move(StateRejected, StageDedup, "duplicate")
		return &DuplicateError{Matches: verdict.Matches}
	}

	a.m.to(StateDuplicateChecked)
	return nil
}

func (c *Coordinator) submitOnChain(ctx context.Context, a *attempt, proof *bugproof.Proof) (*ledger.Receipt, error) {
	var call ledger.Call
	if a.req.BountyID != nil {
		var err error
		call, err = ledger.SubmitBugWithProof(*a.req.BountyID, a.res.Commitment, proof)
		if err != nil {
			a.m.fail(StageSubmit, "proof encoding failed")
			return nil, &ChainSubmissionError{Err: err}
		}
	} else {
		call = ledger.ReportUnsolicitedBug(common.HexToAddress(a.req.Company), a.res.Commitment)
	}

	start := time.Now()
	receipt, tx, err := ledger.Execute(ctx, c.deps.Ledger, call, c.deps.Retry, a.log)
	c.deps.Metrics.Stage(string(StageSubmit), time.Since(start))
	if err != nil {
		cerr := &ChainSubmissionError{Err: err}
		if tx != nil {
			cerr.TxHash = tx.Hash.Hex()
		}
		reason := "chain unavailable"
		if cerr.Reverted() {
			reason = "transaction reverted"
		}
		a.m.fail(StageSubmit, reason)
		return nil, cerr
	}
	return receipt, nil
}

func (c *Coordinator) sign(a *attempt) {
	if c.deps.Signer == nil {
		return
	}
	r, err := c.deps.Signer.Sign(attest.Receipt{
		AttemptID:   a.res.AttemptID,
		Commitment:  a.res.Commitment.Hex(),
		Company:     a.req.Company,
		Submitter:   a.req.Submitter,
		TxHash:      a.res.TxHash,
		BlockNumber: a.res.BlockNumber,
		IssuedAt:    c.deps.Now().Unix(),
	})
	if err != nil {
		a.log.WithError(err).Error("failed to sign receipt")
		return
	}
	a.res.Receipt = &r
}

func (c *Coordinator) buildRecord(ctx context.Context, a *attempt) report.EmbeddingRecord {
	sub := report.SubmissionRecord{
		BountyID:         a.req.BountyID,
		Commitment:       a.res.Commitment,
		SubmitterAddress: a.req.Submitter,
		Company:          index.Namespace(a.req.Company),
		ApprovalState:    report.Pending,
		EmbeddingVector:  a.vector,
		RawReportText:    a.text,
		CreatedAt:        c.deps.Now().UTC(),
	}
	rec := report.NewEmbeddingRecord(sub, a.res.TxHash)

	if a.sealed != "" {
		rec.Metadata.Report = ""
		rec.Metadata.SealedReport = a.sealed
	}

	if c.deps.Disclosure != nil {
		capsule, err := c.deps.Disclosure.Seal(ctx, a.text, c.deps.Now())
		if err != nil {
			a.log.WithError(err).Warn("disclosure capsule not created")
		} else {
			a.res.Disclosure = capsule
			rec.Metadata.Disclosure = capsule.Armored
			rec.Metadata.DisclosureAt = capsule.Round
		}
	}
	return rec
}

func (c *Coordinator) persist(ctx context.Context, a *attempt, rec report.EmbeddingRecord) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, indexWriteTimeout)
	err := c.deps.Index.Upsert(wctx, rec)
	cancel()
	c.deps.Metrics.Stage(string(StageIndex), time.Since(start))

	if err == nil {
		a.m.to(StateIndexed)
		return
	}

	a.res.IndexErr = &IndexPersistenceError{ID: rec.ID, Err: err}

	idx := c.deps.Index
	a.res.IndexPending = c.deps.Retrier.Enqueue(Task{
		Name: "upsert " + rec.ID,
		Do:   func(ctx context.Context) error { return idx.Upsert(ctx, rec) },
	})
	if !a.res.IndexPending {
		a.log.WithError(err).Error("index write failed after chain confirmation and cannot be retried")
		return
	}
	a.log.WithError(err).Warn("index write failed after chain confirmation, retrying in background")
}
