// Package approval records company decisions on submissions. The ledger
// is authoritative; the index copy of the approval state is mirrored
// after confirmation.
package approval

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/report"
	"bounty-zk/pkg/submission"
)

// Errors
var (
	ErrNoSuchSubmission = errors.New("no such submission")
	ErrAlreadyDecided   = errors.New("submission already decided")
	ErrBadReward        = errors.New("reward must not be negative")
)

// Decision is the outcome of an approve or reject action.
type Decision struct {
	Company       string               `json:"company"`
	Commitment    string               `json:"commitment"`
	State         report.ApprovalState `json:"approvalState"`
	TxHash        string               `json:"txHash"`
	BlockNumber   uint64               `json:"blockNumber"`
	MirrorPending bool                 `json:"indexPending"`
}

// Service is safe for concurrent use.
type Service struct {
	ledger  ledger.Ledger
	index   index.Index
	retrier *submission.IndexRetrier
	retry   ledger.RetryPolicy
	now     func() time.Time
	log     *logrus.Entry
}

// New builds a Service.
func New(l ledger.Ledger, idx index.Index, retrier *submission.IndexRetrier, retry ledger.RetryPolicy, log *logrus.Entry) *Service {
	return &Service{
		ledger:  l,
		index:   idx,
		retrier: retrier,
		retry:   retry,
		now:     time.Now,
		log:     log.WithField("component", "approval"),
	}
}

// DecideBounty approves or rejects submission number n of a bounty.
// company is the namespace the submission was indexed under; a
// submission not indexed there is ErrNoSuchSubmission and nothing is
// sent to the chain.
func (s *Service) DecideBounty(ctx context.Context, company string, bountyID, n uint64, approve bool) (*Decision, error) {
	subs, err := s.ledger.GetSubmissions(ctx, bountyID)
	if err != nil {
		return nil, fmt.Errorf("read submissions of bounty %d: %w", bountyID, err)
	}
	if n >= uint64(len(subs)) {
		return nil, fmt.Errorf("%w: bounty %d has %d submissions", ErrNoSuchSubmission, bountyID, len(subs))
	}
	sub := subs[n]
	if sub.IsApproved || sub.IsRejected {
		return nil, fmt.Errorf("%w: bounty %d submission %d", ErrAlreadyDecided, bountyID, n)
	}

	_, ok, err := index.FetchByID(ctx, s.index, company, commitmentID(sub.SubmissionHash))
	if err != nil {
		return nil, fmt.Errorf("look up bounty %d submission %d: %w", bountyID, n, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: bounty %d submission %d is not indexed for %s", ErrNoSuchSubmission, bountyID, n, company)
	}

	call := ledger.RejectBug(bountyID, n)
	if approve {
		call = ledger.ApproveBounty(bountyID, n)
	}
	return s.decide(ctx, company, sub.SubmissionHash, call, approve)
}

// DecideUnsolicited approves (paying reward wei) or rejects an
// unsolicited bug.
func (s *Service) DecideUnsolicited(ctx context.Context, bugID uint64, approve bool, reward *big.Int) (*Decision, error) {
	if reward != nil && reward.Sign() < 0 {
		return nil, ErrBadReward
	}

	bug, err := s.ledger.GetUnsolicitedBug(ctx, bugID)
	if err != nil {
		return nil, fmt.Errorf("read unsolicited bug %d: %w", bugID, err)
	}
	if bug.SubmissionHash == "" {
		return nil, fmt.Errorf("%w: unsolicited bug %d", ErrNoSuchSubmission, bugID)
	}
	if bug.IsApproved || bug.IsRejected {
		return nil, fmt.Errorf("%w: unsolicited bug %d", ErrAlreadyDecided, bugID)
	}

	call := ledger.RejectUnsolicitedBug(bugID)
	if approve {
		if reward == nil {
			reward = new(big.Int)
		}
		call = ledger.ApproveUnsolicitedBug(bugID, reward)
	}
	return s.decide(ctx, bug.Company.Hex(), bug.SubmissionHash, call, approve)
}

func (s *Service) decide(ctx context.Context, company, hash string, call ledger.Call, approve bool) (*Decision, error) {
	state := report.Rejected
	if approve {
		state = report.Approved
	}
	id := commitmentID(hash)
	log := s.log.WithFields(logrus.Fields{
		"company":    company,
		"commitment": id,
		"decision":   state,
	})

	receipt, tx, err := ledger.Execute(ctx, s.ledger, call, s.retry, log)
	if err != nil {
		cerr := &submission.ChainSubmissionError{Err: err}
		if tx != nil {
			cerr.TxHash = tx.Hash.Hex()
		}
		return nil, cerr
	}

	d := &Decision{
		Company:     index.Namespace(company),
		Commitment:  id,
		State:       state,
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
	}
	log = log.WithField("tx_hash", d.TxHash)
	log.Info("decision confirmed on-chain")

	at := s.now()
	mirror := func(ctx context.Context) error {
		return s.index.SetApproval(ctx, company, id, state, at)
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := mirror(mctx); err != nil {
		log.WithError(err).Warn("approval mirror failed, retrying in background")
		d.MirrorPending = true
		s.retrier.Enqueue(submission.Task{Name: "approval " + id, Do: mirror})
	}
	return d, nil
}

// commitmentID turns an on-chain submission hash into an index id.
func commitmentID(hash string) string {
	return strings.TrimPrefix(strings.ToLower(hash), "0x")
}
