// Package ledger is the client of the on-chain BugBounty contract.
//
// Writes are split into three steps so that retries can never produce a
// second transaction: Prepare signs a transaction once with a fixed
// nonce, Broadcast may be repeated for the same signed transaction, and
// WaitConfirmed polls for its receipt.
package ledger

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Call is a contract method invocation.
type Call struct {
	Method string
	Args   []any
	// Value is the wei attached to payable calls.
	Value *big.Int
}

// PendingTx is a signed transaction that may or may not have been
// broadcast yet.
type PendingTx struct {
	Method string
	Nonce  uint64
	Hash   common.Hash
	Tx     *types.Transaction
}

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Writer performs contract writes.
type Writer interface {
	Prepare(ctx context.Context, call Call) (*PendingTx, error)
	Broadcast(ctx context.Context, tx *PendingTx) error
	WaitConfirmed(ctx context.Context, tx *PendingTx) (*Receipt, error)
}

// Reader performs contract reads.
type Reader interface {
	GetBounty(ctx context.Context, id uint64) (*Bounty, error)
	GetSubmissions(ctx context.Context, bountyID uint64) ([]Submission, error)
	GetUnsolicitedBug(ctx context.Context, bugID uint64) (*UnsolicitedBug, error)
	GetAllBounties(ctx context.Context) ([]Bounty, error)
	GetAllUnsolicitedBugs(ctx context.Context) ([]UnsolicitedBug, error)
	GetReputation(ctx context.Context, researcher common.Address) (*Reputation, error)
}

// Ledger is the full contract client.
type Ledger interface {
	Reader
	Writer
}

// Bounty is the on-chain bounty record.
type Bounty struct {
	ID          uint64         `json:"id"`
	Creator     common.Address `json:"creator"`
	Reward      *big.Int       `json:"reward"`
	Deadline    uint64         `json:"deadline"`
	IsOpen      bool           `json:"isOpen"`
	AssignedDAO common.Address `json:"assignedDAO"`
}

// Submission is one entry of a bounty's submission list.
type Submission struct {
	Index          int            `json:"index"`
	BountyID       uint64         `json:"bountyId"`
	SubmissionHash string         `json:"submissionHash"`
	Researcher     common.Address `json:"researcher"`
	IsApproved     bool           `json:"isApproved"`
	IsRejected     bool           `json:"isRejected"`
}

// UnsolicitedBug is an unsolicited report recorded on-chain.
type UnsolicitedBug struct {
	TokenID        uint64         `json:"tokenId"`
	SubmissionHash string         `json:"submissionHash"`
	Researcher     common.Address `json:"researcher"`
	Company        common.Address `json:"company"`
	IsApproved     bool           `json:"isApproved"`
	IsRejected     bool           `json:"isRejected"`
}

// Reputation is a researcher's ReputationNFT standing. Researchers
// without a token have HasNFT false and zero values elsewhere.
type Reputation struct {
	Researcher common.Address `json:"researcher"`
	HasNFT     bool           `json:"hasNFT"`
	TokenID    uint64         `json:"tokenId"`
	Level      uint64         `json:"reputation"`
	Staked     bool           `json:"isStaked"`
}

// Ledger errors
var (
	// ErrReverted means the transaction was mined with status 0 or the
	// node rejected it during estimation. It is terminal.
	ErrReverted = errors.New("transaction reverted")

	// ErrTransient marks RPC failures worth retrying.
	ErrTransient = errors.New("transient ledger error")

	// ErrConfirmTimeout means no receipt appeared within the confirmation
	// window. The transaction may still be mined later.
	ErrConfirmTimeout = errors.New("transaction not confirmed in time")

	// ErrNonceConsumed means the node already holds a transaction with
	// this nonce. If the transaction was handed over before, it is most
	// likely ours and already mined or pending.
	ErrNonceConsumed = errors.New("nonce already used")

	// ErrNoReputation means no ReputationNFT contract is configured.
	ErrNoReputation = errors.New("reputation contract not configured")
)

// IsTransient reports whether err is a network or node availability
// failure that may succeed on retry. Reverts are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrReverted) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection reset", "connection refused", "too many requests", "temporarily unavailable", "header not found"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isRevert reports whether a node error describes EVM execution failure.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// isNonceConsumed reports whether a send failed because the nonce is
// taken, either by a mined transaction or by one in the mempool.
func isNonceConsumed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already imported")
}

// isAlreadyKnown reports whether the node already holds this transaction.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
