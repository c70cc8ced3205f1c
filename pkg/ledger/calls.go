package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/report"
)

// SubmitBugWithProof builds the call recording a proved bounty submission.
func SubmitBugWithProof(bountyID uint64, c report.Commitment, p *bugproof.Proof) (Call, error) {
	a, b, cc, input, err := p.SolidityArgs()
	if err != nil {
		return Call{}, fmt.Errorf("encode proof calldata: %w", err)
	}
	return Call{
		Method: "submitBugWithProof",
		Args:   []any{new(big.Int).SetUint64(bountyID), c.Hex(), a, b, cc, input},
	}, nil
}

// ReportUnsolicitedBug builds the call recording an unsolicited report.
func ReportUnsolicitedBug(company common.Address, c report.Commitment) Call {
	return Call{
		Method: "reportUnsolicitedBug",
		Args:   []any{company, c.Hex()},
	}
}

// ApproveBounty approves submission index of a bounty.
func ApproveBounty(bountyID uint64, index uint64) Call {
	return Call{
		Method: "approveBounty",
		Args:   []any{new(big.Int).SetUint64(bountyID), new(big.Int).SetUint64(index)},
	}
}

// RejectBug rejects submission index of a bounty.
func RejectBug(bountyID uint64, index uint64) Call {
	return Call{
		Method: "rejectBug",
		Args:   []any{new(big.Int).SetUint64(bountyID), new(big.Int).SetUint64(index)},
	}
}

// ApproveUnsolicitedBug approves an unsolicited bug and pays reward wei.
func ApproveUnsolicitedBug(bugID uint64, reward *big.Int) Call {
	return Call{
		Method: "approveUnsolicitedBug",
		Args:   []any{new(big.Int).SetUint64(bugID)},
		Value:  reward,
	}
}

// RejectUnsolicitedBug rejects an unsolicited bug.
func RejectUnsolicitedBug(bugID uint64) Call {
	return Call{
		Method: "rejectUnsolicitedBug",
		Args:   []any{new(big.Int).SetUint64(bugID)},
	}
}
