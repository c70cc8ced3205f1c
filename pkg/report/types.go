package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxFieldBytes bounds each report field.
const MaxFieldBytes = 64 << 10

// BugReport is the textual vulnerability report submitted by a hunter.
// It is immutable once hashed.
type BugReport struct {
	Description  string `json:"bugDescription"`
	ErrorMessage string `json:"errorMessage"`
	CodeSnippet  string `json:"codeSnippet"`
}

// Canonical returns the hash preimage: the three fields joined by '\n' in
// fixed order. Other implementations must reproduce these bytes exactly.
func (r BugReport) Canonical() []byte {
	return []byte(r.Text())
}

// Text is the canonical serialization as a string.
func (r BugReport) Text() string {
	return r.Description + "\n" + r.ErrorMessage + "\n" + r.CodeSnippet
}

// Validate rejects reports that should never reach the hasher.
func (r BugReport) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"bugDescription", r.Description},
		{"errorMessage", r.ErrorMessage},
		{"codeSnippet", r.CodeSnippet},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidReport, f.name)
		}
		if len(f.value) > MaxFieldBytes {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidReport, f.name, MaxFieldBytes)
		}
	}
	return nil
}

// ApprovalState is the company decision on a submission as recorded on
// the ledger.
type ApprovalState string

const (
	Pending  ApprovalState = "pending"
	Approved ApprovalState = "approved"
	Rejected ApprovalState = "rejected"
)

// Valid reports whether s is one of the known states.
func (s ApprovalState) Valid() bool {
	switch s {
	case Pending, Approved, Rejected:
		return true
	}
	return false
}

// Kind separates bounty submissions from unsolicited reports.
type Kind string

const (
	KindBounty      Kind = "bounty"
	KindUnsolicited Kind = "unsolicited"
)

// SubmissionRecord is the joint view of one accepted submission. The
// ledger is authoritative for existence and approval; the index for the
// vector and the report text.
type SubmissionRecord struct {
	BountyID         *uint64       `json:"bountyId,omitempty" cbor:"bounty_id,omitempty"`
	Commitment       Commitment    `json:"commitment" cbor:"commitment"`
	SubmitterAddress string        `json:"submitterAddress" cbor:"submitter"`
	Company          string        `json:"companyAddress" cbor:"company"`
	ApprovalState    ApprovalState `json:"approvalState" cbor:"approval_state"`
	EmbeddingVector  []float32     `json:"-" cbor:"-"`
	RawReportText    string        `json:"report,omitempty" cbor:"report,omitempty"`
	CreatedAt        time.Time     `json:"createdAt" cbor:"created_at"`
}

// Kind derives the submission kind from the bounty id.
func (s SubmissionRecord) Kind() Kind {
	if s.BountyID == nil {
		return KindUnsolicited
	}
	return KindBounty
}

// Metadata is the denormalized copy of SubmissionRecord fields stored
// alongside a vector for filtering and display.
type Metadata struct {
	Company       string        `json:"companyWallet" cbor:"company"`
	BountyID      *uint64       `json:"bountyId,omitempty" cbor:"bounty_id,omitempty"`
	Kind          Kind          `json:"type" cbor:"kind"`
	Submitter     string        `json:"hunter" cbor:"submitter"`
	Commitment    string        `json:"submissionHash" cbor:"commitment"`
	Report        string        `json:"report,omitempty" cbor:"report,omitempty"`
	SealedReport  string        `json:"sealedReport,omitempty" cbor:"sealed_report,omitempty"`
	Disclosure    string        `json:"disclosureCapsule,omitempty" cbor:"disclosure,omitempty"`
	DisclosureAt  uint64        `json:"disclosureRound,omitempty" cbor:"disclosure_round,omitempty"`
	TxHash        string        `json:"txHash" cbor:"tx_hash"`
	ApprovalState ApprovalState `json:"approvalState" cbor:"approval_state"`
	SubmittedAt   time.Time     `json:"submittedAt" cbor:"submitted_at"`
	DecidedAt     *time.Time    `json:"decidedAt,omitempty" cbor:"decided_at,omitempty"`
}

// EmbeddingRecord is one entry of the similarity index, keyed by the
// commitment hex within a company namespace.
type EmbeddingRecord struct {
	ID       string    `json:"id" cbor:"id"`
	Vector   []float32 `json:"-" cbor:"vector"`
	Metadata Metadata  `json:"metadata" cbor:"metadata"`
}

// NewEmbeddingRecord builds the index entry for an accepted submission.
func NewEmbeddingRecord(s SubmissionRecord, txHash string) EmbeddingRecord {
	return EmbeddingRecord{
		ID:     s.Commitment.Hex(),
		Vector: s.EmbeddingVector,
		Metadata: Metadata{
			Company:       s.Company,
			BountyID:      s.BountyID,
			Kind:          s.Kind(),
			Submitter:     s.SubmitterAddress,
			Commitment:    s.Commitment.Hex(),
			Report:        s.RawReportText,
			TxHash:        txHash,
			ApprovalState: s.ApprovalState,
			SubmittedAt:   s.CreatedAt,
		},
	}
}

// Validation errors
var (
	ErrInvalidReport   = errors.New("invalid bug report")
	ErrCommitmentWidth = errors.New("commitment must be 32 bytes")
)
