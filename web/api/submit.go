package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/attest"
	"bounty-zk/pkg/dedup"
	"bounty-zk/pkg/disclosure"
	"bounty-zk/pkg/report"
	"bounty-zk/pkg/submission"
)

// maxBodyBytes covers three report fields at their size limit.
const maxBodyBytes = 3*report.MaxFieldBytes + 4096

type submitRequest struct {
	BugDescription string  `json:"bugDescription"`
	ErrorMessage   string  `json:"errorMessage"`
	CodeSnippet    string  `json:"codeSnippet"`
	BountyID       *uint64 `json:"bountyId,omitempty"`
	HunterAddress  string  `json:"hunterAddress"`
	CompanyAddress string  `json:"companyAddress"`
}

type submitResponse struct {
	AttemptID     string              `json:"attemptId"`
	Proof         *bugproof.Proof     `json:"proof"`
	PublicSignals []string            `json:"publicSignals"`
	CommitmentHex string              `json:"commitmentHex"`
	TxHash        string              `json:"txHash"`
	BlockNumber   uint64              `json:"blockNumber"`
	Indexed       bool                `json:"indexed"`
	IndexPending  bool                `json:"indexPending"`
	Receipt       *attest.Receipt     `json:"receipt,omitempty"`
	Disclosure    *disclosure.Capsule `json:"disclosure,omitempty"`
}

// matchView is what a rejected hunter learns about the earlier
// submission. Report text stays private to the company.
type matchView struct {
	ID          string      `json:"id"`
	Kind        report.Kind `json:"type"`
	BountyID    *uint64     `json:"bountyId,omitempty"`
	TxHash      string      `json:"txHash"`
	SubmittedAt time.Time   `json:"submittedAt"`
	VectorScore float64     `json:"vectorScore"`
	Label       string      `json:"label"`
	Confidence  float64     `json:"confidence"`
	Exact       bool        `json:"exact"`
}

type duplicateResponse struct {
	Error     string      `json:"error"`
	AttemptID string      `json:"attemptId"`
	Matches   []matchView `json:"matches"`
}

func newMatchViews(ms []dedup.Match) []matchView {
	out := make([]matchView, len(ms))
	for i, m := range ms {
		out[i] = matchView{
			ID:          m.Record.ID,
			Kind:        m.Record.Metadata.Kind,
			BountyID:    m.Record.Metadata.BountyID,
			TxHash:      m.Record.Metadata.TxHash,
			SubmittedAt: m.Record.Metadata.SubmittedAt,
			VectorScore: m.VectorScore,
			Label:       m.Classification.Label,
			Confidence:  m.Classification.Confidence,
			Exact:       m.Exact,
		}
	}
	return out
}

func (s *Server) handleSubmitBug(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, false)
}

func (s *Server) handleSubmitUnsolicited(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, true)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, unsolicited bool) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if unsolicited {
		body.BountyID = nil
	}

	req := submission.Request{
		Report: report.BugReport{
			Description:  body.BugDescription,
			ErrorMessage: body.ErrorMessage,
			CodeSnippet:  body.CodeSnippet,
		},
		BountyID:  body.BountyID,
		Submitter: body.HunterAddress,
		Company:   body.CompanyAddress,
	}

	ctx := r.Context()
	if s.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SubmitTimeout)
		defer cancel()
	}

	res, err := s.opts.Submitter.Submit(ctx, req)
	if err != nil {
		s.writeSubmitError(w, res, err)
		return
	}

	if res.IndexErr != nil {
		s.log.WithFields(logrus.Fields{
			"attempt_id":    res.AttemptID,
			"tx_hash":       res.TxHash,
			"index_pending": res.IndexPending,
		}).Warn("submission recorded on-chain without index record")
	}

	var signals []string
	if res.Proof != nil {
		signals = res.Proof.PublicSignals
	}
	s.writeJSON(w, http.StatusOK, submitResponse{
		AttemptID:     res.AttemptID,
		Proof:         res.Proof,
		PublicSignals: signals,
		CommitmentHex: res.Commitment.Hex(),
		TxHash:        res.TxHash,
		BlockNumber:   res.BlockNumber,
		Indexed:       res.IndexErr == nil,
		IndexPending:  res.IndexPending,
		Receipt:       res.Receipt,
		Disclosure:    res.Disclosure,
	})
}

// writeSubmitError maps the coordinator taxonomy to status codes.
// Internal failures get a fixed message; details stay in the log.
func (s *Server) writeSubmitError(w http.ResponseWriter, res *submission.Result, err error) {
	var attemptID string
	if res != nil {
		attemptID = res.AttemptID
	}

	var (
		ve  *submission.ValidationError
		dup *submission.DuplicateError
	)
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field, AttemptID: attemptID})
	case errors.As(err, &dup):
		s.writeJSON(w, http.StatusConflict, duplicateResponse{
			Error:     "a similar report was already submitted to this company",
			AttemptID: attemptID,
			Matches:   newMatchViews(dup.Matches),
		})
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"attempt_id": attemptID,
			"stage":      submission.StageOf(err),
		}).Error("submission failed")
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "submission failed", AttemptID: attemptID})
	}
}
