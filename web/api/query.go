package api

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"bounty-zk/pkg/approval"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/report"
)

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	c, err := report.ParseCommitment(vars["commitment"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid commitment")
		return
	}

	rec, ok, err := index.FetchByID(r.Context(), s.opts.Index, vars["company"], c.Hex())
	if err != nil {
		s.log.WithError(err).Error("index fetch failed")
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListUnsolicited(w http.ResponseWriter, r *http.Request) {
	company := mux.Vars(r)["company"]

	recs, err := s.opts.Index.List(r.Context(), index.Filter{Company: company, Kind: report.KindUnsolicited})
	if err != nil {
		s.log.WithError(err).Error("index list failed")
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if recs == nil {
		recs = []report.EmbeddingRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"company": index.Namespace(company),
		"bugs":    recs,
	})
}

func pathUint(r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	return v, err == nil
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	b, err := s.opts.Ledger.GetBounty(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("bounty", id).Error("getBounty failed")
		s.writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetBountySubmissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(r, "id")
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	subs, err := s.opts.Ledger.GetSubmissions(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("bounty", id).Error("getSubmissions failed")
		s.writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bountyId": id, "submissions": subs})
}

func (s *Server) handleListBounties(w http.ResponseWriter, r *http.Request) {
	bounties, err := s.opts.Ledger.GetAllBounties(r.Context())
	if err != nil {
		s.log.WithError(err).Error("getAllBounties failed")
		s.writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	if bounties == nil {
		bounties = []ledger.Bounty{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bounties": bounties})
}

func (s *Server) handleListAllUnsolicited(w http.ResponseWriter, r *http.Request) {
	bugs, err := s.opts.Ledger.GetAllUnsolicitedBugs(r.Context())
	if err != nil {
		s.log.WithError(err).Error("getAllUnsolicitedBugs failed")
		s.writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	if bugs == nil {
		bugs = []ledger.UnsolicitedBug{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bugs": bugs})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addr) {
		s.writeError(w, http.StatusBadRequest, "invalid researcher address")
		return
	}

	rep, err := s.opts.Ledger.GetReputation(r.Context(), common.HexToAddress(addr))
	switch {
	case errors.Is(err, ledger.ErrNoReputation):
		s.writeError(w, http.StatusNotImplemented, "reputation is not configured")
	case err != nil:
		s.log.WithError(err).WithField("researcher", addr).Error("reputation read failed")
		s.writeError(w, http.StatusBadGateway, "ledger unavailable")
	default:
		s.writeJSON(w, http.StatusOK, rep)
	}
}

type decideRequest struct {
	CompanyAddress string `json:"companyAddress"`
	// RewardWei is a decimal string, used when approving unsolicited bugs.
	RewardWei string `json:"rewardWei"`
}

func (s *Server) decodeDecision(w http.ResponseWriter, r *http.Request) (decideRequest, bool) {
	var body decideRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return body, false
	}
	return body, true
}

func (s *Server) handleDecideBounty(w http.ResponseWriter, r *http.Request) {
	id, _ := pathUint(r, "id")
	n, _ := pathUint(r, "index")
	approve := mux.Vars(r)["action"] == "approve"

	body, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	if body.CompanyAddress == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "companyAddress is required", Field: "companyAddress"})
		return
	}

	d, err := s.opts.Decider.DecideBounty(r.Context(), body.CompanyAddress, id, n, approve)
	s.writeDecision(w, d, err)
}

func (s *Server) handleDecideUnsolicited(w http.ResponseWriter, r *http.Request) {
	id, _ := pathUint(r, "id")
	approve := mux.Vars(r)["action"] == "approve"

	body, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}

	var reward *big.Int
	if body.RewardWei != "" {
		v, ok := new(big.Int).SetString(body.RewardWei, 10)
		if !ok {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "rewardWei must be a decimal integer", Field: "rewardWei"})
			return
		}
		reward = v
	}

	d, err := s.opts.Decider.DecideUnsolicited(r.Context(), id, approve, reward)
	s.writeDecision(w, d, err)
}

func (s *Server) writeDecision(w http.ResponseWriter, d *approval.Decision, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, d)
	case errors.Is(err, approval.ErrNoSuchSubmission):
		s.writeError(w, http.StatusNotFound, "submission not found")
	case errors.Is(err, approval.ErrAlreadyDecided):
		s.writeError(w, http.StatusConflict, "submission already decided")
	case errors.Is(err, approval.ErrBadReward):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: "rewardWei"})
	default:
		s.log.WithError(err).Error("decision failed")
		s.writeError(w, http.StatusInternalServerError, "decision failed")
	}
}
