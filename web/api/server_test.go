package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/approval"
	"bounty-zk/pkg/dedup"
	"bounty-zk/pkg/embed"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/metrics"
	"bounty-zk/pkg/report"
	"bounty-zk/pkg/submission"
)

const company = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"

var npe = report.BugReport{
	Description:  "Null pointer deref",
	ErrorMessage: "NPE at line 5",
	CodeSnippet:  "foo.bar()",
}

type fakeSubmitter struct {
	res  *submission.Result
	err  error
	last submission.Request
}

func (f *fakeSubmitter) Submit(ctx context.Context, req submission.Request) (*submission.Result, error) {
	f.last = req
	return f.res, f.err
}

type fakeDecider struct {
	err     error
	company string
	reward  *big.Int
	approve bool
}

func (f *fakeDecider) DecideBounty(ctx context.Context, company string, bountyID, n uint64, approve bool) (*approval.Decision, error) {
	f.company, f.approve = company, approve
	if f.err != nil {
		return nil, f.err
	}
	return &approval.Decision{Company: company, State: report.Approved, TxHash: "0x01"}, nil
}

func (f *fakeDecider) DecideUnsolicited(ctx context.Context, bugID uint64, approve bool, reward *big.Int) (*approval.Decision, error) {
	f.reward, f.approve = reward, approve
	if f.err != nil {
		return nil, f.err
	}
	return &approval.Decision{State: report.Rejected, TxHash: "0x02"}, nil
}

type fakeReader struct{ err error }

func (f fakeReader) GetBounty(ctx context.Context, id uint64) (*ledger.Bounty, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Bounty{ID: id, Reward: big.NewInt(5), IsOpen: true}, nil
}

func (f fakeReader) GetSubmissions(ctx context.Context, id uint64) ([]ledger.Submission, error) {
	return []ledger.Submission{{BountyID: id, SubmissionHash: "abc"}}, f.err
}

func (f fakeReader) GetUnsolicitedBug(ctx context.Context, id uint64) (*ledger.UnsolicitedBug, error) {
	return nil, f.err
}

func (f fakeReader) GetAllBounties(ctx context.Context) ([]ledger.Bounty, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []ledger.Bounty{{ID: 1, Reward: big.NewInt(5), IsOpen: true}, {ID: 2, Reward: big.NewInt(9)}}, nil
}

func (f fakeReader) GetAllUnsolicitedBugs(ctx context.Context) ([]ledger.UnsolicitedBug, error) {
	return nil, f.err
}

func (f fakeReader) GetReputation(ctx context.Context, researcher common.Address) (*ledger.Reputation, error) {
	if f.err != nil {
		return nil, f.err
	}
	if researcher == (common.Address{}) {
		return nil, ledger.ErrNoReputation
	}
	return &ledger.Reputation{Researcher: researcher, HasNFT: true, TokenID: 4, Level: 120}, nil
}

type fixture struct {
	sub     *fakeSubmitter
	dec     *fakeDecider
	idx     *index.MemoryIndex
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()

	f := &fixture{
		sub: &fakeSubmitter{},
		dec: &fakeDecider{},
		idx: index.NewMemoryIndex(2),
	}
	srv := NewServer(Options{
		Submitter: f.sub,
		Decider:   f.dec,
		Ledger:    fakeReader{},
		Index:     f.idx,
		Circuit:   CircuitInfo{ID: "0123456789abcdef", VKHash: "ff"},
		Metrics:   metrics.New(reg),
		Gatherer:  reg,
	}, logrus.NewEntry(logger))
	f.handler = srv.Router()
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func submitBody(bounty *uint64) submitRequest {
	return submitRequest{
		BugDescription: npe.Description,
		ErrorMessage:   npe.ErrorMessage,
		CodeSnippet:    npe.CodeSnippet,
		BountyID:       bounty,
		HunterAddress:  "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		CompanyAddress: company,
	}
}

func TestSubmitOK(t *testing.T) {
	f := newFixture(t)
	c := report.Commit(npe)
	f.sub.res = &submission.Result{
		AttemptID:  "attempt-1",
		Commitment: c,
		Proof: &bugproof.Proof{
			Protocol:      "groth16",
			Curve:         "bn128",
			PublicSignals: []string{bugproof.PublicSignal(c).String()},
		},
		TxHash:      "0xabc",
		BlockNumber: 12,
		State:       submission.StateDone,
	}

	id := uint64(4)
	rec := f.do("POST", "/api/v1/submit-bug", submitBody(&id))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, c.Hex(), got["commitmentHex"])
	assert.Len(t, got["commitmentHex"], 64)
	assert.Equal(t, "0xabc", got["txHash"])
	assert.Equal(t, false, got["indexPending"])
	assert.Equal(t, true, got["indexed"])
	assert.Len(t, got["publicSignals"], 1)
	assert.Contains(t, got["proof"], "pi_a")

	assert.Equal(t, npe, f.sub.last.Report)
	require.NotNil(t, f.sub.last.BountyID)
	assert.Equal(t, uint64(4), *f.sub.last.BountyID)
}

func TestSubmitUnsolicitedDropsBounty(t *testing.T) {
	f := newFixture(t)
	f.sub.res = &submission.Result{
		State:        submission.StateDone,
		IndexPending: true,
		IndexErr:     &submission.IndexPersistenceError{ID: "x", Err: errors.New("redis down")},
	}

	id := uint64(4)
	rec := f.do("POST", "/api/v1/submit-unsolicited-bug", submitBody(&id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.sub.last.BountyID)
	assert.Contains(t, rec.Body.String(), `"indexPending":true`)
	assert.Contains(t, rec.Body.String(), `"indexed":false`)
}

func TestSubmitErrors(t *testing.T) {
	existing := report.EmbeddingRecord{
		ID: report.Commit(npe).Hex(),
		Metadata: report.Metadata{
			Kind:        report.KindBounty,
			TxHash:      "0xfirst",
			Report:      "secret text of the first hunter",
			SubmittedAt: time.Now().UTC(),
		},
	}

	tests := []struct {
		name     string
		err      error
		wantCode int
		want     string
		hidden   string
	}{
		{
			name:     "validation",
			err:      &submission.ValidationError{Field: "hunterAddress", Reason: "is required"},
			wantCode: http.StatusBadRequest,
			want:     `"field":"hunterAddress"`,
		},
		{
			name: "duplicate",
			err: &submission.DuplicateError{Matches: []dedup.Match{{
				Record:         existing,
				VectorScore:    0.97,
				Classification: embed.Classification{Label: embed.LabelSimilar, Confidence: 0.9},
			}}},
			wantCode: http.StatusConflict,
			want:     `"txHash":"0xfirst"`,
			hidden:   "secret text",
		},
		{
			name:     "proof",
			err:      &submission.ProofGenerationError{Err: errors.New("constraint #12 not satisfied: witness limb overflow")},
			wantCode: http.StatusInternalServerError,
			want:     `"error":"submission failed"`,
			hidden:   "constraint",
		},
		{
			name:     "chain",
			err:      &submission.ChainSubmissionError{Err: ledger.ErrReverted, TxHash: "0xdead"},
			wantCode: http.StatusInternalServerError,
			want:     `"error":"submission failed"`,
			hidden:   "reverted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sub.res = &submission.Result{AttemptID: "attempt-9"}
			f.sub.err = tt.err

			rec := f.do("POST", "/api/v1/submit-bug", submitBody(nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
			assert.Contains(t, rec.Body.String(), "attempt-9")
			if tt.hidden != "" {
				assert.NotContains(t, rec.Body.String(), tt.hidden)
			}
		})
	}
}

func TestSubmitBadJSON(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", "/api/v1/submit-bug", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSubmission(t *testing.T) {
	f := newFixture(t)
	c := report.Commit(npe)
	require.NoError(t, f.idx.Upsert(context.Background(), report.EmbeddingRecord{
		ID:       c.Hex(),
		Vector:   []float32{1, 0},
		Metadata: report.Metadata{Company: company, Commitment: c.Hex(), TxHash: "0xabc"},
	}))

	rec := f.do("GET", "/api/v1/submissions/"+strings.ToLower(company)+"/0x"+c.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"txHash":"0xabc"`)

	rec = f.do("GET", "/api/v1/submissions/"+company+"/"+report.Commit(report.BugReport{Description: "x"}).Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do("GET", "/api/v1/submissions/"+company+"/zz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListUnsolicited(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.idx.Upsert(context.Background(),
		report.EmbeddingRecord{ID: "a", Vector: []float32{1, 0}, Metadata: report.Metadata{Company: company, Kind: report.KindUnsolicited}},
		report.EmbeddingRecord{ID: "b", Vector: []float32{1, 0}, Metadata: report.Metadata{Company: company, Kind: report.KindBounty}},
	))

	rec := f.do("GET", "/api/v1/companies/"+company+"/unsolicited", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Company string                   `json:"company"`
		Bugs    []report.EmbeddingRecord `json:"bugs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, company, got.Company)
	require.Len(t, got.Bugs, 1)
	assert.Equal(t, "a", got.Bugs[0].ID)

	rec = f.do("GET", "/api/v1/companies/0x0000000000000000000000000000000000000001/unsolicited", nil)
	assert.Contains(t, rec.Body.String(), `"bugs":[]`)
}

func TestLedgerReads(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/api/v1/bounties/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":7`)

	rec = f.do("GET", "/api/v1/bounties/7/submissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"submissionHash":"abc"`)

	rec = f.do("GET", "/api/v1/bounties/abc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do("GET", "/api/v1/bounties", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Bounties []ledger.Bounty `json:"bounties"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Bounties, 2)
	assert.Equal(t, uint64(2), list.Bounties[1].ID)

	rec = f.do("GET", "/api/v1/unsolicited", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bugs":[]`)
}

func TestReputation(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/api/v1/researchers/"+company+"/reputation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reputation":120`)
	assert.Contains(t, rec.Body.String(), `"hasNFT":true`)

	rec = f.do("GET", "/api/v1/researchers/alice/reputation", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do("GET", "/api/v1/researchers/0x0000000000000000000000000000000000000000/reputation", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDecisions(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/api/v1/bounties/1/submissions/0/approve", map[string]string{"companyAddress": company})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.dec.approve)
	assert.Equal(t, company, f.dec.company)

	rec = f.do("POST", "/api/v1/bounties/1/submissions/0/reject", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do("POST", "/api/v1/unsolicited/3/approve", map[string]string{"rewardWei": "1000000000000000000"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000000000000000000", f.dec.reward.String())

	rec = f.do("POST", "/api/v1/unsolicited/3/approve", map[string]string{"rewardWei": "1e18"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do("POST", "/api/v1/unsolicited/3/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.dec.approve)

	f.dec.err = approval.ErrAlreadyDecided
	rec = f.do("POST", "/api/v1/unsolicited/3/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.dec.err = approval.ErrNoSuchSubmission
	rec = f.do("POST", "/api/v1/unsolicited/3/reject", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.dec.err = &submission.ChainSubmissionError{Err: ledger.ErrReverted}
	rec = f.do("POST", "/api/v1/unsolicited/3/reject", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "reverted")

	rec = f.do("POST", "/api/v1/unsolicited/3/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCircuitMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/v1/circuit", nil)
	assert.Contains(t, rec.Body.String(), `"circuitId":"0123456789abcdef"`)

	rec = f.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bountyzk_http_request_duration_seconds")
	assert.Contains(t, rec.Body.String(), `route="/api/v1/circuit"`)

	req := httptest.NewRequest("OPTIONS", "/api/v1/submit-bug", nil)
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	assert.Equal(t, "*", out.Header().Get("Access-Control-Allow-Origin"))
}

func TestLedgerUnavailable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv := NewServer(Options{Ledger: fakeReader{err: errors.New("dial tcp: i/o timeout")}, Index: index.NewMemoryIndex(2)}, logrus.NewEntry(logger))

	for _, path := range []string{"/api/v1/bounties/1", "/api/v1/bounties", "/api/v1/unsolicited", "/api/v1/researchers/" + company + "/reputation"} {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "timeout", path)
	}
}
