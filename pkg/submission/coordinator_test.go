package submission

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/attest"
	"bounty-zk/pkg/dedup"
	"bounty-zk/pkg/embed"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/prover"
	"bounty-zk/pkg/report"
	"bounty-zk/pkg/seal"
)

const (
	companyABC = "0xABC"
	companyDEF = "0xDEF"
	hunter     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	wallet     = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	dim        = 4
)

var npe = report.BugReport{
	Description:  "Null pointer deref",
	ErrorMessage: "NPE at line 5",
	CodeSnippet:  "foo.bar()",
}

func testLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

var (
	proverOnce sync.Once
	proverSvc  *prover.Service
	proverErr  error
)

func testProver(t *testing.T) *prover.Service {
	t.Helper()
	proverOnce.Do(func() {
		keys, err := bugproof.Setup()
		if err != nil {
			proverErr = err
			return
		}
		proverSvc, proverErr = prover.New(keys, prover.DefaultConfig(), testLogger())
	})
	require.NoError(t, proverErr)
	return proverSvc
}

// constEmbedder maps every text to the same direction so every stored
// report becomes a candidate and the classifier decides.
type constEmbedder struct{ err error }

func (e constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0, 0}, nil
}

// textClassifier labels an example similar when it shares the first line
// with the new report.
type textClassifier struct{}

func (textClassifier) Classify(ctx context.Context, text string, examples []string) ([]embed.Classification, error) {
	first := func(s string) string { return strings.SplitN(s, "\n", 2)[0] }
	out := make([]embed.Classification, len(examples))
	for i, ex := range examples {
		if first(ex) == first(text) {
			out[i] = embed.Classification{Label: embed.LabelSimilar, Confidence: 0.93}
		} else {
			out[i] = embed.Classification{Label: embed.LabelDifferent, Confidence: 0.97}
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu sync.Mutex

	nonce         uint64
	calls         []ledger.Call
	broadcastErrs []error
	broadcasts    int
	sent          map[common.Hash]int
	waitErr       error
	onPrepare     func()
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{sent: map[common.Hash]int{}}
}

func (f *fakeLedger) Prepare(ctx context.Context, call ledger.Call) (*ledger.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onPrepare != nil {
		f.onPrepare()
	}
	f.nonce++
	f.calls = append(f.calls, call)
	return &ledger.PendingTx{
		Method: call.Method,
		Nonce:  f.nonce,
		Hash:   common.BigToHash(new(big.Int).SetUint64(0xbeef00 + f.nonce)),
	}, nil
}

func (f *fakeLedger) Broadcast(ctx context.Context, tx *ledger.PendingTx) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		return err
	}
	f.sent[tx.Hash]++
	return nil
}

func (f *fakeLedger) WaitConfirmed(ctx context.Context, tx *ledger.PendingTx) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &ledger.Receipt{TxHash: tx.Hash, BlockNumber: 100 + tx.Nonce, GasUsed: 21000}, nil
}

func (f *fakeLedger) prepared() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProver struct {
	err   error
	calls int
}

func (p *fakeProver) Prove(ctx context.Context, c report.Commitment) (*bugproof.Proof, error) {
	p.calls++
	return nil, p.err
}

// flakyIndex fails the first n upserts.
type flakyIndex struct {
	index.Index
	mu       sync.Mutex
	failures int
	upserts  int
}

func (f *flakyIndex) Upsert(ctx context.Context, recs ...report.EmbeddingRecord) error {
	f.mu.Lock()
	f.upserts++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	}
	f.mu.Unlock()
	return f.Index.Upsert(ctx, recs...)
}

type harness struct {
	idx     *index.MemoryIndex
	ledger  *fakeLedger
	retrier *IndexRetrier
	deps    Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	idx := index.NewMemoryIndex(dim)
	checker, err := dedup.NewChecker(idx, textClassifier{}, dedup.DefaultPolicy(), nil, testLogger())
	require.NoError(t, err)

	h := &harness{
		idx:     idx,
		ledger:  newFakeLedger(),
		retrier: NewIndexRetrier(16, time.Millisecond, nil, testLogger()),
	}
	h.deps = Deps{
		Embedder: constEmbedder{},
		Checker:  checker,
		Prover:   testProver(t),
		Ledger:   h.ledger,
		Index:    idx,
		Retrier:  h.retrier,
		Retry: ledger.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxAttempts:     3,
		},
	}
	return h
}

func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(h.deps, testLogger())
	require.NoError(t, err)
	return c
}

func bountyRequest(id uint64, r report.BugReport, company string) Request {
	return Request{Report: r, BountyID: &id, Submitter: hunter, Company: company}
}

func states(tr []Transition) []State {
	out := make([]State, len(tr))
	for i, t := range tr {
		out[i] = t.To
	}
	return out
}

func TestScenarioA(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		kind    report.Kind
		method  string
		company string
	}{
		{
			name:    "bounty",
			req:     bountyRequest(1, npe, companyABC),
			kind:    report.KindBounty,
			method:  "submitBugWithProof",
			company: companyABC,
		},
		{
			name:    "unsolicited",
			req:     Request{Report: npe, Submitter: hunter, Company: wallet},
			kind:    report.KindUnsolicited,
			method:  "reportUnsolicitedBug",
			company: wallet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.coordinator(t)

			res, err := c.Submit(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, StateDone, res.State)
			assert.Equal(t, []State{StateDuplicateChecked, StateProved, StateSubmitted, StateIndexed, StateDone}, states(res.Trace))
			assert.Equal(t, tt.kind, res.Kind)
			assert.NotEmpty(t, res.TxHash)
			assert.Len(t, res.Commitment.Hex(), 64)
			assert.Equal(t, report.Commit(npe), res.Commitment)
			assert.False(t, res.IndexPending)
			assert.Nil(t, res.IndexErr)
			assert.NotEmpty(t, res.AttemptID)

			// Proofs are randomized; only validity is checked
			require.NoError(t, testProver(t).Verify(res.Proof, res.Commitment))

			require.Len(t, h.ledger.calls, 1)
			assert.Equal(t, tt.method, h.ledger.calls[0].Method)
			assert.Equal(t, res.Commitment.Hex(), h.ledger.calls[0].Args[1])

			rec, ok, err := index.FetchByID(context.Background(), h.idx, tt.company, res.Commitment.Hex())
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, res.TxHash, rec.Metadata.TxHash)
			assert.Equal(t, tt.kind, rec.Metadata.Kind)
			assert.Equal(t, report.Pending, rec.Metadata.ApprovalState)
			assert.Equal(t, npe.Text(), rec.Metadata.Report)
		})
	}
}

func TestScenarioB(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)

	first, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.NoError(t, err)

	second, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, StageDedup, StageOf(err))

	assert.Equal(t, StateRejected, second.State)
	assert.Equal(t, []State{StateRejected}, states(second.Trace))
	assert.Empty(t, second.TxHash)
	assert.Nil(t, second.Proof)
	require.Len(t, dup.Matches, 1)
	assert.True(t, dup.Matches[0].Exact)
	assert.Equal(t, first.TxHash, dup.Matches[0].Record.Metadata.TxHash)

	assert.Equal(t, 1, h.ledger.prepared(), "no second chain write")
	assert.Equal(t, 1, h.idx.Len())
}

func TestScenarioC(t *testing.T) {
	h := newHarness(t)
	h.ledger.broadcastErrs = []error{errors.New("read tcp: connection reset by peer")}
	c := h.coordinator(t)

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	assert.Equal(t, 2, h.ledger.broadcasts)
	assert.Equal(t, 1, h.ledger.prepared(), "retry must reuse the signed transaction")
	require.Len(t, h.ledger.sent, 1)
	for hash := range h.ledger.sent {
		assert.Equal(t, hash.Hex(), res.TxHash)
	}
}

func TestSimilarReportIsDuplicate(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)

	_, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.NoError(t, err)

	reworded := npe
	reworded.ErrorMessage = "NullPointerException on line 5"
	_, err = c.Submit(context.Background(), bountyRequest(2, reworded, companyABC))
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.False(t, dup.Matches[0].Exact)
	assert.GreaterOrEqual(t, dup.Matches[0].Classification.Confidence, 0.8)

	// Another company never sees the first report
	res, err := c.Submit(context.Background(), bountyRequest(3, reworded, companyDEF))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	// Unrelated report for the same company passes
	other := report.BugReport{Description: "Reentrancy in withdraw", ErrorMessage: "balance drained", CodeSnippet: "withdraw()"}
	_, err = c.Submit(context.Background(), bountyRequest(1, other, companyABC))
	require.NoError(t, err)
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty description", bountyRequest(1, report.BugReport{ErrorMessage: "e", CodeSnippet: "c"}, companyABC)},
		{"no hunter", Request{Report: npe, BountyID: new(uint64), Company: companyABC}},
		{"no company", Request{Report: npe, BountyID: new(uint64), Submitter: hunter}},
		{"unsolicited without wallet", Request{Report: npe, Submitter: hunter, Company: companyABC}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Submit(context.Background(), tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, StageValidate, res.Trace[0].Stage)
		})
	}
	assert.Zero(t, h.ledger.prepared())
	assert.Zero(t, h.idx.Len())
}

func TestProofFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	p := &fakeProver{err: &prover.ProofError{Kind: prover.KindConfiguration, Err: bugproof.ErrKeysNotReady}}
	h.deps.Prover = p
	c := h.coordinator(t)

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	var pe *ProofGenerationError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Fatal())
	assert.False(t, pe.Retryable())

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StageProve, res.Trace[len(res.Trace)-1].Stage)
	assert.Equal(t, 1, p.calls)
	assert.Zero(t, h.ledger.prepared())
	assert.Zero(t, h.idx.Len())

	p.err = &prover.ProofError{Kind: prover.KindTimeout, Err: context.DeadlineExceeded}
	_, err = c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable())
}

func TestRevertIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.ledger.waitErr = ledger.ErrReverted
	c := h.coordinator(t)

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	var ce *ChainSubmissionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Reverted())
	assert.False(t, ce.Transient())
	assert.NotEmpty(t, ce.TxHash)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "transaction reverted", res.Trace[len(res.Trace)-1].Reason)
	assert.Equal(t, 1, h.ledger.broadcasts, "reverts are not retried")
	assert.Zero(t, h.idx.Len())
}

func TestCancelBeforeBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.ledger.onPrepare = cancel
	h.deps.Prover = proverFunc(func(ctx context.Context, c report.Commitment) (*bugproof.Proof, error) {
		return testProver(t).Prove(context.Background(), c)
	})
	c := h.coordinator(t)

	res, err := c.Submit(ctx, bountyRequest(1, npe, companyABC))
	var ce *ChainSubmissionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, h.ledger.broadcasts)
	assert.Zero(t, h.idx.Len())
}

type proverFunc func(ctx context.Context, c report.Commitment) (*bugproof.Proof, error)

func (f proverFunc) Prove(ctx context.Context, c report.Commitment) (*bugproof.Proof, error) {
	return f(ctx, c)
}

func TestIndexFailureIsPartialSuccess(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyIndex{Index: h.idx, failures: 3}
	h.deps.Index = flaky
	c := h.coordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.retrier.Run(ctx)

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.NoError(t, err, "index failure must not fail the submission")
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.IndexPending)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, []State{StateDuplicateChecked, StateProved, StateSubmitted, StateDone}, states(res.Trace))

	var ie *IndexPersistenceError
	require.ErrorAs(t, res.IndexErr, &ie)
	assert.Equal(t, res.Commitment.Hex(), ie.ID)

	assert.Eventually(t, func() bool {
		return h.idx.Len() == 1 && h.retrier.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	rec, ok, err := index.FetchByID(context.Background(), h.idx, companyABC, res.Commitment.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.TxHash, rec.Metadata.TxHash)
}

func TestIndexFailureWithStoppedRetrier(t *testing.T) {
	h := newHarness(t)
	h.deps.Index = &flakyIndex{Index: h.idx, failures: 1}
	c := h.coordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	go h.retrier.Run(ctx)
	cancel()
	<-h.retrier.Done()

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.IndexPending, "nothing is retrying the write")
	var ie *IndexPersistenceError
	require.ErrorAs(t, res.IndexErr, &ie)
}

func TestUnsolicited(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)

	res, err := c.Submit(context.Background(), Request{Report: npe, Submitter: hunter, Company: strings.ToLower(wallet)})
	require.NoError(t, err)
	assert.Equal(t, report.KindUnsolicited, res.Kind)

	require.Len(t, h.ledger.calls, 1)
	assert.Equal(t, "reportUnsolicitedBug", h.ledger.calls[0].Method)
	assert.Equal(t, common.HexToAddress(wallet), h.ledger.calls[0].Args[0])

	recs, err := h.idx.List(context.Background(), index.Filter{Company: wallet, Kind: report.KindUnsolicited})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, wallet, recs[0].Metadata.Company, "namespace is checksummed")
}

func TestSealAndReceipt(t *testing.T) {
	h := newHarness(t)
	sealer, _, err := seal.Generate()
	require.NoError(t, err)
	signer, err := attest.GenerateSigner()
	require.NoError(t, err)

	checker, err := dedup.NewChecker(h.idx, textClassifier{}, dedup.DefaultPolicy(), sealer.ReportText, testLogger())
	require.NoError(t, err)
	h.deps.Checker = checker
	h.deps.Sealer = sealer
	h.deps.Signer = signer
	c := h.coordinator(t)

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.NoError(t, err)

	require.NotNil(t, res.Receipt)
	require.NoError(t, attest.Verify(*res.Receipt))
	assert.Equal(t, res.TxHash, res.Receipt.TxHash)
	assert.Equal(t, signer.PublicKey(), res.Receipt.PublicKey)

	rec, ok, err := index.FetchByID(context.Background(), h.idx, companyABC, res.Commitment.Hex())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.Metadata.Report)
	assert.NotContains(t, rec.Metadata.SealedReport, "foo.bar()")

	// The classifier still sees the sealed text
	reworded := npe
	reworded.CodeSnippet = "foo.bar(null)"
	_, err = c.Submit(context.Background(), bountyRequest(1, reworded, companyABC))
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
}

func TestDedupUnavailable(t *testing.T) {
	h := newHarness(t)
	h.deps.Embedder = constEmbedder{err: embed.ErrEmptyEmbedding}
	c := h.coordinator(t)

	res, err := c.Submit(context.Background(), bountyRequest(1, npe, companyABC))
	require.Error(t, err)
	assert.Equal(t, StageDedup, StageOf(err))
	assert.ErrorIs(t, err, embed.ErrEmptyEmbedding)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, h.ledger.prepared())
}

func TestConcurrentSubmissions(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)

	reports := []report.BugReport{
		npe,
		{Description: "Integer overflow", ErrorMessage: "wrap", CodeSnippet: "a+b"},
		{Description: "Reentrancy", ErrorMessage: "drained", CodeSnippet: "call()"},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reports))
	for i, r := range reports {
		wg.Add(1)
		go func(i int, r report.BugReport) {
			defer wg.Done()
			_, errs[i] = c.Submit(context.Background(), bountyRequest(uint64(i+1), r, companyABC))
		}(i, r)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.idx.Len())
	assert.Equal(t, 3, h.ledger.prepared())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, testLogger())
	assert.Error(t, err)
}

func TestIllegalTransitionPanics(t *testing.T) {
	m := newMachine(time.Now)
	m.to(StateDuplicateChecked)
	assert.Panics(t, func() { m.to(StateReceived) })
	assert.Panics(t, func() { m.to(StateSubmitted) })
	assert.False(t, m.state.Terminal())

	m.fail(StageProve, "boom")
	assert.True(t, m.state.Terminal())
	assert.Panics(t, func() { m.to(StateProved) })
}
