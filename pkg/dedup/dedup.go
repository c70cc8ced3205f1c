// Package dedup decides whether a new report duplicates an earlier
// submission to the same company.
//
// The check runs in two stages. Vector retrieval narrows the company
// namespace to a few candidates, then a classifier compares each
// candidate's full text with the new report. A candidate is a duplicate
// when the classifier labels it similar with confidence at or above
// Policy.Threshold. An identical commitment in the namespace is a
// duplicate without consulting either stage.
package dedup

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"bounty-zk/pkg/embed"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/report"
)

// Policy holds the tunable duplicate rule.
type Policy struct {
	// TopK candidates retrieved from the index.
	TopK int
	// MinVectorScore drops candidates below this cosine similarity
	// before classification.
	MinVectorScore float64
	// Threshold is the minimum classifier confidence for a "similar"
	// label to count as a duplicate.
	Threshold float64
}

// DefaultPolicy returns TopK 3, no vector floor and threshold 0.8.
func DefaultPolicy() Policy {
	return Policy{
		TopK:           3,
		MinVectorScore: 0,
		Threshold:      0.8,
	}
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if p.TopK < 1 {
		return fmt.Errorf("dedup: top_k must be at least 1, got %d", p.TopK)
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("dedup: threshold must be in (0, 1], got %v", p.Threshold)
	}
	if p.MinVectorScore < -1 || p.MinVectorScore > 1 {
		return fmt.Errorf("dedup: min_vector_score must be in [-1, 1], got %v", p.MinVectorScore)
	}
	return nil
}

// IsDuplicate applies the rule to one classification.
func (p Policy) IsDuplicate(c embed.Classification) bool {
	return c.Label == embed.LabelSimilar && c.Confidence >= p.Threshold
}

// Match is a prior submission judged against the new report.
type Match struct {
	Record         report.EmbeddingRecord `json:"record"`
	VectorScore    float64                `json:"vectorScore"`
	Classification embed.Classification   `json:"classification"`
	Exact          bool                   `json:"exact,omitempty"`
}

// Verdict is the outcome of a check.
type Verdict struct {
	Duplicate bool
	// Matches holds the duplicates when Duplicate is set.
	Matches []Match
	// Candidates holds every classified candidate.
	Candidates []Match
}

// Input describes the new report.
type Input struct {
	Company    string
	Commitment report.Commitment
	Text       string
	Vector     []float32
	// Existing is the record already stored under Commitment in the
	// company namespace, if any.
	Existing *report.EmbeddingRecord
}

// TextResolver returns the plaintext of a stored record.
type TextResolver func(ctx context.Context, rec report.EmbeddingRecord) (string, error)

// PlainText reads Metadata.Report.
func PlainText(_ context.Context, rec report.EmbeddingRecord) (string, error) {
	return rec.Metadata.Report, nil
}

// Checker runs the duplicate policy.
type Checker struct {
	index      index.Index
	classifier embed.Classifier
	policy     Policy
	resolve    TextResolver
	log        *logrus.Entry
}

// NewChecker builds a Checker. A nil resolver reads plaintext metadata.
func NewChecker(idx index.Index, classifier embed.Classifier, policy Policy, resolve TextResolver, log *logrus.Entry) (*Checker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if resolve == nil {
		resolve = PlainText
	}
	return &Checker{
		index:      idx,
		classifier: classifier,
		policy:     policy,
		resolve:    resolve,
		log:        log.WithField("component", "dedup"),
	}, nil
}

// Policy returns the active policy.
func (c *Checker) Policy() Policy { return c.policy }

// ExactMatch looks up the commitment in the company namespace.
func (c *Checker) ExactMatch(ctx context.Context, company string, commitment report.Commitment) (*report.EmbeddingRecord, error) {
	rec, ok, err := index.FetchByID(ctx, c.index, company, commitment.Hex())
	if err != nil {
		return nil, fmt.Errorf("exact match lookup: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Check runs both stages for in.
func (c *Checker) Check(ctx context.Context, in Input) (Verdict, error) {
	log := c.log.WithFields(logrus.Fields{
		"company":    in.Company,
		"commitment": in.Commitment.Hex(),
	})

	if in.Existing != nil {
		m := Match{
			Record:         *in.Existing,
			VectorScore:    1,
			Classification: embed.Classification{Label: embed.LabelSimilar, Confidence: 1},
			Exact:          true,
		}
		log.Info("exact commitment already submitted")
		return Verdict{Duplicate: true, Matches: []Match{m}, Candidates: []Match{m}}, nil
	}

	hits, err := c.index.Query(ctx, in.Vector, index.Filter{Company: in.Company}, c.policy.TopK)
	if err != nil {
		return Verdict{}, fmt.Errorf("similarity query: %w", err)
	}

	candidates := make([]Match, 0, len(hits))
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Score < c.policy.MinVectorScore {
			continue
		}
		text, err := c.resolve(ctx, h.Record)
		if err != nil {
			return Verdict{}, fmt.Errorf("resolve text of %s: %w", h.Record.ID, err)
		}
		if text == "" {
			log.WithField("candidate", h.Record.ID).Warn("candidate has no text, skipping classification")
			continue
		}
		candidates = append(candidates, Match{Record: h.Record, VectorScore: h.Score})
		texts = append(texts, text)
	}

	if len(candidates) == 0 {
		return Verdict{}, nil
	}

	labels, err := c.classifier.Classify(ctx, in.Text, texts)
	if err != nil {
		return Verdict{}, fmt.Errorf("classification: %w", err)
	}
	if len(labels) != len(candidates) {
		return Verdict{}, fmt.Errorf("%w: %d labels for %d candidates", embed.ErrClassification, len(labels), len(candidates))
	}

	var v Verdict
	for i := range candidates {
		candidates[i].Classification = labels[i]
		if c.policy.IsDuplicate(labels[i]) {
			v.Duplicate = true
			v.Matches = append(v.Matches, candidates[i])
		}
	}
	v.Candidates = candidates

	log.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"duplicates": len(v.Matches),
	}).Debug("duplicate check complete")

	return v, nil
}
