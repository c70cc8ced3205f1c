// Package index stores report embeddings per company and answers nearest
// neighbour queries for duplicate detection.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bounty-zk/pkg/report"
)

// Filter scopes a query or listing. Company is mandatory.
type Filter struct {
	Company  string
	BountyID *uint64
	Kind     report.Kind
}

func (f Filter) matches(m report.Metadata) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.BountyID != nil && (m.BountyID == nil || *m.BountyID != *f.BountyID) {
		return false
	}
	return true
}

// Match is one query result.
type Match struct {
	Record report.EmbeddingRecord `json:"record"`
	Score  float64                `json:"score"`
}

// Index is the similarity index contract shared by all stores.
type Index interface {
	// Query returns up to topK records of the filter's company ordered by
	// cosine similarity, highest first.
	Query(ctx context.Context, vector []float32, f Filter, topK int) ([]Match, error)

	// Upsert writes records, overwriting any record with the same id in
	// the same company namespace.
	Upsert(ctx context.Context, records ...report.EmbeddingRecord) error

	// Fetch returns the records found among ids. Missing ids are absent
	// from the map.
	Fetch(ctx context.Context, company string, ids ...string) (map[string]report.EmbeddingRecord, error)

	// SetApproval mirrors a ledger approval decision into a record.
	SetApproval(ctx context.Context, company, id string, state report.ApprovalState, at time.Time) error

	// List returns the records of a namespace matching f, oldest first.
	List(ctx context.Context, f Filter) ([]report.EmbeddingRecord, error)
}

// Index errors
var (
	ErrDimension = errors.New("vector dimension mismatch")
	ErrNoCompany = errors.New("company namespace is required")
	ErrNotFound  = errors.New("record not found")
	ErrBadRecord = errors.New("invalid embedding record")
)

// FetchByID fetches a single record.
func FetchByID(ctx context.Context, idx Index, company, id string) (report.EmbeddingRecord, bool, error) {
	recs, err := idx.Fetch(ctx, company, id)
	if err != nil {
		return report.EmbeddingRecord{}, false, err
	}
	rec, ok := recs[id]
	return rec, ok, nil
}

// Namespace normalizes a company identifier. Ethereum addresses are
// checksummed so "0xabc..." and "0xABC..." share a namespace; other
// identifiers are used as given.
func Namespace(company string) string {
	company = strings.TrimSpace(company)
	if common.IsHexAddress(company) {
		return common.HexToAddress(company).Hex()
	}
	return company
}

func validateRecord(rec report.EmbeddingRecord, dim int) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty id", ErrBadRecord)
	}
	if Namespace(rec.Metadata.Company) == "" {
		return fmt.Errorf("%w: record %s", ErrNoCompany, rec.ID)
	}
	if len(rec.Vector) != dim {
		return fmt.Errorf("%w: record %s has %d, index has %d", ErrDimension, rec.ID, len(rec.Vector), dim)
	}
	return nil
}

// rank scores candidates against vector and keeps the best topK. Ties
// are broken by id so results are stable.
func rank(vector []float32, candidates []report.EmbeddingRecord, f Filter, topK int) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, rec := range candidates {
		if !f.matches(rec.Metadata) {
			continue
		}
		matches = append(matches, Match{Record: rec, Score: Cosine(vector, rec.Vector)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func sortByCreation(recs []report.EmbeddingRecord) {
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := recs[i].Metadata.SubmittedAt, recs[j].Metadata.SubmittedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return recs[i].ID < recs[j].ID
	})
}

func applyApproval(rec *report.EmbeddingRecord, state report.ApprovalState, at time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("unknown approval state %q", state)
	}
	rec.Metadata.ApprovalState = state
	decided := at.UTC()
	rec.Metadata.DecidedAt = &decided
	return nil
}
