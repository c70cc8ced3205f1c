package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bounty-zk/pkg/report"
)

// MemoryIndex is an in-process Index for tests and single node setups.
type MemoryIndex struct {
	dim int

	mu         sync.RWMutex
	namespaces map[string]map[string]report.EmbeddingRecord
}

// NewMemoryIndex creates an empty index for vectors of length dim.
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		dim:        dim,
		namespaces: make(map[string]map[string]report.EmbeddingRecord),
	}
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, f Filter, topK int) ([]Match, error) {
	ns := Namespace(f.Company)
	if ns == "" {
		return nil, ErrNoCompany
	}
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(vector), m.dim)
	}

	m.mu.RLock()
	candidates := make([]report.EmbeddingRecord, 0, len(m.namespaces[ns]))
	for _, rec := range m.namespaces[ns] {
		candidates = append(candidates, rec)
	}
	m.mu.RUnlock()

	return rank(vector, candidates, f, topK), nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, records ...report.EmbeddingRecord) error {
	for _, rec := range records {
		if err := validateRecord(rec, m.dim); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		rec = clone(rec)
		ns := Namespace(rec.Metadata.Company)
		rec.Metadata.Company = ns
		if m.namespaces[ns] == nil {
			m.namespaces[ns] = make(map[string]report.EmbeddingRecord)
		}
		m.namespaces[ns][rec.ID] = rec
	}
	return nil
}

func (m *MemoryIndex) Fetch(ctx context.Context, company string, ids ...string) (map[string]report.EmbeddingRecord, error) {
	ns := Namespace(company)
	if ns == "" {
		return nil, ErrNoCompany
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]report.EmbeddingRecord, len(ids))
	for _, id := range ids {
		if rec, ok := m.namespaces[ns][id]; ok {
			out[id] = clone(rec)
		}
	}
	return out, nil
}

func (m *MemoryIndex) SetApproval(ctx context.Context, company, id string, state report.ApprovalState, at time.Time) error {
	ns := Namespace(company)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.namespaces[ns][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, ns, id)
	}
	if err := applyApproval(&rec, state, at); err != nil {
		return err
	}
	m.namespaces[ns][id] = rec
	return nil
}

func (m *MemoryIndex) List(ctx context.Context, f Filter) ([]report.EmbeddingRecord, error) {
	ns := Namespace(f.Company)
	if ns == "" {
		return nil, ErrNoCompany
	}

	m.mu.RLock()
	out := make([]report.EmbeddingRecord, 0, len(m.namespaces[ns]))
	for _, rec := range m.namespaces[ns] {
		if f.matches(rec.Metadata) {
			out = append(out, clone(rec))
		}
	}
	m.mu.RUnlock()

	sortByCreation(out)
	return out, nil
}

// Len returns the number of records across all namespaces.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ns := range m.namespaces {
		n += len(ns)
	}
	return n
}

func clone(rec report.EmbeddingRecord) report.EmbeddingRecord {
	rec.Vector = append([]float32(nil), rec.Vector...)
	if rec.Metadata.DecidedAt != nil {
		at := *rec.Metadata.DecidedAt
		rec.Metadata.DecidedAt = &at
	}
	return rec
}
