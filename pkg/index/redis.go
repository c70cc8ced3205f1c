package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"bounty-zk/pkg/report"
)

// KeyBuilder generates namespaced Redis keys for the index.
type KeyBuilder struct {
	Prefix string
}

// Record returns the key holding one CBOR encoded record.
func (kb KeyBuilder) Record(company, id string) string {
	return fmt.Sprintf("%s:%s:rec:%s", kb.Prefix, Namespace(company), id)
}

// Members returns the key of the set of record ids in a namespace.
func (kb KeyBuilder) Members(company string) string {
	return fmt.Sprintf("%s:%s:ids", kb.Prefix, Namespace(company))
}

// RedisIndex stores records in Redis and scores them client side.
// Namespaces hold at most a few thousand reports, so a full scan of the
// namespace per query is acceptable.
type RedisIndex struct {
	client redis.UniversalClient
	keys   KeyBuilder
	dim    int
}

// NewRedisIndex creates a RedisIndex. An empty prefix defaults to "bugs".
func NewRedisIndex(client redis.UniversalClient, prefix string, dim int) *RedisIndex {
	if prefix == "" {
		prefix = "bugs"
	}
	return &RedisIndex{
		client: client,
		keys:   KeyBuilder{Prefix: prefix},
		dim:    dim,
	}
}

func (r *RedisIndex) Query(ctx context.Context, vector []float32, f Filter, topK int) ([]Match, error) {
	if Namespace(f.Company) == "" {
		return nil, ErrNoCompany
	}
	if len(vector) != r.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(vector), r.dim)
	}

	candidates, err := r.loadNamespace(ctx, f.Company)
	if err != nil {
		return nil, err
	}
	return rank(vector, candidates, f, topK), nil
}

func (r *RedisIndex) Upsert(ctx context.Context, records ...report.EmbeddingRecord) error {
	for _, rec := range records {
		if err := validateRecord(rec, r.dim); err != nil {
			return err
		}
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			rec.Metadata.Company = Namespace(rec.Metadata.Company)
			data, err := encodeRecord(rec)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", rec.ID, err)
			}
			pipe.Set(ctx, r.keys.Record(rec.Metadata.Company, rec.ID), data, 0)
			pipe.SAdd(ctx, r.keys.Members(rec.Metadata.Company), rec.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert failed: %w", err)
	}
	return nil
}

func (r *RedisIndex) Fetch(ctx context.Context, company string, ids ...string) (map[string]report.EmbeddingRecord, error) {
	if Namespace(company) == "" {
		return nil, ErrNoCompany
	}
	out := make(map[string]report.EmbeddingRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keys.Record(company, id)
	}

	recs, err := r.mget(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.ID] = rec
	}
	return out, nil
}

func (r *RedisIndex) SetApproval(ctx context.Context, company, id string, state report.ApprovalState, at time.Time) error {
	key := r.keys.Record(company, id)

	// Optimistic update so a concurrent re-upsert is never overwritten
	// with stale fields.
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, Namespace(company), id)
		}
		if err != nil {
			return err
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return fmt.Errorf("decode record %s: %w", id, err)
		}
		if err := applyApproval(&rec, state, at); err != nil {
			return err
		}
		updated, err := encodeRecord(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.WithField("key", key).Debug("approval update raced, retrying")
	}
	return fmt.Errorf("approval update for %s: %w", id, redis.TxFailedErr)
}

func (r *RedisIndex) List(ctx context.Context, f Filter) ([]report.EmbeddingRecord, error) {
	if Namespace(f.Company) == "" {
		return nil, ErrNoCompany
	}
	all, err := r.loadNamespace(ctx, f.Company)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, rec := range all {
		if f.matches(rec.Metadata) {
			out = append(out, rec)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (r *RedisIndex) loadNamespace(ctx context.Context, company string) ([]report.EmbeddingRecord, error) {
	ids, err := r.client.SMembers(ctx, r.keys.Members(company)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMembers failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keys.Record(company, id)
	}
	return r.mget(ctx, keys)
}

func (r *RedisIndex) mget(ctx context.Context, keys []string) ([]report.EmbeddingRecord, error) {
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGet failed: %w", err)
	}

	out := make([]report.EmbeddingRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			log.WithError(err).WithField("key", keys[i]).Warn("skipping undecodable index record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
