package memory

import (
	"context"
	"hash/fnv"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

const stripeCount = 64

// RowStore is an in-memory RowStore. Upserts for different keys proceed in
// parallel; each key is guarded by one of a fixed set of stripe locks.
type RowStore struct {
	stripes [stripeCount]sync.Mutex

	mu   sync.RWMutex
	rows map[crawler.RowKey]crawler.CanonicalRow
}

// NewRowStore returns an empty store.
func NewRowStore() *RowStore {
	return &RowStore{rows: make(map[crawler.RowKey]crawler.CanonicalRow)}
}

func (s *RowStore) stripe(key crawler.RowKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.NaturalKey))
	return &s.stripes[(h.Sum32()+uint32(key.SchemaVersion))%stripeCount]
}

// Upsert applies rows one at a time. A stored row is replaced unless it was
// extracted strictly later than the incoming one.
func (s *RowStore) Upsert(ctx context.Context, rows []crawler.CanonicalRow) (crawler.UpsertResult, error) {
	var res crawler.UpsertResult
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, &crawler.StoreError{Op: "upsert", Err: err}
		}
		res.Add(s.upsertOne(row))
	}
	return res, nil
}

func (s *RowStore) upsertOne(row crawler.CanonicalRow) crawler.UpsertResult {
	key := row.Key()
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, exists := s.rows[key]
	s.mu.RUnlock()

	switch {
	case !exists:
		s.put(key, row)
		return crawler.UpsertResult{Inserted: 1}
	case row.ExtractedAt.Before(current.ExtractedAt):
		return crawler.UpsertResult{Unchanged: 1}
	case sameRow(current, row):
		return crawler.UpsertResult{Unchanged: 1}
	default:
		s.put(key, row)
		return crawler.UpsertResult{Updated: 1}
	}
}

func (s *RowStore) put(key crawler.RowKey, row crawler.CanonicalRow) {
	row.Record = row.Clone()
	s.mu.Lock()
	s.rows[key] = row
	s.mu.Unlock()
}

func sameRow(a, b crawler.CanonicalRow) bool {
	return a.ExtractedAt.Equal(b.ExtractedAt) &&
		a.SourceID == b.SourceID &&
		crawler.AttrsEqual(a.Attributes, b.Attributes)
}

// Query yields a snapshot of matching rows ordered by natural key and schema
// version.
func (s *RowStore) Query(ctx context.Context, pred crawler.Predicate) iter.Seq2[crawler.CanonicalRow, error] {
	return func(yield func(crawler.CanonicalRow, error) bool) {
		rows := s.matching(pred)
		for i, row := range rows {
			if pred.Limit > 0 && i >= pred.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: err})
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (s *RowStore) matching(pred crawler.Predicate) []crawler.CanonicalRow {
	s.mu.RLock()
	out := make([]crawler.CanonicalRow, 0, len(s.rows))
	for _, row := range s.rows {
		if pred.Matches(row) {
			row.Record = row.Clone()
			out = append(out, row)
		}
	}
	s.mu.RUnlock()
	SortRows(out)
	return out
}

// DeleteOlderThan removes rows extracted before cutoff.
func (s *RowStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, row := range s.rows {
		if row.ExtractedAt.Before(cutoff) {
			delete(s.rows, key)
			n++
		}
	}
	return n, nil
}

// Snapshot returns every stored row in key order.
func (s *RowStore) Snapshot() []crawler.CanonicalRow {
	return s.matching(crawler.Predicate{})
}

// Len returns the number of stored rows.
func (s *RowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Close is a no-op.
func (s *RowStore) Close() error { return nil }

// SortRows orders rows by natural key then schema version.
func SortRows(rows []crawler.CanonicalRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].NaturalKey != rows[j].NaturalKey {
			return rows[i].NaturalKey < rows[j].NaturalKey
		}
		return rows[i].SchemaVersion < rows[j].SchemaVersion
	})
}
