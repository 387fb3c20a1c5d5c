package crawler

import (
	"context"
	"iter"
	"time"
)

// Transport performs a single page request. Non-2xx statuses are returned in
// the response, not as errors.
type Transport interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a plain response should be re-fetched
// through the headless browser.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// RowStore persists canonical rows keyed by (natural key, schema version).
type RowStore interface {
	// Upsert applies each row atomically; a row replaces the stored one only
	// when its ExtractedAt is not older.
	Upsert(ctx context.Context, rows []CanonicalRow) (UpsertResult, error)
	// Query lazily yields rows matching pred, ordered by natural key.
	Query(ctx context.Context, pred Predicate) iter.Seq2[CanonicalRow, error]
	// DeleteOlderThan removes rows extracted before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// RunStore keeps the history of pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, state RunState, summary RunSummary) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
}

// BlobStore writes and reads opaque objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes refresh notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for run requests.
type Queue interface {
	Enqueue(ctx context.Context, req RunRequest) error
	Dequeue(ctx context.Context) (RunRequest, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
