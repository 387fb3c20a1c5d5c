package crawler

import (
	"net/http"
	"time"
)

// Format identifies how a raw document body is encoded.
type Format string

// Supported document formats.
const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// PaginationKind selects how a source advances from one page to the next.
type PaginationKind string

// Supported pagination rules.
const (
	PaginationNone      PaginationKind = "none"
	PaginationPageParam PaginationKind = "page_param"
	PaginationNextLink  PaginationKind = "next_link"
)

// RenderMode controls whether a source is fetched through the headless browser.
type RenderMode string

// Supported render modes.
const (
	RenderNever  RenderMode = "never"
	RenderAlways RenderMode = "always"
	RenderAuto   RenderMode = "auto"
)

// Pagination describes the page continuation rule for a source.
type Pagination struct {
	Kind         PaginationKind `mapstructure:"kind" json:"kind"`
	Start        int            `mapstructure:"start" json:"start"`
	MaxPages     int            `mapstructure:"max_pages" json:"max_pages"`
	NextSelector string         `mapstructure:"next_selector" json:"next_selector,omitempty"`
	NextField    string         `mapstructure:"next_field" json:"next_field,omitempty"`
}

// Source is an immutable descriptor of one remote origin. URL may contain a
// {page} placeholder used by page_param pagination.
type Source struct {
	ID          string        `mapstructure:"id" json:"id"`
	URL         string        `mapstructure:"url" json:"url"`
	Format      Format        `mapstructure:"format" json:"format"`
	Schema      string        `mapstructure:"schema" json:"schema"`
	Pagination  Pagination    `mapstructure:"pagination" json:"pagination"`
	MinInterval time.Duration `mapstructure:"min_interval" json:"min_interval"`
	Render      RenderMode    `mapstructure:"render" json:"render"`
	// WaitSelector is the element the headless browser waits for before
	// capturing the DOM.
	WaitSelector string            `mapstructure:"wait_selector" json:"wait_selector,omitempty"`
	Headers      map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// RawDocument is one fetched page. It is owned by the fetcher and discarded
// after parsing unless the raw archive keeps a copy.
type RawDocument struct {
	SourceID    string
	URL         string
	Page        int
	FetchedAt   time.Time
	StatusCode  int
	Format      Format
	Body        []byte
	ContentHash string
}

// Record is a single extracted entity. Attributes hold raw strings straight
// out of the parser and typed values once normalized; nil marks an absent
// optional field.
type Record struct {
	NaturalKey  string         `json:"natural_key"`
	SourceID    string         `json:"source_id"`
	Schema      string         `json:"schema"`
	Attributes  map[string]any `json:"attributes"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// Clone returns a deep copy of the record's attribute map.
func (r Record) Clone() Record {
	cp := r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return cp
}

// CanonicalRow is a normalized, schema-versioned record ready for persistence.
type CanonicalRow struct {
	Record
	SchemaVersion int `json:"schema_version"`
}

// RowKey identifies a canonical row inside a store.
type RowKey struct {
	NaturalKey    string
	SchemaVersion int
}

// Key returns the store identity of the row.
func (r CanonicalRow) Key() RowKey {
	return RowKey{NaturalKey: r.NaturalKey, SchemaVersion: r.SchemaVersion}
}

// Predicate filters canonical rows returned by RowStore.Query. Zero values
// match everything.
type Predicate struct {
	SchemaVersion int
	SourceID      string
	KeyPrefix     string
	Equals        map[string]string
	Since         time.Time
	Limit         int
}

// UpsertResult reports how a batch of rows was applied.
type UpsertResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Applied returns the number of rows that changed the store.
func (u UpsertResult) Applied() int {
	return u.Inserted + u.Updated
}

// Add accumulates another result.
func (u *UpsertResult) Add(other UpsertResult) {
	u.Inserted += other.Inserted
	u.Updated += other.Updated
	u.Unchanged += other.Unchanged
}

// FetchRequest captures everything a transport needs to fetch one page.
type FetchRequest struct {
	SourceID     string
	URL          string
	Headers      http.Header
	UseHeadless  bool
	WaitSelector string
}

// FetchResponse is the result returned by a transport. Non-2xx responses are
// returned as values; the caller classifies them.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// RunRequest asks the worker pool to execute one pipeline run.
type RunRequest struct {
	RunID     string
	SourceIDs []string
	Trigger   string
	Submitted time.Time
}

// RunSummary reports the counters of one pipeline run.
type RunSummary struct {
	Fetched      int       `json:"fetched"`
	Parsed       int       `json:"parsed"`
	Normalized   int       `json:"normalized"`
	Persisted    int       `json:"persisted"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Deduplicated int       `json:"deduplicated"`
	Partial      bool      `json:"partial"`
	State        RunState  `json:"state"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Run is the persisted history entry for a pipeline run.
type Run struct {
	ID        string     `json:"id"`
	Trigger   string     `json:"trigger"`
	State     RunState   `json:"state"`
	Sources   []string   `json:"sources"`
	Submitted time.Time  `json:"submitted_at"`
	Summary   RunSummary `json:"summary"`
}

// RefreshNotice is published after a run persisted rows so downstream
// consumers can refresh their views.
type RefreshNotice struct {
	RunID      string    `json:"run_id"`
	State      RunState  `json:"state"`
	Sources    []string  `json:"sources"`
	Persisted  int       `json:"persisted"`
	Partial    bool      `json:"partial"`
	FinishedAt time.Time `json:"finished_at"`
}

// Attributes returns message attributes for transports that support them.
func (n RefreshNotice) Attributes() map[string]string {
	return map[string]string{
		"event":  "rows.refreshed",
		"run_id": n.RunID,
		"state":  string(n.State),
	}
}
