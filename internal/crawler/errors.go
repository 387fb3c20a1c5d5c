package crawler

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidTransition is returned when a run state change moves backwards
	// or leaves a terminal state.
	ErrInvalidTransition = errors.New("invalid run state transition")
	// ErrRunCanceled marks a run stopped by its context before completion.
	ErrRunCanceled = errors.New("run canceled")
	// ErrNotFound is returned by stores when a lookup misses.
	ErrNotFound = errors.New("not found")
	// ErrPermanent marks transport failures that retrying cannot fix, such as
	// a robots.txt refusal.
	ErrPermanent = errors.New("permanent fetch failure")
	// ErrQueueClosed is returned by queues that were closed and drained.
	ErrQueueClosed = errors.New("queue closed")
	// ErrUnknownSchema is returned when a source names a schema that is not registered.
	ErrUnknownSchema = errors.New("unknown schema")
)

// FetchError reports a page that could not be retrieved. Retryable is false
// for permanent failures such as 4xx responses other than 429.
type FetchError struct {
	SourceID   string
	URL        string
	StatusCode int
	Attempts   int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s (source %s)", e.URL, e.SourceID)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// snippetLimit bounds the diagnostic excerpt attached to a ParseError.
const snippetLimit = 200

// ParseError reports a document that could not be parsed at all.
type ParseError struct {
	SourceID string
	URL      string
	Snippet  string
	Err      error
}

// NewParseError builds a ParseError with a whitespace-collapsed snippet of body.
func NewParseError(sourceID, url string, body []byte, err error) *ParseError {
	return &ParseError{SourceID: sourceID, URL: url, Snippet: Snippet(body), Err: err}
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse %s (source %s)", e.URL, e.SourceID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" near %q", e.Snippet)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Snippet returns up to the first 200 bytes of body with runs of whitespace
// collapsed to a single space. The cut never splits a UTF-8 sequence.
func Snippet(body []byte) string {
	if len(body) > snippetLimit {
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return strings.Join(strings.Fields(string(body)), " ")
}

// ValidationError reports an attribute that could not be coerced to its
// declared kind. The offending record is dropped.
type ValidationError struct {
	NaturalKey string
	Field      string
	Value      any
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s.%s=%v: %v", e.NaturalKey, e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. It is fatal to the run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
