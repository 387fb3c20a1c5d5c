// Package detector decides when a source in "auto" render mode needs the
// headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// Heuristic promotes pages that look like client-rendered shells: no data
// rows in the served markup plus SPA markers or a script-heavy body.
type Heuristic struct {
	BodyLengthThreshold int
	// RowSelector locates data rows; a page that already has them is never
	// promoted.
	RowSelector string
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int, rowSelector string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	if rowSelector == "" {
		rowSelector = "table tbody tr"
	}
	return &Heuristic{BodyLengthThreshold: threshold, RowSelector: rowSelector}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if strings.Contains(resp.Headers.Get("Content-Type"), "json") {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if h.hasRows(body) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func (h *Heuristic) hasRows(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find(h.RowSelector).Length() > 0
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the body.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			covered += total - start
			break
		}
		next := start + end + len(closeTag)
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
