package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// paginator walks the page URLs of one source. Only next_link pagination
// depends on page content; the others are fully determined by the source.
type paginator struct {
	src      crawler.Source
	maxPages int
	page     int
	nextURL  string
	done     bool
}

func newPaginator(src crawler.Source) *paginator {
	p := &paginator{src: src, page: src.Pagination.Start}
	switch src.Pagination.Kind {
	case crawler.PaginationPageParam, crawler.PaginationNextLink:
		p.maxPages = src.Pagination.MaxPages
		if p.maxPages <= 0 {
			p.maxPages = defaultMaxPages
		}
	default:
		p.maxPages = 1
	}
	if p.page == 0 && src.Pagination.Kind != crawler.PaginationPageParam {
		p.page = 1
	}
	p.nextURL = crawler.ExpandURL(src.URL, p.page)
	return p
}

// next returns the URL and page number to fetch, or false when exhausted.
func (p *paginator) next() (string, int, bool) {
	if p.done || p.nextURL == "" {
		return "", 0, false
	}
	return p.nextURL, p.page, true
}

func (p *paginator) endsOnNotFound() bool {
	return p.src.Pagination.Kind == crawler.PaginationPageParam
}

// advance prepares the page after doc and reports whether one exists.
func (p *paginator) advance(doc crawler.RawDocument) bool {
	p.page++
	switch p.src.Pagination.Kind {
	case crawler.PaginationPageParam:
		p.nextURL = crawler.ExpandURL(p.src.URL, p.page)
	case crawler.PaginationNextLink:
		ref := nextLink(doc, p.src.Pagination)
		if ref == "" {
			p.done = true
			return false
		}
		resolved, err := crawler.ResolveURL(doc.URL, ref)
		if err != nil {
			p.done = true
			return false
		}
		p.nextURL = resolved
	default:
		p.done = true
		return false
	}
	return true
}

// nextLink extracts the continuation reference from a document: the href of
// the first element matching NextSelector for HTML, or the string at the
// top-level key NextField for JSON.
func nextLink(doc crawler.RawDocument, rule crawler.Pagination) string {
	if doc.Format == crawler.FormatJSON {
		if rule.NextField == "" {
			return ""
		}
		var payload map[string]any
		if err := json.Unmarshal(doc.Body, &payload); err != nil {
			return ""
		}
		next, _ := payload[rule.NextField].(string)
		return strings.TrimSpace(next)
	}
	if rule.NextSelector == "" {
		return ""
	}
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return ""
	}
	href, _ := dom.Find(rule.NextSelector).First().Attr("href")
	return strings.TrimSpace(href)
}
