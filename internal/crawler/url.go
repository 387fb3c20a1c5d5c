package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PagePlaceholder is substituted with the page number in source URLs.
const PagePlaceholder = "{page}"

// ExpandURL substitutes page into the template. Templates without a
// placeholder are returned unchanged.
func ExpandURL(template string, page int) string {
	return strings.ReplaceAll(template, PagePlaceholder, strconv.Itoa(page))
}

// ResolveURL resolves ref (typically a next-page href) against base.
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse next url: %w", err)
	}
	return NormalizeURL(b.ResolveReference(r).String())
}

// NormalizeURL standardizes a URL so equal pages compare equal.
// It lowercases the scheme and host, removes default ports and fragments, and
// sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
