package crawler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Matches reports whether row satisfies every non-zero field of p. Limit is
// not considered here; stores apply it while iterating.
func (p Predicate) Matches(row CanonicalRow) bool {
	if p.SchemaVersion != 0 && row.SchemaVersion != p.SchemaVersion {
		return false
	}
	if p.SourceID != "" && row.SourceID != p.SourceID {
		return false
	}
	if p.KeyPrefix != "" && !strings.HasPrefix(row.NaturalKey, p.KeyPrefix) {
		return false
	}
	if !p.Since.IsZero() && row.ExtractedAt.Before(p.Since) {
		return false
	}
	for field, want := range p.Equals {
		if !strings.EqualFold(AttrString(row.Attributes[field]), want) {
			return false
		}
	}
	return true
}

// AttrString renders an attribute value the way it is compared and exported.
// Nil renders as the empty string.
func AttrString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
