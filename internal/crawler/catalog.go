package crawler

import (
	"errors"
	"fmt"
)

// ErrUnknownSource is returned when a run names a source that is not configured.
var ErrUnknownSource = errors.New("unknown source")

// Catalog holds the configured sources in declaration order.
type Catalog struct {
	order []string
	byID  map[string]Source
}

// NewCatalog indexes sources by ID. Duplicate or empty IDs are rejected.
func NewCatalog(sources []Source) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if s.ID == "" {
			return nil, errors.New("source id is required")
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		c.byID[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	return c, nil
}

// IDs returns the source IDs in declaration order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Resolve returns the named sources, or every source when ids is empty.
func (c *Catalog) Resolve(ids []string) ([]Source, error) {
	if len(ids) == 0 {
		ids = c.order
	}
	out := make([]Source, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		s, ok := c.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
		}
		out = append(out, s)
	}
	return out, nil
}
