package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// Noop stands in for the browser when headless rendering is disabled. Sources
// that require rendering fail permanently instead of being retried.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with crawler.ErrPermanent.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, fmt.Errorf("%w: headless rendering disabled for %s", crawler.ErrPermanent, request.URL)
}
