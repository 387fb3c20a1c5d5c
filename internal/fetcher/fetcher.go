package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/metrics"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/telemetry"
)

// defaultMaxPages bounds paginated sources that leave MaxPages unset.
const defaultMaxPages = 50

// defaultRequestTimeout bounds a transport call once it has started.
const defaultRequestTimeout = 30 * time.Second

// Limiter blocks until a source may issue its next request.
type Limiter interface {
	Wait(ctx context.Context, sourceID string) error
}

// Config wires the fetcher's collaborators. Transport is required; the rest
// fall back to no-op or default implementations.
type Config struct {
	Transport crawler.Transport
	// Headless renders sources with render "always", and "auto" pages the
	// Detector flags.
	Headless crawler.Transport
	Detector crawler.HeadlessDetector
	Limiter  Limiter
	Retry    crawler.RetryPolicy
	Hasher   crawler.Hasher
	Clock    crawler.Clock
	Logger   *zap.Logger
	// RequestTimeout and HeadlessTimeout bound one transport call. A started
	// call is not interrupted when the run is canceled; it runs until it
	// completes or its timeout expires, and a page it returns is still yielded.
	RequestTimeout  time.Duration
	HeadlessTimeout time.Duration
}

// Counters is a snapshot of per-source request accounting.
type Counters struct {
	Requests int64 `json:"requests"`
	Retries  int64 `json:"retries"`
	Failures int64 `json:"failures"`
	Pages    int64 `json:"pages"`
}

type counters struct {
	requests, retries, failures, pages atomic.Int64
}

// Fetcher produces raw documents for sources. It is safe for concurrent use
// across sources.
type Fetcher struct {
	cfg      Config
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	counters sync.Map // source ID -> *counters
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Transport == nil {
		return nil, errors.New("fetcher transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = noLimit{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = cfg.RequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger.Named("fetcher"), sleep: sleepCtx}, nil
}

// Counters returns the request counters accumulated for a source.
func (f *Fetcher) Counters(sourceID string) Counters {
	c := f.counterFor(sourceID)
	return Counters{
		Requests: c.requests.Load(),
		Retries:  c.retries.Load(),
		Failures: c.failures.Load(),
		Pages:    c.pages.Load(),
	}
}

func (f *Fetcher) counterFor(sourceID string) *counters {
	if c, ok := f.counters.Load(sourceID); ok {
		return c.(*counters)
	}
	c, _ := f.counters.LoadOrStore(sourceID, &counters{})
	return c.(*counters)
}

// Pages lazily yields the documents of src in fetch order. The sequence ends
// after the last page, or after yielding a single error: a *crawler.FetchError
// once retries are exhausted, or an error wrapping crawler.ErrRunCanceled when
// ctx ends. Cancellation is checked before each page and each attempt; a page
// whose request was already in flight is still yielded. A 404 on any page
// after the first of a page_param source ends the sequence without error.
func (f *Fetcher) Pages(ctx context.Context, src crawler.Source) iter.Seq2[crawler.RawDocument, error] {
	return func(yield func(crawler.RawDocument, error) bool) {
		p := newPaginator(src)
		seen := make(map[string]struct{})
		for index := 0; index < p.maxPages; index++ {
			if err := ctx.Err(); err != nil {
				yield(crawler.RawDocument{}, canceled(err))
				return
			}
			pageURL, pageNum, ok := p.next()
			if !ok {
				return
			}
			if _, dup := seen[pageURL]; dup {
				f.logger.Warn("pagination loop detected", zap.String("source", src.ID), zap.String("url", pageURL))
				return
			}
			seen[pageURL] = struct{}{}

			doc, err := f.fetchPage(ctx, src, pageURL, pageNum)
			if err != nil {
				var fe *crawler.FetchError
				if index > 0 && p.endsOnNotFound() && errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound {
					f.logger.Debug("pagination ended on 404", zap.String("source", src.ID), zap.Int("page", pageNum))
					return
				}
				yield(crawler.RawDocument{}, err)
				return
			}
			if !p.advance(doc) {
				yield(doc, nil)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Fetch retrieves a single page of src with retries.
func (f *Fetcher) Fetch(ctx context.Context, src crawler.Source, pageURL string) (crawler.RawDocument, error) {
	return f.fetchPage(ctx, src, pageURL, 1)
}

func (f *Fetcher) fetchPage(ctx context.Context, src crawler.Source, pageURL string, page int) (crawler.RawDocument, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch page")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.id", src.ID),
		attribute.String("http.url", pageURL),
		attribute.Int("page", page),
	)

	useHeadless := src.Render == crawler.RenderAlways
	resp, attempts, err := f.fetchWithRetry(ctx, src, pageURL, useHeadless)
	if err == nil && !useHeadless && src.Render == crawler.RenderAuto && f.shouldPromote(resp) {
		f.logger.Debug("promoting page to headless", zap.String("source", src.ID), zap.String("url", pageURL))
		var more int
		resp, more, err = f.fetchWithRetry(ctx, src, pageURL, true)
		attempts += more
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if !errors.Is(err, crawler.ErrRunCanceled) {
			f.counterFor(src.ID).failures.Add(1)
		}
		return crawler.RawDocument{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("attempts", attempts))

	doc := crawler.RawDocument{
		SourceID:   src.ID,
		URL:        pageURL,
		Page:       page,
		FetchedAt:  f.cfg.Clock.Now(),
		StatusCode: resp.StatusCode,
		Format:     formatOf(src, resp),
		Body:       resp.Body,
	}
	if f.cfg.Hasher != nil {
		digest, hashErr := f.cfg.Hasher.Hash(resp.Body)
		if hashErr != nil {
			return crawler.RawDocument{}, fmt.Errorf("hash document: %w", hashErr)
		}
		doc.ContentHash = digest
	}
	f.counterFor(src.ID).pages.Add(1)
	metrics.ObservePage(src.ID, resp.StatusCode, len(resp.Body))
	return doc, nil
}

func (f *Fetcher) shouldPromote(resp crawler.FetchResponse) bool {
	return f.cfg.Detector != nil && f.cfg.Headless != nil && f.cfg.Detector.ShouldPromote(resp)
}

// fetchWithRetry runs the attempt loop for one page and returns the number of
// attempts made.
func (f *Fetcher) fetchWithRetry(
	ctx context.Context,
	src crawler.Source,
	pageURL string,
	useHeadless bool,
) (crawler.FetchResponse, int, error) {
	transport, timeout := f.cfg.Transport, f.cfg.RequestTimeout
	if useHeadless {
		if f.cfg.Headless == nil {
			return crawler.FetchResponse{}, 0, &crawler.FetchError{
				SourceID: src.ID, URL: pageURL, Err: errors.New("headless transport not configured"),
			}
		}
		transport, timeout = f.cfg.Headless, f.cfg.HeadlessTimeout
	}
	req := crawler.FetchRequest{
		SourceID:     src.ID,
		URL:          pageURL,
		Headers:      headersOf(src),
		UseHeadless:  useHeadless,
		WaitSelector: src.WaitSelector,
	}
	c := f.counterFor(src.ID)
	policy := f.cfg.Retry

	for attempt := 0; ; attempt++ {
		if err := f.cfg.Limiter.Wait(ctx, src.ID); err != nil {
			return crawler.FetchResponse{}, attempt, canceled(err)
		}
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, attempt, canceled(err)
		}
		c.requests.Add(1)
		resp, err := f.roundTrip(ctx, transport, req, timeout)

		var (
			fetchErr  *crawler.FetchError
			retryAt   time.Duration
			retryable bool
		)
		switch {
		case err != nil && ctx.Err() != nil:
			return crawler.FetchResponse{}, attempt + 1, canceled(ctx.Err())
		case err != nil:
			retryable = crawler.RetryableError(err)
			fetchErr = &crawler.FetchError{SourceID: src.ID, URL: pageURL, Retryable: retryable, Err: err}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.ObserveFetchAttempt(src.ID, "ok")
			return resp, attempt + 1, nil
		default:
			retryable = crawler.RetryableStatus(resp.StatusCode)
			fetchErr = &crawler.FetchError{
				SourceID:   src.ID,
				URL:        pageURL,
				StatusCode: resp.StatusCode,
				Retryable:  retryable,
				Err:        fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				retryAt = retryAfter(resp.Headers, f.cfg.Clock.Now())
			}
		}

		fetchErr.Attempts = attempt + 1
		if !policy.ShouldRetry(attempt, retryable) {
			metrics.ObserveFetchAttempt(src.ID, "fail")
			f.logger.Warn("page fetch failed",
				zap.String("source", src.ID),
				zap.String("url", pageURL),
				zap.Int("attempts", fetchErr.Attempts),
				zap.Bool("retryable", retryable),
				zap.Error(fetchErr.Err),
			)
			return crawler.FetchResponse{}, fetchErr.Attempts, fetchErr
		}

		delay := policy.Backoff(attempt)
		if retryAt > 0 && (policy.MaxDelay <= 0 || retryAt <= policy.MaxDelay) {
			delay = retryAt
		}
		c.retries.Add(1)
		metrics.ObserveFetchAttempt(src.ID, "retry")
		f.logger.Debug("retrying page fetch",
			zap.String("source", src.ID),
			zap.String("url", pageURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Int("status", fetchErr.StatusCode),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return crawler.FetchResponse{}, attempt + 1, canceled(err)
		}
	}
}

// roundTrip detaches the transport call from ctx's cancellation but keeps its
// values, so tracing continues and the call ends only at timeout.
func (f *Fetcher) roundTrip(
	ctx context.Context,
	transport crawler.Transport,
	req crawler.FetchRequest,
	timeout time.Duration,
) (crawler.FetchResponse, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return transport.Fetch(reqCtx, req)
}

func headersOf(src crawler.Source) http.Header {
	if len(src.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(src.Headers))
	for k, v := range src.Headers {
		h.Set(k, v)
	}
	return h
}

func formatOf(src crawler.Source, resp crawler.FetchResponse) crawler.Format {
	if src.Format != "" {
		return src.Format
	}
	if strings.Contains(resp.Headers.Get("Content-Type"), "json") {
		return crawler.FormatJSON
	}
	return crawler.FormatHTML
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func canceled(err error) error {
	return fmt.Errorf("%w: %w", crawler.ErrRunCanceled, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type noLimit struct{}

func (noLimit) Wait(ctx context.Context, _ string) error { return ctx.Err() }

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
