// Package pipeline executes ingestion runs: sources are fetched by a bounded
// pool of goroutines, each document is parsed and normalized inline, and a
// single writer applies the resulting rows to the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/hash/sha256"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/metrics"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/normalizer"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/progress"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/telemetry"
)

// PageSource yields the raw documents of a source. *fetcher.Fetcher satisfies it.
type PageSource interface {
	Pages(ctx context.Context, src crawler.Source) iter.Seq2[crawler.RawDocument, error]
}

// SchemaSource resolves schemas by name. *parser.Registry satisfies it.
type SchemaSource interface {
	Get(name string) (parser.Schema, error)
}

// Normalizer turns records into canonical rows. *normalizer.Normalizer satisfies it.
type Normalizer interface {
	Normalize(records []crawler.Record) ([]crawler.CanonicalRow, normalizer.Report)
}

// Config wires the pipeline. Fetcher, Schemas, Normalizer and Store are required.
type Config struct {
	Fetcher    PageSource
	Schemas    SchemaSource
	Normalizer Normalizer
	Store      crawler.RowStore
	// Runs records state changes when set. The run is created on first use.
	Runs crawler.RunStore
	// Archive keeps raw documents by content hash when set.
	Archive       crawler.BlobStore
	ArchivePrefix string
	// Publisher announces runs that persisted rows when set.
	Publisher crawler.Publisher
	Topic     string
	Progress  progress.Emitter
	Clock     crawler.Clock
	// Concurrency bounds the number of sources fetched at once.
	Concurrency int
	// WriteBuffer is the number of normalized batches queued for the writer.
	WriteBuffer int
	Logger      *zap.Logger
}

// Pipeline runs ingestion. It holds no per-run state and is safe for
// concurrent use.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Fetcher == nil:
		return nil, errors.New("pipeline fetcher is required")
	case cfg.Schemas == nil:
		return nil, errors.New("pipeline schemas are required")
	case cfg.Normalizer == nil:
		return nil, errors.New("pipeline normalizer is required")
	case cfg.Store == nil:
		return nil, errors.New("pipeline store is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 16
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// batch is one document's worth of canonical rows on its way to the writer.
type batch struct {
	sourceID string
	rows     []crawler.CanonicalRow
}

// Run executes one run over sources and returns its summary. A canceled run
// that persisted rows ends DONE with Partial set and returns an error
// wrapping crawler.ErrRunCanceled; one that persisted nothing ends FAILED.
func (p *Pipeline) Run(ctx context.Context, runID string, sources []crawler.Source) (crawler.RunSummary, error) {
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	rc := newRunContext(runID, ids, p.cfg.Clock.Now())
	logger := p.logger.With(zap.String("run_id", runID))

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.Int("run.sources", len(sources)))

	p.recordStart(ctx, rc, logger)

	schemas, err := p.resolveSchemas(sources)
	if err != nil {
		return p.finish(ctx, rc, logger, crawler.RunFailed, false, err)
	}
	p.advance(ctx, rc, logger, crawler.RunFetching)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	batches := make(chan batch, p.cfg.WriteBuffer)
	var (
		writerWG sync.WaitGroup
		storeErr error
	)
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		storeErr = p.write(context.WithoutCancel(ctx), rc, logger, batches, cancelRun)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(p.cfg.Concurrency)
	for i, src := range sources {
		schema := schemas[i]
		g.Go(func() error {
			return p.runSource(gctx, rc, logger, src, schema, batches)
		})
	}
	groupErr := g.Wait()
	close(batches)
	writerWG.Wait()

	persisted := rc.Summary().Persisted
	switch {
	case storeErr != nil:
		return p.finish(ctx, rc, logger, crawler.RunFailed, false, storeErr)
	case ctx.Err() != nil:
		cause := fmt.Errorf("%w: %w", crawler.ErrRunCanceled, context.Cause(ctx))
		if persisted > 0 {
			_, _ = p.finish(ctx, rc, logger, crawler.RunDone, true, cause)
			return rc.Summary(), cause
		}
		return p.finish(ctx, rc, logger, crawler.RunFailed, false, cause)
	case groupErr != nil:
		return p.finish(ctx, rc, logger, crawler.RunFailed, false, groupErr)
	default:
		return p.finish(ctx, rc, logger, crawler.RunDone, false, nil)
	}
}

func (p *Pipeline) resolveSchemas(sources []crawler.Source) ([]parser.Schema, error) {
	out := make([]parser.Schema, len(sources))
	for i, src := range sources {
		s, err := p.cfg.Schemas.Get(src.Schema)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		out[i] = s
	}
	return out, nil
}

// runSource streams one source through parse and normalize. It returns a
// *crawler.FetchError when the source cannot be fetched, which ends the run.
func (p *Pipeline) runSource(
	ctx context.Context,
	rc *RunContext,
	logger *zap.Logger,
	src crawler.Source,
	schema parser.Schema,
	out chan<- batch,
) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer().Start(ctx, "source")
	defer span.End()
	span.SetAttributes(attribute.String("source.id", src.ID), attribute.String("schema", schema.Name))
	logger = logger.With(zap.String("source", src.ID))

	for doc, err := range p.cfg.Fetcher.Pages(ctx, src) {
		if err != nil {
			return p.sourceFailed(ctx, rc, logger, src, err)
		}
		rc.update(func(s *crawler.RunSummary) { s.Fetched++ })
		p.emit(rc, progress.Event{
			Stage:       progress.StagePageDone,
			SourceID:    src.ID,
			URL:         doc.URL,
			Page:        doc.Page,
			Bytes:       int64(len(doc.Body)),
			StatusClass: progress.ClassifyStatus(doc.StatusCode),
		})
		// A page fetched while the run was being canceled is still kept.
		// The writer drains every batch until the channel closes.
		keep := context.WithoutCancel(ctx)
		p.archive(keep, logger, doc)

		rows, ok := p.process(keep, rc, logger, doc, schema)
		if !ok || len(rows) == 0 {
			continue
		}
		out <- batch{sourceID: src.ID, rows: rows}
	}
	return nil
}

func (p *Pipeline) sourceFailed(ctx context.Context, rc *RunContext, logger *zap.Logger, src crawler.Source, err error) error {
	span := trace.SpanFromContext(ctx)
	if errors.Is(err, crawler.ErrRunCanceled) {
		logger.Debug("source stopped", zap.Error(err))
		return err
	}
	rc.update(func(s *crawler.RunSummary) { s.Failed++ })
	span.RecordError(err)
	span.SetStatus(codes.Error, "fetch failed")
	evt := progress.Event{Stage: progress.StagePageFailed, SourceID: src.ID, Note: err.Error()}
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		evt.URL = fe.URL
		evt.Attempt = fe.Attempts
		evt.StatusClass = progress.ClassifyStatus(fe.StatusCode)
	}
	p.emit(rc, evt)
	logger.Error("source failed", zap.Error(err))
	return err
}

// process parses and normalizes one document. It reports false when the
// document was skipped.
func (p *Pipeline) process(
	ctx context.Context,
	rc *RunContext,
	logger *zap.Logger,
	doc crawler.RawDocument,
	schema parser.Schema,
) ([]crawler.CanonicalRow, bool) {
	p.advance(ctx, rc, logger, crawler.RunParsing)
	res, err := parser.Parse(doc, schema)
	if err != nil {
		rc.update(func(s *crawler.RunSummary) { s.Skipped++ })
		metrics.ObserveRecords(doc.SourceID, "parse_error", 1)
		p.emit(rc, progress.Event{Stage: progress.StageParseError, SourceID: doc.SourceID, URL: doc.URL, Page: doc.Page, Note: err.Error()})
		logger.Warn("document skipped", zap.String("url", doc.URL), zap.Error(err))
		return nil, false
	}
	rc.update(func(s *crawler.RunSummary) { s.Parsed += len(res.Records) })
	metrics.ObserveRecords(doc.SourceID, "parsed", len(res.Records))
	metrics.ObserveRecords(doc.SourceID, "skipped_row", res.SkippedRows)
	if res.SkippedRows > 0 {
		logger.Debug("rows without required fields ignored", zap.String("url", doc.URL), zap.Int("rows", res.SkippedRows))
	}

	p.advance(ctx, rc, logger, crawler.RunNormalizing)
	rows, report := p.cfg.Normalizer.Normalize(res.Records)
	rc.update(func(s *crawler.RunSummary) {
		s.Normalized += len(rows)
		s.Skipped += report.Dropped
		s.Deduplicated += report.Deduplicated
	})
	metrics.ObserveRecords(doc.SourceID, "dropped", report.Dropped)
	metrics.ObserveRecords(doc.SourceID, "deduplicated", report.Deduplicated)
	for _, verr := range report.Errors {
		logger.Debug("record dropped", zap.Error(verr))
	}
	return rows, true
}

// write is the single writer. After a store failure it cancels the run and
// drains the channel so producers never block.
func (p *Pipeline) write(
	ctx context.Context,
	rc *RunContext,
	logger *zap.Logger,
	in <-chan batch,
	cancelRun context.CancelCauseFunc,
) error {
	var failed error
	for b := range in {
		if failed != nil {
			continue
		}
		p.advance(ctx, rc, logger, crawler.RunPersisting)
		res, err := p.cfg.Store.Upsert(ctx, b.rows)
		if err != nil {
			var se *crawler.StoreError
			if !errors.As(err, &se) {
				err = &crawler.StoreError{Op: "upsert", Err: err}
			}
			failed = err
			logger.Error("store write failed", zap.Error(err))
			cancelRun(err)
			continue
		}
		rc.update(func(s *crawler.RunSummary) { s.Persisted += res.Applied() })
		metrics.ObserveUpsert(res.Inserted, res.Updated, res.Unchanged)
		p.emit(rc, progress.Event{Stage: progress.StagePersisted, SourceID: b.sourceID, Records: int64(res.Applied())})
	}
	return failed
}

func (p *Pipeline) archive(ctx context.Context, logger *zap.Logger, doc crawler.RawDocument) {
	if p.cfg.Archive == nil || doc.ContentHash == "" {
		return
	}
	ext, contentType := ".html", "text/html; charset=utf-8"
	if doc.Format == crawler.FormatJSON {
		ext, contentType = ".json", "application/json"
	}
	objectPath := sha256.ArchivePath(path.Join(p.cfg.ArchivePrefix, doc.SourceID), doc.ContentHash, ext)
	if _, err := p.cfg.Archive.PutObject(ctx, objectPath, contentType, doc.Body); err != nil {
		logger.Warn("archive raw document failed", zap.String("url", doc.URL), zap.Error(err))
	}
}

func (p *Pipeline) recordStart(ctx context.Context, rc *RunContext, logger *zap.Logger) {
	p.emit(rc, progress.Event{Stage: progress.StageRunStart})
	logger.Info("run started", zap.Strings("sources", rc.Sources))
	if p.cfg.Runs == nil {
		return
	}
	_, err := p.cfg.Runs.GetRun(ctx, rc.ID)
	if errors.Is(err, crawler.ErrNotFound) {
		err = p.cfg.Runs.CreateRun(ctx, crawler.Run{
			ID:        rc.ID,
			Trigger:   "direct",
			State:     crawler.RunPending,
			Sources:   rc.Sources,
			Submitted: rc.Summary().StartedAt,
		})
	}
	if err != nil {
		logger.Warn("record run start failed", zap.Error(err))
	}
}

func (p *Pipeline) advance(ctx context.Context, rc *RunContext, logger *zap.Logger, next crawler.RunState) {
	rc.notifyMu.Lock()
	defer rc.notifyMu.Unlock()
	if rc.advance(next) {
		p.stateChanged(ctx, rc, logger, next)
	}
}

func (p *Pipeline) stateChanged(ctx context.Context, rc *RunContext, logger *zap.Logger, state crawler.RunState) {
	p.emit(rc, progress.Event{Stage: progress.StageRunState, State: string(state)})
	logger.Debug("run state changed", zap.String("state", string(state)))
	if p.cfg.Runs != nil {
		if err := p.cfg.Runs.UpdateRun(context.WithoutCancel(ctx), rc.ID, state, rc.Summary()); err != nil {
			logger.Warn("record run state failed", zap.String("state", string(state)), zap.Error(err))
		}
	}
}

func (p *Pipeline) finish(
	ctx context.Context,
	rc *RunContext,
	logger *zap.Logger,
	state crawler.RunState,
	partial bool,
	cause error,
) (crawler.RunSummary, error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	summary, err := rc.finish(state, partial, errText, p.cfg.Clock.Now())
	if err != nil {
		return summary, err
	}
	duration := summary.FinishedAt.Sub(summary.StartedAt)
	metrics.ObserveRun(string(state), duration)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("run.state", string(state)),
		attribute.Int("run.persisted", summary.Persisted),
		attribute.Bool("run.partial", partial),
	)
	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("fetched", summary.Fetched),
		zap.Int("parsed", summary.Parsed),
		zap.Int("normalized", summary.Normalized),
		zap.Int("persisted", summary.Persisted),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("deduplicated", summary.Deduplicated),
		zap.Bool("partial", partial),
		zap.Duration("duration", duration),
	}
	stage := progress.StageRunDone
	if state == crawler.RunFailed {
		stage = progress.StageRunFailed
		span.RecordError(cause)
		span.SetStatus(codes.Error, "run failed")
		logger.Error("run failed", append(fields, zap.Error(cause))...)
	} else {
		logger.Info("run finished", fields...)
	}
	p.emit(rc, progress.Event{Stage: stage, State: string(state), Records: int64(summary.Persisted), Dur: duration, Note: errText})

	if p.cfg.Runs != nil {
		if err := p.cfg.Runs.UpdateRun(context.WithoutCancel(ctx), rc.ID, state, summary); err != nil {
			logger.Warn("record run result failed", zap.Error(err))
		}
	}
	if state == crawler.RunDone && summary.Persisted > 0 {
		p.publish(context.WithoutCancel(ctx), rc, logger, summary)
	}
	if state == crawler.RunFailed {
		return summary, cause
	}
	return summary, nil
}

func (p *Pipeline) publish(ctx context.Context, rc *RunContext, logger *zap.Logger, summary crawler.RunSummary) {
	if p.cfg.Publisher == nil {
		return
	}
	notice := crawler.RefreshNotice{
		RunID:      rc.ID,
		State:      summary.State,
		Sources:    rc.Sources,
		Persisted:  summary.Persisted,
		Partial:    summary.Partial,
		FinishedAt: summary.FinishedAt,
	}
	id, err := p.cfg.Publisher.Publish(ctx, p.cfg.Topic, notice)
	if err != nil {
		logger.Warn("publish refresh notice failed", zap.Error(err))
		return
	}
	logger.Debug("refresh notice published", zap.String("message_id", id))
}

func (p *Pipeline) emit(rc *RunContext, evt progress.Event) {
	evt.RunID = rc.ID
	evt.TS = p.cfg.Clock.Now()
	p.cfg.Progress.Emit(evt)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
