package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/progress"
)

// PrometheusSink derives run and page collectors from progress events. It
// registers against the given registry so tests can use a private one.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	pages         *prometheus.CounterVec
	pageRetries   *prometheus.CounterVec
	parseErrors   *prometheus.CounterVec
	pageDuration  *prometheus.HistogramVec
	rowsPersisted prometheus.Counter

	active *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankcrawler_progress_runs_started_total",
			Help: "Runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankcrawler_progress_runs_finished_total",
			Help: "Runs finished, partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rankcrawler_progress_runs_active",
			Help: "Runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rankcrawler_progress_run_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankcrawler_progress_pages_total",
			Help: "Pages completed, partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		pageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankcrawler_progress_page_retries_total",
			Help: "Page fetch retries, partitioned by source.",
		}, []string{"source"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rankcrawler_progress_parse_errors_total",
			Help: "Documents skipped because they could not be parsed.",
		}, []string{"source"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rankcrawler_progress_page_seconds",
			Help:    "Fetch duration per page, partitioned by source.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		rowsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rankcrawler_progress_rows_persisted_total",
			Help: "Rows applied to the store.",
		}),
		active: &runTracker{running: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsActive, s.runDuration,
		s.pages, s.pageRetries, s.parseErrors, s.pageDuration, s.rowsPersisted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.active.start(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finish(evt, "done")
		case progress.StageRunFailed:
			s.finish(evt, "failed")
		case progress.StagePageDone, progress.StagePageFailed:
			class := evt.StatusClass
			if class == "" {
				class = progress.StatusOther
			}
			s.pages.WithLabelValues(evt.SourceID, string(class)).Inc()
			if evt.Dur > 0 {
				s.pageDuration.WithLabelValues(evt.SourceID).Observe(evt.Dur.Seconds())
			}
		case progress.StagePageRetry:
			s.pageRetries.WithLabelValues(evt.SourceID).Inc()
		case progress.StageParseError:
			s.parseErrors.WithLabelValues(evt.SourceID).Inc()
		case progress.StagePersisted:
			s.rowsPersisted.Add(float64(evt.Records))
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.active.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
