package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/analytics"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

const (
	defaultRowLimit = 100
	maxRowLimit     = 5000
	defaultTopN     = 10
	attrParamPrefix = "attr."
	latestDayParam  = "latest"
)

// rankingKeyPrefix scopes analytics to ranking rows unless key_prefix says
// otherwise. Private leaderboard rows carry their own points scale.
var rankingKeyPrefix = parser.SchemaAoCRanking + ":"

// parsePredicate reads schema_version, source, key_prefix, since (RFC 3339)
// and limit. Parameters named attr.<field> become case-insensitive equality
// filters.
func parsePredicate(r *http.Request, defLimit, maxLimit int) (crawler.Predicate, error) {
	q := r.URL.Query()
	pred := crawler.Predicate{
		SourceID:  q.Get("source"),
		KeyPrefix: q.Get("key_prefix"),
	}
	if v := q.Get("schema_version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pred, errors.New("invalid schema_version")
		}
		pred.SchemaVersion = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return pred, errors.New("invalid since")
		}
		pred.Since = ts
	}
	limit, _, err := parseLimitOffset(r, defLimit, maxLimit)
	if err != nil {
		return pred, err
	}
	pred.Limit = limit
	for key, vals := range q {
		field, ok := strings.CutPrefix(key, attrParamPrefix)
		if !ok || len(vals) == 0 {
			continue
		}
		if field == "" {
			return pred, fmt.Errorf("invalid filter %q", key)
		}
		if pred.Equals == nil {
			pred.Equals = make(map[string]string)
		}
		pred.Equals[field] = vals[0]
	}
	return pred, nil
}

// listRows handles GET /v1/rows and answers {"rows": [...]} ordered by key.
func (s *Server) listRows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rows == nil {
		writeError(w, http.StatusServiceUnavailable, "row store unavailable")
		return
	}
	pred, err := parsePredicate(r, defaultRowLimit, maxRowLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows := make([]crawler.CanonicalRow, 0)
	for row, err := range s.deps.Rows.Query(r.Context(), pred) {
		if err != nil {
			s.logger.Error("query rows failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to query rows")
			return
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// analyticsPredicate parses filters as for /v1/rows, drops the limit so every
// matching row counts, and defaults key_prefix to the ranking schema.
func analyticsPredicate(r *http.Request) (crawler.Predicate, error) {
	pred, err := parsePredicate(r, defaultRowLimit, maxRowLimit)
	if err != nil {
		return pred, err
	}
	pred.Limit = 0
	if pred.KeyPrefix == "" {
		pred.KeyPrefix = rankingKeyPrefix
	}
	return pred, nil
}

// analyticsDay reads ?day= as 1-25 or "latest", falling back to def.
func analyticsDay(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("day")
	switch v {
	case "":
		return def, nil
	case latestDayParam:
		return analytics.LatestDay, nil
	}
	day, err := strconv.Atoi(v)
	if err != nil || day < 1 || day > 25 {
		return 0, errors.New("invalid day")
	}
	return day, nil
}

// topN handles GET /v1/analytics/top?n=. Ranking happens over every matching
// row.
func (s *Server) topN(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rows == nil {
		writeError(w, http.StatusServiceUnavailable, "row store unavailable")
		return
	}
	pred, err := analyticsPredicate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n := defaultTopN
	if v := r.URL.Query().Get("n"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
	}
	entries, err := analytics.TopN(r.Context(), s.deps.Rows, pred, n)
	if err != nil {
		s.logger.Error("top-n failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute leaderboard")
		return
	}
	if entries == nil {
		entries = []analytics.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// campuses handles GET /v1/analytics/campuses?day=.
func (s *Server) campuses(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rows == nil {
		writeError(w, http.StatusServiceUnavailable, "row store unavailable")
		return
	}
	pred, err := analyticsPredicate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	day, err := analyticsDay(r, s.cfg.AnalyticsDay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := analytics.CampusSummary(r.Context(), s.deps.Rows, pred, day)
	if err != nil {
		s.logger.Error("campus summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// daily handles GET /v1/analytics/daily?day=.
func (s *Server) daily(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rows == nil {
		writeError(w, http.StatusServiceUnavailable, "row store unavailable")
		return
	}
	pred, err := analyticsPredicate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	day, err := analyticsDay(r, s.cfg.AnalyticsDay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	daily, err := analytics.DailySuccess(r.Context(), s.deps.Rows, pred, day)
	if err != nil {
		s.logger.Error("daily success failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute daily success")
		return
	}
	writeJSON(w, http.StatusOK, daily)
}

// listSchemas handles GET /v1/schemas.
func (s *Server) listSchemas(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Schemas == nil {
		writeError(w, http.StatusServiceUnavailable, "schemas unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": s.deps.Schemas.Names()})
}

type columnDTO struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Required    bool   `json:"required,omitempty"`
	Key         bool   `json:"key,omitempty"`
	Description string `json:"description,omitempty"`
}

// getSchema handles GET /v1/schemas/{name} with the expanded column list.
func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schemas == nil {
		writeError(w, http.StatusServiceUnavailable, "schemas unavailable")
		return
	}
	schema, err := s.deps.Schemas.Get(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, crawler.ErrUnknownSchema) {
			writeError(w, http.StatusNotFound, "schema not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load schema")
		return
	}
	keys := make(map[string]bool, len(schema.KeyFields))
	for _, k := range schema.KeyFields {
		keys[k] = true
	}
	cols := schema.Columns()
	out := make([]columnDTO, 0, len(cols))
	for _, c := range cols {
		out = append(out, columnDTO{
			Name:        c.Name,
			Kind:        string(c.Kind),
			Required:    c.Required,
			Key:         keys[c.Name],
			Description: c.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        schema.Name,
		"version":     schema.Version,
		"format":      schema.Format,
		"description": schema.Description,
		"columns":     out,
	})
}
