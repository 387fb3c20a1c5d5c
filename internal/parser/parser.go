package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// Result holds the records extracted from one document.
type Result struct {
	Records []crawler.Record
	// SkippedRows counts rows dropped for missing required fields or too
	// few cells.
	SkippedRows int
}

// Parse extracts records from doc. A document that cannot be parsed at all
// yields a *crawler.ParseError; individual bad rows are skipped and counted.
// Missing optional fields are present in Attributes with a nil value.
func Parse(doc crawler.RawDocument, schema Schema) (Result, error) {
	format := schema.Format
	if format == "" {
		format = doc.Format
	}
	var (
		res Result
		err error
	)
	switch format {
	case crawler.FormatHTML:
		res, err = parseHTML(doc, schema)
	case crawler.FormatJSON:
		res, err = parseJSON(doc, schema)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return Result{}, crawler.NewParseError(doc.SourceID, doc.URL, doc.Body, err)
	}
	return res, nil
}

// rowBuilder accumulates one record and tracks whether it is usable.
type rowBuilder struct {
	schema Schema
	attrs  map[string]any
	ok     bool
}

func newRow(schema Schema, width int) *rowBuilder {
	return &rowBuilder{schema: schema, attrs: make(map[string]any, width), ok: true}
}

func (b *rowBuilder) set(f FieldSpec, v any, present bool) {
	if s, isStr := v.(string); isStr && s == "" {
		present = false
	}
	if !present {
		b.attrs[f.Name] = nil
		if f.Required || b.schema.isKey(f.Name) {
			b.ok = false
		}
		return
	}
	b.attrs[f.Name] = v
}

func (b *rowBuilder) record(doc crawler.RawDocument) crawler.Record {
	keys := make([]string, len(b.schema.KeyFields))
	for i, k := range b.schema.KeyFields {
		keys[i] = fmt.Sprint(b.attrs[k])
	}
	return crawler.Record{
		NaturalKey:  NaturalKey(b.schema.Name, keys...),
		SourceID:    doc.SourceID,
		Schema:      b.schema.Name,
		Attributes:  b.attrs,
		ExtractedAt: doc.FetchedAt,
	}
}

func parseHTML(doc crawler.RawDocument, schema Schema) (Result, error) {
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return Result{}, fmt.Errorf("read html: %w", err)
	}
	if schema.Container != "" && dom.Find(schema.Container).Length() == 0 {
		return Result{}, fmt.Errorf("container %q not found", schema.Container)
	}
	rows := dom.Find(schema.RowSelector)
	if schema.Container == "" && rows.Length() == 0 {
		return Result{}, fmt.Errorf("no rows match %q", schema.RowSelector)
	}

	fields := schema.Columns()[:expandedFieldCount(schema)]
	var res Result
	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if schema.MinCells > 0 && cells.Length() < schema.MinCells {
			res.SkippedRows++
			return
		}
		b := newRow(schema, len(fields))
		for _, f := range fields {
			v, present := htmlValue(row, cells, f)
			b.set(f, v, present)
		}
		if !b.ok {
			res.SkippedRows++
			return
		}
		res.Records = append(res.Records, b.record(doc))
	})
	return res, nil
}

func htmlValue(row, cells *goquery.Selection, f FieldSpec) (any, bool) {
	var sel *goquery.Selection
	if f.Selector != "" {
		sel = row.Find(f.Selector).First()
	} else {
		if f.Cell < 0 || f.Cell >= cells.Length() {
			return nil, false
		}
		sel = cells.Eq(f.Cell)
	}
	if sel.Length() == 0 {
		return nil, false
	}
	switch {
	case f.CountSelector != "":
		return strconv.Itoa(sel.Find(f.CountSelector).Length()), true
	case f.Attr != "":
		v, ok := sel.Attr(f.Attr)
		return strings.TrimSpace(v), ok
	default:
		return strings.TrimSpace(sel.Text()), true
	}
}

func parseJSON(doc crawler.RawDocument, schema Schema) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(doc.Body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("decode json: %w", err)
	}
	container, ok := lookup(payload, schema.RowSelector)
	if !ok {
		return Result{}, fmt.Errorf("path %q not found", schema.RowSelector)
	}
	rows, err := jsonRows(container)
	if err != nil {
		return Result{}, err
	}

	fields := schema.Columns()[:expandedFieldCount(schema)]
	var res Result
	for _, row := range rows {
		obj, isObj := row.(map[string]any)
		if !isObj {
			res.SkippedRows++
			continue
		}
		b := newRow(schema, len(fields))
		for _, f := range fields {
			v, present := jsonValue(obj, f)
			b.set(f, v, present)
		}
		if !b.ok {
			res.SkippedRows++
			continue
		}
		res.Records = append(res.Records, b.record(doc))
	}
	return res, nil
}

// jsonRows accepts an array of rows or an object whose values are rows. Object
// rows are returned in key order so parsing stays deterministic.
func jsonRows(container any) ([]any, error) {
	switch c := container.(type) {
	case []any:
		return c, nil
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, c[k])
		}
		return out, nil
	default:
		return nil, errors.New("row container is neither an array nor an object")
	}
}

func jsonValue(obj map[string]any, f FieldSpec) (any, bool) {
	path := f.JSONPath
	if path == "" {
		path = f.Name
	}
	v, ok := lookup(obj, path)
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case json.Number:
		return t.String(), true
	case map[string]any:
		if f.Kind == KindStars || f.CountSelector != "" {
			return strconv.Itoa(len(t)), true
		}
		return nil, false
	case []any:
		if f.Kind == KindStars || f.CountSelector != "" {
			return strconv.Itoa(len(t)), true
		}
		return nil, false
	case bool:
		return strconv.FormatBool(t), true
	default:
		return v, true
	}
}

// lookup walks a dotted path through nested objects.
func lookup(v any, path string) (any, bool) {
	if path == "" || path == "." {
		return v, true
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// expandedFieldCount is the number of extracted (non-derived) columns.
func expandedFieldCount(s Schema) int {
	n := 0
	for _, f := range s.Fields {
		n += len(f.Expand())
	}
	return n
}
