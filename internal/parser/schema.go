// Package parser extracts records from raw documents according to an
// explicit schema. Parsing is a pure function of the document bytes.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// Kind is the declared type of an attribute. The parser emits raw values;
// the normalizer coerces them to the kind.
type Kind string

// Supported attribute kinds.
const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindDate   Kind = "date"
	KindBool   Kind = "bool"
	// KindStars is an integer in [0, 2]: the stars earned on one puzzle day.
	KindStars Kind = "stars"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindDate, KindBool, KindStars:
		return true
	}
	return false
}

// FieldSpec describes where one attribute lives in a row and how to type it.
//
// For HTML rows the value comes from Selector (relative to the row) when set,
// otherwise from the Cell-th <td>. For JSON rows it comes from the dotted
// JSONPath. When CountSelector is set the value is the number of matching
// elements instead of the text. Repeat expands the field into Name_1..Name_N
// over consecutive cells, or over JSONPath with {n} replaced by 1..N.
type FieldSpec struct {
	Name          string `yaml:"name" json:"name"`
	Cell          int    `yaml:"cell" json:"cell,omitempty"`
	Selector      string `yaml:"selector" json:"selector,omitempty"`
	Attr          string `yaml:"attr" json:"attr,omitempty"`
	JSONPath      string `yaml:"json_path" json:"json_path,omitempty"`
	CountSelector string `yaml:"count_selector" json:"count_selector,omitempty"`
	Kind          Kind   `yaml:"kind" json:"kind"`
	Required      bool   `yaml:"required" json:"required,omitempty"`
	Repeat        int    `yaml:"repeat" json:"repeat,omitempty"`
	Description   string `yaml:"description" json:"description,omitempty"`
}

// Expand returns the concrete fields of a repeated field, or the field itself.
func (f FieldSpec) Expand() []FieldSpec {
	if f.Repeat <= 0 {
		return []FieldSpec{f}
	}
	out := make([]FieldSpec, 0, f.Repeat)
	for i := 1; i <= f.Repeat; i++ {
		cp := f
		cp.Repeat = 0
		cp.Name = f.Name + "_" + strconv.Itoa(i)
		cp.Cell = f.Cell + i - 1
		cp.JSONPath = strings.ReplaceAll(f.JSONPath, "{n}", strconv.Itoa(i))
		if f.Description != "" {
			cp.Description = strings.ReplaceAll(f.Description, "{n}", strconv.Itoa(i))
		}
		out = append(out, cp)
	}
	return out
}

// Schema declares how to turn a document into records.
type Schema struct {
	Name    string         `yaml:"name" json:"name"`
	Version int            `yaml:"version" json:"version"`
	Format  crawler.Format `yaml:"format" json:"format"`
	// Container must be present in an HTML document for it to be parseable.
	// When empty, a document without any rows is a parse error.
	Container string `yaml:"container" json:"container,omitempty"`
	// RowSelector is a CSS selector for HTML or a dotted path to an array or
	// object of rows for JSON.
	RowSelector string `yaml:"row_selector" json:"row_selector"`
	// MinCells drops HTML rows with fewer <td> cells.
	MinCells  int         `yaml:"min_cells" json:"min_cells,omitempty"`
	KeyFields []string    `yaml:"key_fields" json:"key_fields"`
	Fields    []FieldSpec `yaml:"fields" json:"fields"`
	// Derive names a normalizer derivation applied after coercion.
	Derive string `yaml:"derive" json:"derive,omitempty"`
	// Derived documents the columns the derivation adds.
	Derived     []FieldSpec `yaml:"derived" json:"derived,omitempty"`
	Description string      `yaml:"description" json:"description,omitempty"`
}

// Columns returns every attribute a canonical row of this schema carries,
// with repeated fields expanded.
func (s Schema) Columns() []FieldSpec {
	var out []FieldSpec
	for _, f := range s.Fields {
		out = append(out, f.Expand()...)
	}
	return append(out, s.Derived...)
}

// Kinds maps each column name to its kind.
func (s Schema) Kinds() map[string]Kind {
	cols := s.Columns()
	out := make(map[string]Kind, len(cols))
	for _, c := range cols {
		out[c.Name] = c.Kind
	}
	return out
}

// AttrType is the Go type the normalizer coerces values of this kind to.
func (k Kind) AttrType() crawler.AttrType {
	switch k {
	case KindInt, KindStars:
		return crawler.TypeInt
	case KindFloat:
		return crawler.TypeFloat
	case KindDate:
		return crawler.TypeTime
	case KindBool:
		return crawler.TypeBool
	case KindString:
		return crawler.TypeString
	default:
		return crawler.TypeAny
	}
}

// Validate checks the schema for internal consistency.
func (s Schema) Validate() error {
	if s.Name == "" {
		return errors.New("schema name is required")
	}
	if s.Version <= 0 {
		return fmt.Errorf("schema %s: version must be > 0", s.Name)
	}
	if s.Format != crawler.FormatHTML && s.Format != crawler.FormatJSON {
		return fmt.Errorf("schema %s: unsupported format %q", s.Name, s.Format)
	}
	if s.RowSelector == "" {
		return fmt.Errorf("schema %s: row_selector is required", s.Name)
	}
	if len(s.KeyFields) == 0 {
		return fmt.Errorf("schema %s: at least one key field is required", s.Name)
	}
	names := make(map[string]Kind)
	for _, f := range s.Columns() {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field name is required", s.Name)
		}
		if !f.Kind.valid() {
			return fmt.Errorf("schema %s: field %s has unknown kind %q", s.Name, f.Name, f.Kind)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("schema %s: duplicate field %s", s.Name, f.Name)
		}
		names[f.Name] = f.Kind
	}
	for _, k := range s.KeyFields {
		if _, ok := names[k]; !ok {
			return fmt.Errorf("schema %s: key field %s is not declared", s.Name, k)
		}
	}
	return nil
}

func (s Schema) isKey(name string) bool {
	for _, k := range s.KeyFields {
		if k == name {
			return true
		}
	}
	return false
}

// NaturalKey builds the stable identity of a row: the schema name followed by
// the trimmed, lower-cased key values joined with "|".
func NaturalKey(schema string, values ...string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return schema + ":" + strings.Join(parts, "|")
}
