package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

var (
	errNotInteger = errors.New("not an integer")
	errNotNumber  = errors.New("not a number")
	errNotDate    = errors.New("not a recognized date")
	errNotBool    = errors.New("not a boolean")
	errStarRange  = errors.New("stars must be between 0 and 2")
)

// dateLayouts are tried in order for string dates.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// coerce converts a raw attribute to the Go type of kind. Values already of
// that type are returned unchanged. A nil result means absent.
func coerce(kind parser.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v = s
	}
	switch kind {
	case parser.KindString, "":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case parser.KindInt:
		return toInt(v)
	case parser.KindFloat:
		return toFloat(v)
	case parser.KindDate:
		return toTime(v)
	case parser.KindBool:
		return toBool(v)
	case parser.KindStars:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > 2 {
			return nil, errStarRange
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, errNotInteger
		}
		return int64(t), nil
	case json.Number:
		return toInt(t.String())
	case string:
		s := strings.ReplaceAll(t, ",", "")
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, errNotInteger
		}
		return int64(f), nil
	default:
		return 0, errNotInteger
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case json.Number:
		return toFloat(t.String())
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(t, ",", ""), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errNotNumber
		}
		return f, nil
	default:
		return 0, errNotNumber
	}
}

// toTime accepts RFC 3339 timestamps, plain dates, and unix seconds. A unix
// value of zero means "never" and is treated as absent.
func toTime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case int64, int, json.Number:
		n, err := toInt(t)
		if err != nil {
			return nil, errNotDate
		}
		return unix(n), nil
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return unix(n), nil
		}
		return nil, errNotDate
	default:
		return nil, errNotDate
	}
}

func unix(n int64) any {
	if n == 0 {
		return nil
	}
	return time.Unix(n, 0).UTC()
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "yes", "y", "on":
			return true, nil
		case "no", "n", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, errNotBool
		}
		return b, nil
	default:
		return false, errNotBool
	}
}
