package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

func TestCoerce(t *testing.T) {
	day := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		kind parser.Kind
		in   any
		want any
	}{
		{parser.KindString, " x ", "x"},
		{parser.KindString, 12, "12"},
		{parser.KindInt, "1,234", int64(1234)},
		{parser.KindInt, "7.0", int64(7)},
		{parser.KindInt, int64(9), int64(9)},
		{parser.KindInt, json.Number("5"), int64(5)},
		{parser.KindFloat, "12.5", 12.5},
		{parser.KindFloat, int64(3), 3.0},
		{parser.KindDate, "2025-12-01", day},
		{parser.KindDate, "2025-12-01T00:00:00Z", day},
		{parser.KindDate, day, day},
		{parser.KindDate, "0", nil},
		{parser.KindBool, "yes", true},
		{parser.KindBool, "false", false},
		{parser.KindStars, "2", int64(2)},
		{parser.KindInt, "", nil},
		{parser.KindFloat, nil, nil},
	}
	for _, tt := range tests {
		got, err := coerce(tt.kind, tt.in)
		require.NoError(t, err, "%s %v", tt.kind, tt.in)
		require.Equal(t, tt.want, got, "%s %v", tt.kind, tt.in)
	}
}

func TestCoerceRejects(t *testing.T) {
	tests := []struct {
		kind parser.Kind
		in   any
	}{
		{parser.KindInt, "1.5"},
		{parser.KindInt, "abc"},
		{parser.KindFloat, "NaN"},
		{parser.KindDate, "yesterday"},
		{parser.KindBool, "maybe"},
		{parser.KindStars, "3"},
		{parser.KindStars, "-1"},
	}
	for _, tt := range tests {
		_, err := coerce(tt.kind, tt.in)
		require.Error(t, err, "%s %v", tt.kind, tt.in)
	}
}
