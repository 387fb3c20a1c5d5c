package crawler

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestErrorsUnwrapAndAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	cases := []error{
		&FetchError{SourceID: "s", URL: "http://x", StatusCode: 503, Attempts: 4, Retryable: true, Err: cause},
		NewParseError("s", "http://x", []byte("<html>"), cause),
		&ValidationError{NaturalKey: "k", Field: "points", Value: "abc", Err: cause},
		&StoreError{Op: "upsert", Err: cause},
	}
	for _, err := range cases {
		wrapped := fmt.Errorf("run: %w", err)
		require.ErrorIs(t, wrapped, cause)
	}

	var fe *FetchError
	require.True(t, errors.As(fmt.Errorf("x: %w", cases[0]), &fe))
	require.Equal(t, 503, fe.StatusCode)
	require.Contains(t, fe.Error(), "status 503")
	require.Contains(t, fe.Error(), "after 4 attempt(s)")
}

func TestSnippetCollapsesWhitespaceAndTruncates(t *testing.T) {
	t.Parallel()

	require.Equal(t, "<div> a b </div>", Snippet([]byte("<div>\n\t a   b \n</div>")))

	long := strings.Repeat("x", 500)
	require.Len(t, Snippet([]byte(long)), 200)
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	// Byte 200 falls inside the last two-byte rune.
	body := "x" + strings.Repeat("é", 150)
	got := Snippet([]byte(body))
	require.True(t, utf8.ValidString(got))
	require.Len(t, got, 199)
	require.Equal(t, "x"+strings.Repeat("é", 99), got)
}
