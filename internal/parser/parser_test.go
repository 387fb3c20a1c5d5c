package parser

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

var fetchedAt = time.Date(2025, 12, 5, 9, 0, 0, 0, time.UTC)

func rankingRow(login, campus, streak, points string, stars ...int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td>", login, campus, streak, points)
	for i := 0; i < aocDays; i++ {
		n := 0
		if i < len(stars) {
			n = stars[i]
		}
		b.WriteString("<td>" + strings.Repeat(`<span class="star1">*</span>`, n) + "</td>")
	}
	b.WriteString("</tr>")
	return b.String()
}

func rankingPage(rows ...string) string {
	return `<html><body><table id="rankingTable"><thead><tr><th>Login</th></tr></thead><tbody>` +
		strings.Join(rows, "") + `</tbody></table></body></html>`
}

func htmlDoc(body string) crawler.RawDocument {
	return crawler.RawDocument{
		SourceID:  "aoc-es",
		URL:       "https://aoc.example.com/ranking/es",
		FetchedAt: fetchedAt,
		Format:    crawler.FormatHTML,
		Body:      []byte(body),
	}
}

func TestParseRankingTable(t *testing.T) {
	body := rankingPage(
		rankingRow("Alice ", "Barcelona", "3", "120.5", 2, 2, 1),
		rankingRow("bob", "Madrid", "0", "40", 1),
	)

	res, err := Parse(htmlDoc(body), AoCRanking())
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Zero(t, res.SkippedRows)

	alice := res.Records[0]
	require.Equal(t, "aoc_ranking:alice", alice.NaturalKey)
	require.Equal(t, "aoc-es", alice.SourceID)
	require.Equal(t, SchemaAoCRanking, alice.Schema)
	require.Equal(t, fetchedAt, alice.ExtractedAt)
	require.Equal(t, "Alice", alice.Attributes["login"])
	require.Equal(t, "120.5", alice.Attributes["points"])
	require.Equal(t, "2", alice.Attributes["day_1"])
	require.Equal(t, "1", alice.Attributes["day_3"])
	require.Equal(t, "0", alice.Attributes["day_25"])
	require.NotContains(t, alice.Attributes, "total_stars")
}

func TestParseMissingOptionalIsNil(t *testing.T) {
	body := rankingPage(rankingRow("carol", "", "1", "10"))

	res, err := Parse(htmlDoc(body), AoCRanking())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	v, ok := res.Records[0].Attributes["campus"]
	require.True(t, ok)
	require.Nil(t, v)
}

func TestParseSkipsShortAndKeylessRows(t *testing.T) {
	body := rankingPage(
		"<tr><td>short</td><td>row</td></tr>",
		rankingRow("", "Madrid", "1", "1"),
		rankingRow("dave", "Madrid", "1", "1"),
	)

	res, err := Parse(htmlDoc(body), AoCRanking())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, 2, res.SkippedRows)
	require.Equal(t, "aoc_ranking:dave", res.Records[0].NaturalKey)
}

func TestParseEmptyTableIsNotAnError(t *testing.T) {
	res, err := Parse(htmlDoc(rankingPage()), AoCRanking())
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestParseMissingContainer(t *testing.T) {
	_, err := Parse(htmlDoc("<html><body><p>maintenance</p></body></html>"), AoCRanking())
	require.Error(t, err)

	var pe *crawler.ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "aoc-es", pe.SourceID)
	require.Contains(t, pe.Snippet, "maintenance")
}

func TestParseSelectorFields(t *testing.T) {
	schema := Schema{
		Name:        "links",
		Version:     1,
		Format:      crawler.FormatHTML,
		RowSelector: "li.item",
		KeyFields:   []string{"href"},
		Fields: []FieldSpec{
			{Name: "href", Selector: "a", Attr: "href", Kind: KindString, Required: true},
			{Name: "title", Selector: "a", Kind: KindString},
			{Name: "tags", Selector: "ul.tags", CountSelector: "li", Kind: KindInt},
		},
	}
	body := `<ul><li class="item"><a href="/a"> First </a><ul class="tags"><li>x</li><li>y</li></ul></li>
		<li class="item"><span>no link</span></li></ul>`

	res, err := Parse(htmlDoc(body), schema)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, 1, res.SkippedRows)
	require.Equal(t, "/a", res.Records[0].Attributes["href"])
	require.Equal(t, "First", res.Records[0].Attributes["title"])
	require.Equal(t, "2", res.Records[0].Attributes["tags"])
}

func TestParseNoRowsWithoutContainer(t *testing.T) {
	schema := Schema{
		Name: "links", Version: 1, Format: crawler.FormatHTML, RowSelector: "li.item",
		KeyFields: []string{"href"},
		Fields:    []FieldSpec{{Name: "href", Selector: "a", Attr: "href", Kind: KindString}},
	}
	_, err := Parse(htmlDoc("<p>nothing</p>"), schema)
	var pe *crawler.ParseError
	require.ErrorAs(t, err, &pe)
}

const leaderboardJSON = `{
  "event": "2025",
  "owner_id": 7,
  "members": {
    "42": {"id": 42, "name": "Alice", "local_score": 310, "last_star_ts": 1764924000,
           "completion_day_level": {"1": {"1": {}, "2": {}}, "2": {"1": {}}}},
    "7":  {"id": 7, "name": null, "local_score": 12, "last_star_ts": 0,
           "completion_day_level": {}},
    "bad": "not an object"
  }
}`

func jsonDoc(body string) crawler.RawDocument {
	return crawler.RawDocument{
		SourceID:  "aoc-private",
		URL:       "https://adventofcode.com/2025/leaderboard/private/view/7.json",
		FetchedAt: fetchedAt,
		Format:    crawler.FormatJSON,
		Body:      []byte(body),
	}
}

func TestParsePrivateLeaderboard(t *testing.T) {
	res, err := Parse(jsonDoc(leaderboardJSON), AoCPrivateLeaderboard())
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Equal(t, 1, res.SkippedRows)

	// Object rows come back in key order: "42" before "7".
	alice := res.Records[0]
	require.Equal(t, "aoc_private_leaderboard:42", alice.NaturalKey)
	require.Equal(t, "Alice", alice.Attributes["login"])
	require.Equal(t, "310", alice.Attributes["points"])
	require.Equal(t, "1764924000", alice.Attributes["last_star_at"])
	require.Equal(t, "2", alice.Attributes["day_1"])
	require.Equal(t, "1", alice.Attributes["day_2"])
	require.Nil(t, alice.Attributes["day_3"])

	anon := res.Records[1]
	require.Equal(t, "aoc_private_leaderboard:7", anon.NaturalKey)
	require.Nil(t, anon.Attributes["login"])
}

func TestParseJSONArrayRows(t *testing.T) {
	schema := Schema{
		Name: "scores", Version: 1, Format: crawler.FormatJSON, RowSelector: "data.items",
		KeyFields: []string{"user"},
		Fields: []FieldSpec{
			{Name: "user", JSONPath: "user.login", Kind: KindString, Required: true},
			{Name: "active", JSONPath: "active", Kind: KindBool},
		},
	}
	body := `{"data": {"items": [{"user": {"login": "Zed"}, "active": true}, {"active": false}]}}`

	res, err := Parse(jsonDoc(body), schema)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, 1, res.SkippedRows)
	require.Equal(t, "scores:zed", res.Records[0].NaturalKey)
	require.Equal(t, "true", res.Records[0].Attributes["active"])
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse(jsonDoc(`{"members": {`), AoCPrivateLeaderboard())
	var pe *crawler.ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "aoc-private", pe.SourceID)
}

func TestParseJSONMissingRowContainer(t *testing.T) {
	_, err := Parse(jsonDoc(`{"event": "2025"}`), AoCPrivateLeaderboard())
	var pe *crawler.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseIsDeterministic(t *testing.T) {
	body := rankingPage(rankingRow("alice", "Barcelona", "3", "120", 2))
	first, err := Parse(htmlDoc(body), AoCRanking())
	require.NoError(t, err)
	second, err := Parse(htmlDoc(body), AoCRanking())
	require.NoError(t, err)
	require.Equal(t, first, second)
}
