package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogResolve(t *testing.T) {
	c, err := NewCatalog([]Source{{ID: "aoc-es"}, {ID: "aoc-fr"}, {ID: "hn"}})
	require.NoError(t, err)
	require.Equal(t, []string{"aoc-es", "aoc-fr", "hn"}, c.IDs())

	all, err := c.Resolve(nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	some, err := c.Resolve([]string{"hn", "aoc-es", "hn"})
	require.NoError(t, err)
	require.Equal(t, "hn", some[0].ID)
	require.Equal(t, "aoc-es", some[1].ID)
	require.Len(t, some, 2)

	_, err = c.Resolve([]string{"missing"})
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestNewCatalogRejectsBadIDs(t *testing.T) {
	_, err := NewCatalog([]Source{{ID: "a"}, {ID: "a"}})
	require.ErrorContains(t, err, "duplicate")

	_, err = NewCatalog([]Source{{}})
	require.ErrorContains(t, err, "required")
}
