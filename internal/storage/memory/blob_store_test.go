package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/page.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://raw/page.html", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), "raw/page.html")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), "raw/page.html")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = NewBlobStore().PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
