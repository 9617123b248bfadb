package objectstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
)

func TestBucketListCacheRefreshesOnMiss(t *testing.T) {
	cache, err := objectstore.NewBucketListCache()
	require.NoError(t, err)
	defer cache.Close()

	client := objectstore.NewMemClient()
	ctx := context.Background()
	require.NoError(t, client.CreateBucket(ctx, "chunks", false))

	names, err := cache.Buckets(ctx, client, modules.Backend{ID: "node-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"chunks"}, names)

	cached, ok := cache.Get("node-1")
	require.True(t, ok)
	require.Equal(t, []string{"chunks"}, cached)
}
