package objectstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/objectstore"
)

func TestEnsureBucketCreatesMissing(t *testing.T) {
	client := objectstore.NewMemClient()
	err := objectstore.EnsureBucket(context.Background(), client, "file-chunks")
	require.NoError(t, err)

	err = client.HeadBucket(context.Background(), "file-chunks")
	assert.NoError(t, err)
}

func TestEnsureBucketIdempotent(t *testing.T) {
	client := objectstore.NewMemClient()
	ctx := context.Background()
	require.NoError(t, objectstore.EnsureBucket(ctx, client, "file-chunks"))
	require.NoError(t, objectstore.EnsureBucket(ctx, client, "file-chunks"))

	names, err := client.ListBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-chunks"}, names)
}

func TestFallbackBucketNamesPrimaryFirst(t *testing.T) {
	names := objectstore.FallbackBucketNames("chunks")
	require.NotEmpty(t, names)
	assert.Equal(t, "chunks", names[0])
	for _, n := range names[1:] {
		assert.NotEqual(t, "chunks", n)
	}
}
