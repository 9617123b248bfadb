package objectstore

import (
	"context"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/shardvault/shardvault/modules"
)

// BucketListCache memoizes a Backend's list_buckets result for
// BucketCacheTTL. Stale reads are acceptable here because the
// download path's bucket fallback cascade already tolerates a bucket
// turning out to be wrong. Backed by ristretto rather than a
// hand-rolled map+mutex+expiry, the same library cache.Manager uses
// for the per-chunk tier.
type BucketListCache struct {
	store *ristretto.Cache[string, []string]
}

// NewBucketListCache builds a cache sized for a modest number of
// backends; each entry is a small slice of bucket names.
func NewBucketListCache() (*BucketListCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: 1_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &BucketListCache{store: c}, nil
}

// Get returns the cached bucket list for backendID and whether it was
// present and unexpired.
func (c *BucketListCache) Get(backendID string) ([]string, bool) {
	v, ok := c.store.Get(backendID)
	return v, ok
}

// Set refreshes the cached bucket list for backendID with a
// BucketCacheTTL lifetime.
func (c *BucketListCache) Set(backendID string, buckets []string) {
	c.store.SetWithTTL(backendID, buckets, int64(len(buckets)+1), modules.BucketCacheTTL)
	c.store.Wait()
}

// Buckets returns the cached bucket list for b, refreshing it via
// client.ListBuckets on a cache miss.
func (c *BucketListCache) Buckets(ctx context.Context, client Client, b modules.Backend) ([]string, error) {
	if names, ok := c.Get(b.ID); ok {
		return names, nil
	}
	names, err := client.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(b.ID, names)
	return names, nil
}

// Close releases the underlying cache's background goroutines.
func (c *BucketListCache) Close() {
	c.store.Close()
}
