package cache

import (
	"strconv"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/shardvault/shardvault/modules"
)

// ChunkCache is the per-chunk in-memory cache the download coordinator
// populates opportunistically: a chunk read during a download is kept
// for ChunkCacheTTL, keyed by (file_id, chunk_number), so a retry of
// the same download serves without a network round trip.
type ChunkCache struct {
	store *ristretto.Cache[string, []byte]
}

// NewChunkCache builds a bounded-cost in-memory chunk cache.
func NewChunkCache(maxCostBytes int64) (*ChunkCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 1000,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ChunkCache{store: c}, nil
}

// chunkKey builds the "<file_id>_<chunk_number>" composite key.
func chunkKey(fileID string, chunkNumber int) string {
	return fileID + "_" + strconv.Itoa(chunkNumber)
}

// Get returns the cached bytes for (fileID, chunkNumber).
func (c *ChunkCache) Get(fileID string, chunkNumber int) ([]byte, bool) {
	return c.store.Get(chunkKey(fileID, chunkNumber))
}

// Set caches data for (fileID, chunkNumber) for ChunkCacheTTL.
func (c *ChunkCache) Set(fileID string, chunkNumber int, data []byte) {
	key := chunkKey(fileID, chunkNumber)
	c.store.SetWithTTL(key, data, int64(len(data)), modules.ChunkCacheTTL)
	c.store.Wait()
}

// Close releases the cache's background goroutines.
func (c *ChunkCache) Close() {
	c.store.Close()
}
