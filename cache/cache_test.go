package cache_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/cache"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/store"
)

func TestDiskCacheStoreAndGet(t *testing.T) {
	d, err := cache.NewDiskCache(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)

	assert.False(t, d.IsCached("f1"))
	require.NoError(t, d.Store("f1", []byte("payload")))
	assert.True(t, d.IsCached("f1"))

	data, ok, err := d.Get("f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, d.Evict("f1"))
	_, ok, err = d.Get("f1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShouldCacheBySizeAccessCountAndRecency(t *testing.T) {
	now := time.Now()
	small := modules.File{Size: 10}

	assert.False(t, cache.ShouldCache(small, modules.FileAccessStats{}, now))
	assert.True(t, cache.ShouldCache(small, modules.FileAccessStats{AccessCount: 3}, now))
	assert.True(t, cache.ShouldCache(small, modules.FileAccessStats{LastAccess: now.Add(-time.Hour)}, now))
	assert.False(t, cache.ShouldCache(small, modules.FileAccessStats{LastAccess: now.Add(-48 * time.Hour)}, now))

	huge := modules.File{Size: modules.CacheableFileSize + 1}
	assert.False(t, cache.ShouldCache(huge, modules.FileAccessStats{AccessCount: 10}, now))
}

func TestManagerCachesChunkByFileAndChunkNumber(t *testing.T) {
	m, err := cache.NewManager(filepath.Join(t.TempDir(), "files"), 1<<20, store.NewMemStore())
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.ChunkFromCache("f1", 0)
	assert.False(t, ok)

	m.CacheChunk("f1", 0, []byte("chunk-bytes"))
	data, ok := m.ChunkFromCache("f1", 0)
	require.True(t, ok)
	assert.Equal(t, []byte("chunk-bytes"), data)
}

func TestManagerMaybeCacheFileHonorsHeuristic(t *testing.T) {
	s := store.NewMemStore()
	m, err := cache.NewManager(filepath.Join(t.TempDir(), "files"), 1<<20, s)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	file := modules.File{ID: "f1", Size: 10}
	require.NoError(t, m.MaybeCacheFile(ctx, file, []byte("payload")))
	assert.False(t, m.Disk.IsCached("f1"))

	for i := 0; i < 3; i++ {
		_, _, err := m.ServeFile(ctx, "f1")
		require.NoError(t, err)
	}
	require.NoError(t, m.MaybeCacheFile(ctx, file, []byte("payload")))
	assert.True(t, m.Disk.IsCached("f1"))
}
