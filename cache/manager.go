package cache

import (
	"context"
	"time"

	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/store"
)

// Manager is the single process-wide owner of the file disk cache and
// the per-chunk cache. The download coordinator is the component that
// reads and fills them through it.
type Manager struct {
	Disk   *DiskCache
	Chunks *ChunkCache
	store  store.Store
}

// NewManager wires a DiskCache rooted at diskDir, a ChunkCache bounded
// at chunkCacheBytes, and the metadata store used for the file-level
// access-count heuristic.
func NewManager(diskDir string, chunkCacheBytes int64, s store.Store) (*Manager, error) {
	disk, err := NewDiskCache(diskDir)
	if err != nil {
		return nil, err
	}
	chunks, err := NewChunkCache(chunkCacheBytes)
	if err != nil {
		return nil, err
	}
	return &Manager{Disk: disk, Chunks: chunks, store: s}, nil
}

// ServeFile returns file's bytes from the disk cache if present,
// recording the access either way. Callers fall back to a full
// chunk-by-chunk download on a cache miss.
func (m *Manager) ServeFile(ctx context.Context, fileID string) ([]byte, bool, error) {
	if err := m.store.RecordFileAccess(ctx, fileID, time.Now()); err != nil {
		return nil, false, err
	}
	return m.Disk.Get(fileID)
}

// MaybeCacheFile stores data on disk for file if the access-count/
// recency heuristic says it should be cached.
func (m *Manager) MaybeCacheFile(ctx context.Context, file modules.File, data []byte) error {
	stats, err := m.store.FileAccessStats(ctx, file.ID)
	if err != nil {
		return err
	}
	if !ShouldCache(file, stats, time.Now()) {
		return nil
	}
	return m.Disk.Store(file.ID, data)
}

// CacheChunk opportunistically stores a downloaded chunk's bytes keyed
// by (fileID, chunkNumber).
func (m *Manager) CacheChunk(fileID string, chunkNumber int, data []byte) {
	m.Chunks.Set(fileID, chunkNumber, data)
}

// ChunkFromCache returns previously cached bytes for (fileID,
// chunkNumber), if any.
func (m *Manager) ChunkFromCache(fileID string, chunkNumber int) ([]byte, bool) {
	return m.Chunks.Get(fileID, chunkNumber)
}

// Close releases the chunk cache's background goroutines.
func (m *Manager) Close() {
	m.Chunks.Close()
}
