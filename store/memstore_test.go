package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/store"
)

func twoBackends(t *testing.T, s store.Store) (modules.Backend, modules.Backend) {
	t.Helper()
	ctx := context.Background()
	b1 := modules.Backend{ID: "b1", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	b2 := modules.Backend{ID: "b2", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b1))
	require.NoError(t, s.CreateBackend(ctx, b2))
	return b1, b2
}

func TestCommitChunkBumpsBackendLoadAndUsage(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	b1, b2 := twoBackends(t, s)

	require.NoError(t, s.CreateFile(ctx, modules.File{ID: "f1", Name: "a", Size: 10}))
	chunk := modules.Chunk{ID: "c1", FileID: "f1", ChunkNumber: 0, Checksum: "abc", Size: 10}
	require.NoError(t, s.CommitChunk(ctx, chunk, []string{b1.ID, b2.ID}))

	got1, err := s.GetBackend(ctx, b1.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got1.Load)
	assert.EqualValues(t, 10, got1.StorageUsed)

	backends, err := s.BackendsForChunk(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, backends, 2)
}

func TestCommitChunkRejectsDuplicateChunkNumber(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	b1, _ := twoBackends(t, s)
	require.NoError(t, s.CreateFile(ctx, modules.File{ID: "f1", Size: 10}))

	chunk := modules.Chunk{ID: "c1", FileID: "f1", ChunkNumber: 0, Checksum: "abc", Size: 10}
	require.NoError(t, s.CommitChunk(ctx, chunk, []string{b1.ID}))

	dup := modules.Chunk{ID: "c2", FileID: "f1", ChunkNumber: 0, Checksum: "def", Size: 5}
	err := s.CommitChunk(ctx, dup, []string{b1.ID})
	assert.Error(t, err)
}

func TestDeleteFileCascadesChunksAndReleasesLoad(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	b1, _ := twoBackends(t, s)
	require.NoError(t, s.CreateFile(ctx, modules.File{ID: "f1", Size: 10}))
	require.NoError(t, s.CommitChunk(ctx, modules.Chunk{ID: "c1", FileID: "f1", ChunkNumber: 0, Checksum: "abc", Size: 10}, []string{b1.ID}))

	require.NoError(t, s.DeleteFile(ctx, "f1"))

	_, err := s.GetFile(ctx, "f1")
	assert.ErrorIs(t, err, modules.ErrFileNotFound)
	_, err = s.GetChunk(ctx, "c1")
	assert.ErrorIs(t, err, modules.ErrChunkNotFound)

	got, err := s.GetBackend(ctx, b1.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.Load)
	assert.EqualValues(t, 0, got.StorageUsed)
}

func TestUnderReplicatedChunksCountsOnlineOnly(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	b1, b2 := twoBackends(t, s)
	require.NoError(t, s.CreateFile(ctx, modules.File{ID: "f1", Size: 10}))
	require.NoError(t, s.CommitChunk(ctx, modules.Chunk{ID: "c1", FileID: "f1", ChunkNumber: 0, Checksum: "abc", Size: 10}, []string{b1.ID, b2.ID}))

	under, err := s.UnderReplicatedChunks(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, under)

	require.NoError(t, s.SetBackendFailed(ctx, b2.ID, time.Now(), 1))
	under, err = s.UnderReplicatedChunks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, under, 1)
	assert.Equal(t, "c1", under[0].ID)
}

func TestFileAccessStatsAccumulate(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.RecordFileAccess(ctx, "f1", time.Now()))
	require.NoError(t, s.RecordFileAccess(ctx, "f1", time.Now()))

	stats, err := s.FileAccessStats(ctx, "f1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.AccessCount)
	assert.EqualValues(t, 1, stats.PotentialHits())
}
