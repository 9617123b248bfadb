package download_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/cache"
	"github.com/shardvault/shardvault/download"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/store"
	"github.com/shardvault/shardvault/upload"
)

type quietWriter struct{}

func (quietWriter) Write(p []byte) (int, error) { return len(p), nil }

func newHarness(t *testing.T) (*store.MemStore, *objectstore.MemDialer, *upload.Coordinator, *download.Coordinator) {
	t.Helper()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 8)
	cm, err := cache.NewManager(t.TempDir(), 1<<20, s)
	require.NoError(t, err)
	t.Cleanup(cm.Close)
	down := download.New(s, dialer, cm, log, "file-chunks", nil)
	return s, dialer, up, down
}

func TestDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))
	}
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 8)
	cm, err := cache.NewManager(t.TempDir(), 1<<20, s)
	require.NoError(t, err)
	defer cm.Close()
	down := download.New(s, dialer, cm, log, "file-chunks", nil)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	file, err := up.Upload(ctx, "alice", "fox.txt", payload)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, down.Download(ctx, file.ID, &out))
	assert.Equal(t, payload, out.Bytes())
}

func TestDownloadFallsBackThroughAlternateSourceForDedupedChunk(t *testing.T) {
	ctx := context.Background()
	s, _, up, down := newHarness(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))
	}

	payload := []byte("shared-bytes")
	_, err := up.Upload(ctx, "alice", "a.txt", payload)
	require.NoError(t, err)
	f2, err := up.Upload(ctx, "bob", "b.txt", payload)
	require.NoError(t, err)

	// f2's chunk was committed via the dedup path: its own (f2.ID,
	// chunk_number) key was never actually written to any backend.
	// Downloading it must miss the primary lookup and recover the
	// bytes through the alternate-source cascade keyed on f1's chunk.
	var out bytes.Buffer
	require.NoError(t, down.Download(ctx, f2.ID, &out))
	assert.Equal(t, payload, out.Bytes())
}

func TestDownloadPromotesOfflineBackendThatActuallyAnswers(t *testing.T) {
	ctx := context.Background()
	s, dialer, up, down := newHarness(t)
	b1 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	b2 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b1))
	require.NoError(t, s.CreateBackend(ctx, b2))

	payload := []byte("recoverable-data")
	file, err := up.Upload(ctx, "alice", "a.txt", payload)
	require.NoError(t, err)

	require.NoError(t, s.UpdateBackendHealth(ctx, b1.ID, modules.BackendOffline, 0, 1, time.Now()))
	stale, err := s.GetBackend(ctx, b1.ID)
	require.NoError(t, err)
	require.Equal(t, modules.BackendOffline, stale.Status)

	// Force the still-online b2 to fail so the download path must fall
	// through to b1, which is marked offline in metadata but actually
	// still answers.
	dialer.SetDown(b2.ID, assert.AnError)

	var out bytes.Buffer
	require.NoError(t, down.Download(ctx, file.ID, &out))
	assert.Equal(t, payload, out.Bytes())

	recovered, err := s.GetBackend(ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOnline, recovered.Status, "a backend that actually answered must be promoted back online")
}

func TestDownloadReturnsIrrecoverableWhenNoSourceHasTheBytes(t *testing.T) {
	ctx := context.Background()
	s, dialer, up, down := newHarness(t)
	b1 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	b2 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b1))
	require.NoError(t, s.CreateBackend(ctx, b2))

	file, err := up.Upload(ctx, "alice", "a.txt", []byte("vanishing-bytes"))
	require.NoError(t, err)

	dialer.SetDown(b1.ID, assert.AnError)
	dialer.SetDown(b2.ID, assert.AnError)

	var out bytes.Buffer
	err = down.Download(ctx, file.ID, &out)
	require.Error(t, err)
	var irr download.ErrChunkIrrecoverable
	assert.ErrorAs(t, err, &irr)
}
