package upload_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/store"
	"github.com/shardvault/shardvault/upload"
)

func testBackends(t *testing.T, s store.Store, n int) []modules.Backend {
	t.Helper()
	ctx := context.Background()
	backends := make([]modules.Backend, 0, n)
	for i := 0; i < n; i++ {
		b := modules.Backend{
			ID:          persist.UID(),
			Endpoint:    "mem://" + persist.UID(),
			Status:      modules.BackendOnline,
			MaxCapacity: modules.DefaultMaxCapacity,
		}
		require.NoError(t, s.CreateBackend(ctx, b))
		backends = append(backends, b)
	}
	return backends
}

func newCoordinator(t *testing.T, s store.Store, dialer *objectstore.MemDialer) *upload.Coordinator {
	t.Helper()
	log, err := persist.NewLogger(testLogWriter{t})
	require.NoError(t, err)
	return upload.New(s, dialer, nil, log, "file-chunks", 8)
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestUploadReplicatesAcrossMinReplicasBackends(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	testBackends(t, s, 3)
	c := newCoordinator(t, s, dialer)

	file, err := c.Upload(ctx, "alice", "notes.txt", []byte("hello world, this is more than eight bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, file.ID)

	chunks, err := s.ChunksForFile(ctx, file.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
	for _, ch := range chunks {
		backs, err := s.BackendsForChunk(ctx, ch.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(backs), modules.MinReplicas)
	}
}

func TestUploadDedupsIdenticalChunkAcrossFiles(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	testBackends(t, s, 3)
	c := newCoordinator(t, s, dialer)

	payload := []byte("repeatedpayload1")
	f1, err := c.Upload(ctx, "alice", "a.txt", payload)
	require.NoError(t, err)
	f2, err := c.Upload(ctx, "bob", "b.txt", payload)
	require.NoError(t, err)

	c1, err := s.ChunksForFile(ctx, f1.ID)
	require.NoError(t, err)
	c2, err := s.ChunksForFile(ctx, f2.ID)
	require.NoError(t, err)
	require.Len(t, c1, 1)
	require.Len(t, c2, 1)
	assert.Equal(t, c1[0].Checksum, c2[0].Checksum)
}

func TestUploadFailsWhenTooFewBackendsOnline(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	testBackends(t, s, 1)
	c := newCoordinator(t, s, dialer)

	_, err := c.Upload(ctx, "alice", "a.txt", []byte("12345678"))
	require.Error(t, err)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files, "failed upload must roll back the File row")
}

func TestUploadRollsBackWhenEveryBackendIsDown(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	backends := testBackends(t, s, 2)
	dialer.SetDown(backends[0].ID, assert.AnError)
	dialer.SetDown(backends[1].ID, assert.AnError)
	c := newCoordinator(t, s, dialer)

	_, err := c.Upload(ctx, "alice", "a.txt", []byte("12345678"))
	require.Error(t, err)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadRollsBackOrphanedObjectsAfterPartialSuccess(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	backends := testBackends(t, s, 2)
	// backends[1] is down from the start, so only backends[0]'s
	// put_object/verify succeeds; the chunk falls short of MinReplicas
	// and the whole upload rolls back, object on backends[0] included.
	dialer.SetDown(backends[1].ID, assert.AnError)
	c := newCoordinator(t, s, dialer)

	_, err := c.Upload(ctx, "alice", "a.txt", []byte("12345678"))
	require.Error(t, err)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files, "failed upload must roll back the File row")

	mem, ok := dialer.Client(backends[0]).(*objectstore.MemClient)
	require.True(t, ok)
	keys, err := mem.ListObjects(ctx, "file-chunks")
	require.NoError(t, err)
	assert.Empty(t, keys, "rollback must delete objects already put to backends[0] before the shortfall")
}

func TestUploadCloseStopsAcceptingNewUploads(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	testBackends(t, s, 3)
	c := newCoordinator(t, s, dialer)
	require.NoError(t, c.Close())

	_, err := c.Upload(ctx, "alice", "a.txt", []byte("12345678"))
	assert.Error(t, err)
}
