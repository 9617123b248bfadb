// Package store persists the entities in modules.go and enforces their
// referential invariants: unique (file, chunk_number) pairs, cascade
// delete of a File's Chunks, and atomic load/storage_usage bookkeeping
// on every Chunk↔Backend association change.
package store

import (
	"context"
	"time"

	"github.com/shardvault/shardvault/modules"
)

// Store is the metadata persistence contract every coordinator package
// depends on. A Store never talks to an object-store backend directly;
// it only tracks which Backend IDs a Chunk claims to be replicated on.
type Store interface {
	CreateBackend(ctx context.Context, b modules.Backend) error
	GetBackend(ctx context.Context, id string) (modules.Backend, error)
	ListBackends(ctx context.Context) ([]modules.Backend, error)
	UpdateBackendHealth(ctx context.Context, id string, status modules.BackendStatus, latency time.Duration, consecutiveFailures int, checkedAt time.Time) error
	SetBackendRecovered(ctx context.Context, id string, recoveredAt time.Time) error
	SetBackendFailed(ctx context.Context, id string, failedAt time.Time, consecutiveFailures int) error

	CreateFile(ctx context.Context, f modules.File) error
	GetFile(ctx context.Context, id string) (modules.File, error)
	DeleteFile(ctx context.Context, id string) error
	ListFiles(ctx context.Context) ([]modules.File, error)

	FindChunkByContent(ctx context.Context, checksum string, size int64) (modules.Chunk, bool, error)

	// ChunksByContent returns every Chunk (from any File) sharing
	// (checksum, size), for the download path's alternate-source
	// cascade: a deduped chunk's bytes may only actually live under a
	// different File's key.
	ChunksByContent(ctx context.Context, checksum string, size int64) ([]modules.Chunk, error)
	GetChunk(ctx context.Context, id string) (modules.Chunk, error)
	ChunksForFile(ctx context.Context, fileID string) ([]modules.Chunk, error)
	BackendsForChunk(ctx context.Context, chunkID string) ([]modules.Backend, error)

	// CommitChunk creates a new Chunk row bound to backendIDs (on the
	// dedup path, the Backends already holding an identical chunk's
	// bytes under that chunk's key), and bumps each bound
	// Backend's load by one and storage_usage by chunk.Size. It fails
	// if (chunk.FileID, chunk.ChunkNumber) already exists.
	CommitChunk(ctx context.Context, chunk modules.Chunk, backendIDs []string) error

	// AddChunkBackend records a new replica of an existing chunk on
	// backendID, bumping that Backend's load/storage_usage. It is a
	// no-op (not an error) if the association already exists.
	AddChunkBackend(ctx context.Context, chunkID, backendID string) error

	// RemoveChunkBackend removes a replica association and decrements
	// the Backend's load/storage_usage. It is a no-op if the
	// association does not exist.
	RemoveChunkBackend(ctx context.Context, chunkID, backendID string) error

	// UnderReplicatedChunks returns every Chunk whose count of
	// associations to currently-online Backends is below minReplicas.
	UnderReplicatedChunks(ctx context.Context, minReplicas int) ([]modules.Chunk, error)

	// ChunksOnBackend returns every Chunk associated with backendID,
	// for evacuation and load-balance scans.
	ChunksOnBackend(ctx context.Context, backendID string) ([]modules.Chunk, error)

	RecordFileAccess(ctx context.Context, fileID string, at time.Time) error
	FileAccessStats(ctx context.Context, fileID string) (modules.FileAccessStats, error)
}
