// Package modules defines the entities and error kinds shared by every
// shardvault component: backend nodes, files, chunks, and the
// chunk-to-backend association that the storage coordinator maintains.
package modules

import (
	"fmt"
	"time"
)

// BackendStatus is the health state of a storage backend.
type BackendStatus string

// The two states a Backend can be in. There is no "degraded" status on
// the wire; HealthStatus derives a softer view for operators.
const (
	BackendOnline  BackendStatus = "online"
	BackendOffline BackendStatus = "offline"
)

const (
	// MinReplicas is the minimum number of online Backend associations
	// a Chunk aims to hold.
	MinReplicas = 2

	// DefaultChunkSize is the fixed chunk size used by the Chunker when
	// the caller does not specify one.
	DefaultChunkSize = 5 * 1024 * 1024

	// DefaultMaxCapacity is the default capacity assumed for a newly
	// registered Backend, in bytes (1 TiB).
	DefaultMaxCapacity = 1 << 40

	// OfflineSentinelFailures is the consecutive_failures value the
	// control plane writes when an operator manually marks a Backend
	// offline. It suppresses passive/automatic recovery until the
	// operator explicitly marks the Backend online again.
	OfflineSentinelFailures = 999

	// HealthProbeFailureThreshold is the number of consecutive
	// connectivity-class probe failures at which a Backend is marked
	// offline; other probe failures do not count.
	HealthProbeFailureThreshold = 1

	// AutoRecoverAfter is the minimum duration a Backend must stay
	// offline before a health sweep will retry it.
	AutoRecoverAfter = 15 * time.Minute

	// LongOfflineThreshold is how long a Backend must be continuously
	// offline before the reconciler evacuates its chunks.
	LongOfflineThreshold = 24 * time.Hour

	// BucketCacheTTL is the lifetime of a per-backend bucket-listing
	// cache entry.
	BucketCacheTTL = 15 * time.Minute

	// ChunkCacheTTL is the lifetime of a per-chunk in-memory cache
	// entry populated opportunistically during downloads.
	ChunkCacheTTL = 24 * time.Hour

	// CacheableFileSize is the largest file size eligible for the
	// whole-file disk cache.
	CacheableFileSize = 100 * 1024 * 1024

	// CacheableAccessCount is the access count at or above which a file
	// becomes a disk-cache candidate regardless of recency.
	CacheableAccessCount = 3

	// CacheableRecency is the window within which a recent access makes
	// a file a disk-cache candidate regardless of access count.
	CacheableRecency = 24 * time.Hour

	// OverloadFactor and UnderloadFactor define the load-balance bands
	// relative to the average online-backend load.
	OverloadFactor  = 1.2
	UnderloadFactor = 0.8
)

// Backend is a single S3-compatible object-storage endpoint registered
// with the coordinator.
type Backend struct {
	ID          string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Status      BackendStatus
	Load        int64
	StorageUsed int64
	MaxCapacity int64

	LastCheck           time.Time
	LastLatency         time.Duration
	ConsecutiveFailures int
	FailedAt            time.Time
	RecoveredAt         time.Time
}

// CapacityUsedPercent returns the percentage of MaxCapacity consumed by
// StorageUsed. Mirrors the original Node.capacity_used_percent property.
func (b Backend) CapacityUsedPercent() float64 {
	if b.MaxCapacity == 0 {
		return 100.0
	}
	return (float64(b.StorageUsed) / float64(b.MaxCapacity)) * 100.0
}

// HealthStatus returns a finer-grained status than Status alone:
// "offline", "degraded" (online but slow), or "healthy".
func (b Backend) HealthStatus() string {
	if b.Status == BackendOffline {
		return "offline"
	}
	if b.LastLatency > time.Second {
		return "degraded"
	}
	return "healthy"
}

// Uptime returns the duration since the Backend last recovered (or was
// last checked healthy, if it has never failed). It returns false as
// its second value when no reference point is available.
func (b Backend) Uptime(now time.Time) (time.Duration, bool) {
	switch {
	case !b.RecoveredAt.IsZero():
		return now.Sub(b.RecoveredAt), true
	case !b.LastCheck.IsZero() && b.Status == BackendOnline:
		return now.Sub(b.LastCheck), true
	default:
		return 0, false
	}
}

// File is an immutable (except for deletion) record of an uploaded
// file's identity and size.
type File struct {
	ID         string
	Name       string
	Size       int64
	Owner      string
	UploadTime time.Time
}

// Chunk is a content-addressed, ordered byte range of a File.
type Chunk struct {
	ID          string
	FileID      string
	ChunkNumber int
	Checksum    string // hex SHA-256
	Size        int64
}

// Key returns the object-store key this chunk is stored under:
// "<file_id>/<chunk_number>".
func (c Chunk) Key() string {
	return fmt.Sprintf("%s/%d", c.FileID, c.ChunkNumber)
}

// FileAccessStats tracks per-file hit-rate accounting: access_count
// and last_access_time, independent of whether the file is currently
// disk-cached.
type FileAccessStats struct {
	FileID        string
	AccessCount   int64
	LastAccess    time.Time
}

// PotentialHits returns max(0, access_count-1), the number of accesses
// that would have been served from cache had the file been cached for
// its entire access history.
func (s FileAccessStats) PotentialHits() int64 {
	if s.AccessCount <= 1 {
		return 0
	}
	return s.AccessCount - 1
}
