package modules

import "github.com/uplo-tech/errors"

// Sentinel errors shared across coordinator packages. Per-call failure
// kinds that need associated data (which backend, which chunk index)
// are modeled as typed structs alongside their owning package
// (upload.ErrReplicationShortfall, download.ErrChunkIrrecoverable)
// rather than here, keeping package-local errors close to the code
// that raises them.
var (
	// ErrNoBackends is returned when an upload cannot proceed because
	// no online Backend is registered at all.
	ErrNoBackends = errors.New("no storage backends available")

	// ErrFileNotFound is returned when a File ID does not exist in the
	// metadata store.
	ErrFileNotFound = errors.New("file not found")

	// ErrBackendNotFound is returned when a Backend ID does not exist
	// in the metadata store.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrChunkNotFound is returned when a Chunk ID, or a (file,
	// chunk_number) pair, does not exist in the metadata store.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrDedupVerificationFailed describes an upload's dedup probe that
	// located a matching (checksum, size) Chunk but could not verify any
	// of its Backends actually hold the bytes. Upload does not return
	// it: such a chunk is placed as new content instead.
	ErrDedupVerificationFailed = errors.New("could not verify existing chunk on any backend")

	// ErrObjectNotFound classifies an object-store miss: callers try
	// another bucket, then another Backend, rather than failing outright.
	ErrObjectNotFound = errors.New("object not found")

	// ErrChecksumMismatch is raised when downloaded bytes do not hash
	// to the expected checksum. Treated as ErrObjectNotFound by
	// callers: never used as a source, logged and skipped.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrBucketUnavailable covers a configuration-class failure: the
	// bucket could not be created, found, or verified on a Backend.
	ErrBucketUnavailable = errors.New("bucket could not be created or verified")

	// ErrBackendUnreachable classifies a connectivity-class failure: the
	// Backend could not be dialed at all, as opposed to answering with
	// an object-level error. The health monitor classifies probe
	// failures by their text, not by this sentinel, and the text
	// "backend unreachable" matches none of its connectivity markers.
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// IsNotFoundClass reports whether err should be treated as a per-backend
// "try somewhere else" condition rather than surfaced to the caller.
func IsNotFoundClass(err error) bool {
	return errors.Contains(err, ErrObjectNotFound) || errors.Contains(err, ErrChecksumMismatch)
}
