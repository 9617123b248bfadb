package persist

import (
	"encoding/base32"
	"encoding/hex"
	"os"
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// DefaultDiskPermissionsTest when creating files or directories in tests.
	DefaultDiskPermissionsTest = 0750

	// FixedMetadataSize is the size of the FixedMetadata header in bytes
	FixedMetadataSize = 32

	// defaultDirPermissions is the default permissions when creating dirs.
	defaultDirPermissions = 0700

	// defaultFilePermissions is the default permissions when creating files.
	defaultFilePermissions = 0600

	// persistDir defines the folder that is used for testing the persist
	// package.
	persistDir = "persist"

	// randomBytes is the number of bytes to use to ensure sufficient randomness
	randomBytes = 20

	// tempSuffix is the suffix that is applied to the temporary/backup versions
	// of the files being persisted.
	tempSuffix = "_temp"
)

var (
	// ErrBadFilenameSuffix indicates a filename ending in the suffix this
	// package reserves for its own temp files (tempSuffix).
	ErrBadFilenameSuffix = errors.New("filename suffix not allowed")

	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion indicates that the version number of the file is not
	// compatible with the current codebase.
	ErrBadVersion = errors.New("incompatible version")

	// ErrFileInUse indicates a file that another thread is already saving
	// or loading through this package.
	ErrFileInUse = errors.New("another thread is saving or loading this file")
)

var (
	// activeFiles is the set of filenames currently being saved or loaded,
	// guarded by activeFilesMu. No function in this package adds to it.
	activeFiles   = make(map[string]struct{})
	activeFilesMu sync.Mutex
)

// Metadata contains the header and version of the data being stored.
type Metadata struct {
	Header  string
	Version string
}

// RandomSuffix returns a 20 character base32 suffix for a filename. There are
// 100 bits of entropy, and a very low probability of colliding with existing
// files unintentionally.
func RandomSuffix() string {
	str := base32.StdEncoding.EncodeToString(fastrand.Bytes(randomBytes))
	return str[:20]
}

// UID returns a hexadecimal encoded string that can be used as an unique ID.
func UID() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))
}

// RemoveFile removes an atomic file from disk, along with any uncommitted
// or temporary files.
func RemoveFile(filename string) error {
	err := os.RemoveAll(filename)
	if err != nil {
		return err
	}
	err = os.RemoveAll(filename + tempSuffix)
	if err != nil {
		return err
	}
	return nil
}
