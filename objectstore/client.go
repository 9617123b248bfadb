// Package objectstore is the thin capability wrapper around the
// S3-compatible object-storage protocol each Backend speaks:
// head_bucket, create_bucket, put_object, head_object, get_object,
// delete_object, list_buckets, plus the bulk/delete-bucket operations
// a reconciler needs. Calls are not retried here; a failed call
// returns its error to the caller.
package objectstore

import (
	"context"

	"github.com/shardvault/shardvault/modules"
)

// Client is the per-Backend capability set. A Client is bound to one
// Backend's endpoint/access key/secret; callers obtain one from a
// Dialer for the Backend row they are currently operating on rather
// than holding a shared global client.
type Client interface {
	HeadBucket(ctx context.Context, bucket string) error
	CreateBucket(ctx context.Context, bucket string, withLocationConstraint bool) error
	ApplyReadAllPolicy(ctx context.Context, bucket string) error
	ListBuckets(ctx context.Context) ([]string, error)
	DeleteBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data []byte) error
	HeadObject(ctx context.Context, bucket, key string) (size int64, err error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	ListObjects(ctx context.Context, bucket string) ([]string, error)
}

// Dialer builds an explicit Client for a given Backend row. It also
// implements placement.Pinger so the placement policy can time a cheap
// probe without depending on the concrete transport.
type Dialer interface {
	Client(b modules.Backend) Client
	Probe(ctx context.Context, b modules.Backend) error
}

// endpointRewriter lets tests and local dev environments rewrite a
// Backend's registered endpoint (e.g. a docker-internal hostname) to a
// reachable one before dialing, mirroring the original source's
// container-to-localhost rewrite in get_s3_client.
type endpointRewriter func(endpoint string) string
