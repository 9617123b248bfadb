package objectstore

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"

	"github.com/shardvault/shardvault/modules"
)

// MinioDialer builds minio-go-backed Clients. It keeps one
// *minio.Client per (endpoint, access key) pair and reuses it for
// every later call to the same Backend; each *minio.Client multiplexes
// over the stdlib HTTP transport.
type MinioDialer struct {
	rewrite  endpointRewriter
	rl       *ratelimit.RateLimit
	secure   bool
	mu       sync.Mutex
	cached   map[string]*minio.Client
}

// NewMinioDialer returns a Dialer that speaks real S3 HTTP to each
// Backend's endpoint. rl, if non-nil, rate-limits every put/get
// transfer the same way contract traffic gets rate-limited elsewhere
// in this stack.
func NewMinioDialer(rl *ratelimit.RateLimit, secure bool) *MinioDialer {
	return &MinioDialer{
		rl:     rl,
		secure: secure,
		cached: make(map[string]*minio.Client),
	}
}

// WithEndpointRewrite installs a hook that rewrites a Backend's
// endpoint before dialing, mirroring the container-to-localhost
// rewrite in the original source's get_s3_client.
func (d *MinioDialer) WithEndpointRewrite(f func(string) string) *MinioDialer {
	d.rewrite = f
	return d
}

func (d *MinioDialer) rawClient(b modules.Backend) (*minio.Client, error) {
	endpoint := b.Endpoint
	if d.rewrite != nil {
		endpoint = d.rewrite(endpoint)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cacheKey := endpoint + "|" + b.AccessKey
	if c, ok := d.cached[cacheKey]; ok {
		return c, nil
	}

	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(b.AccessKey, b.SecretKey, ""),
		Secure: d.secure,
	}
	if d.rl != nil {
		opts.Transport = &http.Transport{DialContext: d.rateLimitedDial}
	}
	c, err := minio.New(host, opts)
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct object-store client")
	}
	d.cached[cacheKey] = c
	return c, nil
}

// rateLimitedDial dials a plain TCP connection and wraps it with the
// dialer's bandwidth RateLimit, the same pattern used for host
// connections elsewhere in this stack.
func (d *MinioDialer) rateLimitedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	cancel := make(chan struct{})
	return ratelimit.NewRLConn(conn, d.rl, cancel), nil
}

// Client returns a Client bound to Backend b. It never returns an
// error; connection failures surface on the first real call, where
// they're classified by the health monitor.
func (d *MinioDialer) Client(b modules.Backend) Client {
	c, err := d.rawClient(b)
	if err != nil {
		return &brokenClient{err: err}
	}
	return &minioClient{raw: c, rl: d.rl}
}

// Probe implements placement.Pinger with a cheap ListBuckets call.
func (d *MinioDialer) Probe(ctx context.Context, b modules.Backend) error {
	_, err := d.Client(b).ListBuckets(ctx)
	return err
}

// brokenClient is returned when a Backend's client could not even be
// constructed (e.g. a malformed endpoint); every call fails the same
// way so callers route it through the same Transient/NotFound handling
// as a live connectivity failure.
type brokenClient struct{ err error }

func (b *brokenClient) HeadBucket(context.Context, string) error            { return b.err }
func (b *brokenClient) CreateBucket(context.Context, string, bool) error    { return b.err }
func (b *brokenClient) ApplyReadAllPolicy(context.Context, string) error    { return b.err }
func (b *brokenClient) ListBuckets(context.Context) ([]string, error)       { return nil, b.err }
func (b *brokenClient) DeleteBucket(context.Context, string) error          { return b.err }
func (b *brokenClient) PutObject(context.Context, string, string, []byte) error {
	return b.err
}
func (b *brokenClient) HeadObject(context.Context, string, string) (int64, error) {
	return 0, b.err
}
func (b *brokenClient) GetObject(context.Context, string, string) ([]byte, error) {
	return nil, b.err
}
func (b *brokenClient) DeleteObject(context.Context, string, string) error { return b.err }
func (b *brokenClient) DeleteObjects(context.Context, string, []string) error {
	return b.err
}
func (b *brokenClient) ListObjects(context.Context, string) ([]string, error) {
	return nil, b.err
}

// minioClient adapts minio-go/v7 to the Client interface.
type minioClient struct {
	raw *minio.Client
	rl  *ratelimit.RateLimit
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return errors.Compose(modules.ErrObjectNotFound, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return errors.Compose(modules.ErrObjectNotFound, err)
	}
	return err
}

func (m *minioClient) HeadBucket(ctx context.Context, bucket string) error {
	ok, err := m.raw.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !ok {
		return modules.ErrObjectNotFound
	}
	return nil
}

func (m *minioClient) CreateBucket(ctx context.Context, bucket string, withLocationConstraint bool) error {
	opts := minio.MakeBucketOptions{}
	if withLocationConstraint {
		opts.Region = "us-east-1"
	}
	return m.raw.MakeBucket(ctx, bucket, opts)
}

func (m *minioClient) ApplyReadAllPolicy(ctx context.Context, bucket string) error {
	policy := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:*"],"Resource":["arn:aws:s3:::` + bucket + `","arn:aws:s3:::` + bucket + `/*"]}]}`
	return m.raw.SetBucketPolicy(ctx, bucket, policy)
}

func (m *minioClient) ListBuckets(ctx context.Context) ([]string, error) {
	buckets, err := m.raw.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(buckets))
	for i, b := range buckets {
		names[i] = b.Name
	}
	return names, nil
}

func (m *minioClient) DeleteBucket(ctx context.Context, bucket string) error {
	return m.raw.RemoveBucket(ctx, bucket)
}

func (m *minioClient) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	r := bytes.NewReader(data)
	_, err := m.raw.PutObject(ctx, bucket, key, r, int64(len(data)), minio.PutObjectOptions{})
	return classify(err)
}

func (m *minioClient) HeadObject(ctx context.Context, bucket, key string) (int64, error) {
	info, err := m.raw.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, classify(err)
	}
	return info.Size, nil
}

func (m *minioClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.raw.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

func (m *minioClient) DeleteObject(ctx context.Context, bucket, key string) error {
	return classify(m.raw.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (m *minioClient) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	go func() {
		defer close(objectsCh)
		for _, k := range keys {
			objectsCh <- minio.ObjectInfo{Key: k}
		}
	}()
	var firstErr error
	for result := range m.raw.RemoveObjects(ctx, bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
	}
	return firstErr
}

func (m *minioClient) ListObjects(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	for obj := range m.raw.ListObjects(ctx, bucket, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
