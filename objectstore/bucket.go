package objectstore

import (
	"context"

	"github.com/uplo-tech/errors"

	"github.com/shardvault/shardvault/modules"
)

// FallbackBucketNames returns the bucket names the download path is
// willing to search, primary first. The write path never uses this
// list — it only ever writes to primary.
func FallbackBucketNames(primary string) []string {
	fallbacks := []string{"file-chunks", "chunks", "files", "filestore-data"}
	out := []string{primary}
	for _, f := range fallbacks {
		if f != primary {
			out = append(out, f)
		}
	}
	return out
}

// EnsureBucket provisions bucket on the Backend behind client:
// head_bucket; on a miss, create without a location constraint,
// retrying with a us-east-1 constraint on failure; verify by
// list_buckets; apply a wildcard read-all policy. Any inconclusive
// state is treated as a failure.
func EnsureBucket(ctx context.Context, client Client, bucket string) error {
	err := client.HeadBucket(ctx, bucket)
	if err == nil {
		return applyPolicyBestEffort(ctx, client, bucket)
	}
	if !modules.IsNotFoundClass(err) {
		return errors.Compose(modules.ErrBucketUnavailable, err)
	}

	createErr := client.CreateBucket(ctx, bucket, false)
	if createErr != nil {
		createErr = client.CreateBucket(ctx, bucket, true)
	}
	if createErr != nil {
		return errors.Compose(modules.ErrBucketUnavailable, createErr)
	}

	names, listErr := client.ListBuckets(ctx)
	if listErr != nil {
		return errors.Compose(modules.ErrBucketUnavailable, listErr)
	}
	found := false
	for _, n := range names {
		if n == bucket {
			found = true
			break
		}
	}
	if !found {
		return modules.ErrBucketUnavailable
	}
	return applyPolicyBestEffort(ctx, client, bucket)
}

// applyPolicyBestEffort applies the development-mode read-all policy.
// A policy failure does not fail provisioning: the policy is present
// for development convenience, and deployments are free to override it.
func applyPolicyBestEffort(ctx context.Context, client Client, bucket string) error {
	_ = client.ApplyReadAllPolicy(ctx, bucket)
	return nil
}
