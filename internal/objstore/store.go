// Package objstore is the object-store boundary used by the job registry and
// the utterance hosting step.
//
// Three backends implement Store:
//   - S3Store: AWS S3 via aws-sdk-go-v2 (production)
//   - MinioStore: any S3-compatible endpoint via minio-go (local stacks)
//   - Memory: in-process map (tests and CLI dry runs)
//
// Get reports a missing key as ErrNotFound. Callers must check every error;
// nothing is retried at this layer.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a minimal bucket/key object store.
type Store interface {
	Put(ctx context.Context, bucket, key string, body []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// URI formats an s3:// URI for a bucket and key.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ParseURI splits an s3://bucket/key URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri missing bucket or key: %q", uri)
	}
	return bucket, key, nil
}
