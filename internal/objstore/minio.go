package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinioStore implements Store on an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to endpoint with static credentials.
func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (m *MinioStore) Put(ctx context.Context, bucket, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserTags:    map[string]string{"Project": "transcription-qa-bridge"},
		})
	if err != nil {
		return fmt.Errorf("minio put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (m *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.translate(bucket, key, err)
	}
	defer obj.Close()

	// minio defers the request until the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.translate(bucket, key, err)
	}
	return data, nil
}

func (m *MinioStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio list %s/%s: %w", bucket, prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	log.Debug().Str("bucket", bucket).Str("prefix", prefix).Int("count", len(keys)).Msg("minio list complete")
	return keys, nil
}

func (m *MinioStore) translate(bucket, key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return fmt.Errorf("minio get object %s/%s: %w", bucket, key, err)
}
