package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// projectTag is the URL-encoded S3 object tagging string for cost allocation.
const projectTag = "Project=transcription-qa-bridge"

// S3Store implements Store on AWS S3.
type S3Store struct {
	client *s3.Client
}

// Compile-time interface check.
var _ Store = (*S3Store)(nil)

// NewS3Store wraps an S3 client created from the shared AWS config.
func NewS3Store(client *s3.Client) *S3Store {
	return &S3Store{client: client}
}

// Put writes body to bucket/key with the project cost-allocation tag.
func (s *S3Store) Put(ctx context.Context, bucket, key string, body []byte) error {
	log.Debug().Str("bucket", bucket).Str("key", key).Int("bytes", len(body)).Msg("S3 PutObject")
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:  &bucket,
		Key:     &key,
		Body:    bytes.NewReader(body),
		Tagging: aws.String(projectTag),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get reads bucket/key. A missing key is reported as ErrNotFound.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", bucket, key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// List returns every key under prefix, following continuation tokens.
func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 ListObjectsV2 %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	log.Debug().Str("bucket", bucket).Str("prefix", prefix).Int("count", len(keys)).Msg("S3 list complete")
	return keys, nil
}
