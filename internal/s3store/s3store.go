// Package s3store adapts the AWS SDK v2 S3 client to the narrow
// capability interfaces the orchestrators depend on, so production code
// talks to real S3 while tests substitute an in-memory fake.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store wraps an S3-compatible client with the JSON-put, streaming-get,
// head, and archival-restore operations the backup/restore orchestrators
// need. It satisfies uploader.Client directly via embedding.
type Store struct {
	*s3.Client
	Bucket string
}

// New wraps client for bucket.
func New(client *s3.Client, bucket string) *Store {
	return &Store{Client: client, Bucket: bucket}
}

// PutJSON writes body under key with the given storage class and SSE
// scheme, satisfying manifest.Putter.
func (s *Store) PutJSON(ctx context.Context, bucket, key string, body []byte, storageClass, sse string) error {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		StorageClass:         types.StorageClass(storageClass),
		ServerSideEncryption: types.ServerSideEncryption(sse),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", key, err)
	}
	return nil
}

// GetObject downloads key and returns a reader over its body. Callers must
// close the returned reader.
func (s *Store) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: get %s: %w", key, err)
	}
	return out.Body, nil
}

// GetJSON downloads and returns key's full body, for small documents
// (manifests, pointers) the caller will unmarshal directly.
func (s *Store) GetJSON(ctx context.Context, key string) ([]byte, error) {
	body, err := s.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3store: read %s: %w", key, err)
	}
	return data, nil
}

// RestoreHeader returns the object's Restore header value (empty if S3
// omitted it, which this package never treats as "ready").
func (s *Store) RestoreHeader(ctx context.Context, key string) (string, error) {
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("s3store: head %s: %w", key, err)
	}
	return aws.ToString(out.Restore), nil
}

// RequestThaw issues an archival restore request for key with a one-day
// availability window at the given Glacier tier.
func (s *Store) RequestThaw(ctx context.Context, key, tier string) error {
	_, err := s.Client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(1),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: types.Tier(tier),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("s3store: restore_object %s: %w", key, err)
	}
	return nil
}
