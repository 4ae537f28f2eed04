// Package s3 implements blobstore.Store against AWS S3, grounded on S3
// usage patterns in the retrieved corpus (haasonsaas-nexus).
package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mosaicflow/orchestrator/coreerr"
)

// Store is a blobstore.Store backed by one S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New constructs a Store for bucket using an already-configured client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) Put(ctx context.Context, key string, content io.Reader) (int64, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.ValidationError, "read blob content", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, coreerr.Wrap(coreerr.PersistenceTransient, "s3 put object", err)
	}
	return int64(len(data)), nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.PersistenceTransient, "s3 get object", err)
	}
	return out.Body, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return coreerr.Wrap(coreerr.PersistenceTransient, "s3 delete object", err)
	}
	return nil
}
