// Package blobstore is the content-addressed file store for uploaded
// datasets (spec §1 "Out of scope ... Blob storage", treated here as an
// external collaborator with a narrow interface). The core never inspects
// content — only DatasetHandle metadata flows through the rest of the
// system.
package blobstore

import (
	"context"
	"io"
)

// Store is the narrow put/get boundary every dataset-content backend
// implements.
type Store interface {
	// Put writes content under key, returning the number of bytes written.
	Put(ctx context.Context, key string, content io.Reader) (int64, error)
	// Get opens content for reading; callers must Close the returned
	// ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
