// Package ports declares the contracts the pipeline's adapters implement.
package ports

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound reports that no object exists under the requested
// key. Providers wrap it in their GetObject errors so callers can tell
// a missing object from a store that is merely unreachable.
var ErrObjectNotFound = errors.New("storage: object not found")

// PutObjectInput describes an artifact being stored.
type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

// PutObjectOutput reports where the artifact ended up.
type PutObjectOutput struct {
	// On localfs this is the same object_key. On gdrive it is the real
	// fileId, so later reads and deletes can resolve it.
	ObjectKey string
	Size      int64
}

// StorageProvider stores rendered artifacts. Implementations: localfs,
// gdrive. An artifact is written once by a worker, streamed at most once
// by the delivery service, and deleted right after.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
}
