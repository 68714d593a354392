// Package storage writes local outputs atomically and publishes finished
// files to an object store.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrUploadFailed = errors.New("upload failed")
	ErrDeleteFailed = errors.New("delete failed")
)

// ObjectStorage is a publish target: S3 or a local directory tree. Keys
// are slash-separated.
type ObjectStorage interface {
	// Upload copies a local file to key and returns the object's ETag.
	Upload(ctx context.Context, localPath, key string) (string, error)

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// ListObjects returns every key under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// ContentType returns the media type an output is published with.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".arrows":
		return "application/vnd.apache.arrow.stream"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
