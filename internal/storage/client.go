// Package storage archives batch artifacts (output, failed, and
// checkpoint files) to a durable location after a run.
package storage

import (
	"context"
	"time"
)

// Client defines the interface for archive storage operations.
type Client interface {
	// PutFile uploads the local file at path under the given key.
	PutFile(ctx context.Context, key, path string) error

	// GetFile downloads the object at key to the local path.
	GetFile(ctx context.Context, key, path string) error

	// Stat returns metadata for the object at key.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// List returns objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo contains archived object metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Config contains client configuration for the S3-compatible backend.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
}
