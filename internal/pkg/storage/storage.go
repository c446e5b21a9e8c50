package storage

import (
	"context"
	"io"
)

// Storage is the minimal object store used for payload archiving.
type Storage interface {
	// Put stores the object under key, overwriting an existing one.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	Exists(ctx context.Context, key string) (bool, error)
}
