// Package storage defines the blob storage contracts shared by the preview
// snapshot writer and the vault backup.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject for absent paths.
var ErrNotFound = errors.New("object not found")

// BlobStore writes an object and returns a URI describing where it landed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// BlobReader reads an object previously written with PutObject.
type BlobReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}
