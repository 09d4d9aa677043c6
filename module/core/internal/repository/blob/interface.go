package blob

import (
	"context"
	"io"
)

// ImageStore keeps image bytes and hands back an opaque URI for them.
type ImageStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
	Remove(ctx context.Context, uri string) error
	Owns(uri string) bool
}
