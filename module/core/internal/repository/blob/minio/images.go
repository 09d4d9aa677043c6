package minio

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/blob"
)

var _ blob.ImageStore = (*ImageStore)(nil)

const objectPrefix = "marker-images/"

type objectClient interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// ImageStore keeps marker photos in a bucket and addresses them as
// s3://<bucket>/<object>.
type ImageStore struct {
	client objectClient
	bucket string
}

func NewImageStore(client *minio.Client, bucket string) *ImageStore {
	return &ImageStore{client: client, bucket: bucket}
}

func (s *ImageStore) uriPrefix() string {
	return "s3://" + s.bucket + "/"
}

func (s *ImageStore) Owns(uri string) bool {
	return strings.HasPrefix(uri, s.uriPrefix())
}

func (s *ImageStore) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	object := objectPrefix + uuid.NewString() + strings.ToLower(path.Ext(name))

	_, err := s.client.PutObject(ctx, s.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w: %w", domain.ErrTransient, err)
	}
	return s.uriPrefix() + object, nil
}

// Remove deletes the object behind uri. URIs this store did not issue are ignored.
func (s *ImageStore) Remove(ctx context.Context, uri string) error {
	if !s.Owns(uri) {
		return nil
	}
	object := strings.TrimPrefix(uri, s.uriPrefix())
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove image: %w: %w", domain.ErrTransient, err)
	}
	return nil
}
