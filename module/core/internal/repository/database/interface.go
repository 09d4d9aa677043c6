package database

import (
	"context"

	"github.com/nandanugg/marker-tracker/module/core/domain"
)

// MarkerRepository persists markers and their images. GetByID returns nil, nil
// when the marker does not exist. Update, Delete and DeleteImage return
// domain.ErrNotFound when no row matched.
type MarkerRepository interface {
	EnsureSchema(ctx context.Context) error

	List(ctx context.Context) ([]domain.Marker, error)
	GetByID(ctx context.Context, id int64) (*domain.Marker, error)
	Insert(ctx context.Context, m *domain.Marker) (int64, error)
	Update(ctx context.Context, m *domain.Marker) error
	Delete(ctx context.Context, id int64) error

	ListImages(ctx context.Context, markerID int64) ([]domain.MarkerImage, error)
	InsertImage(ctx context.Context, img *domain.MarkerImage) (int64, error)
	DeleteImage(ctx context.Context, imageID int64) error
	CountImagesByURI(ctx context.Context, uri string) (int64, error)
}
