package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/blob"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/database"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/geocoder"
)

// ErrUploadDisabled is returned by UploadImage when no image store is configured.
var ErrUploadDisabled = errors.New("image upload not configured")

type proximityRetractor interface {
	Retract(ctx context.Context, markerID int64)
}

type CreateMarkerInput struct {
	Latitude    float64
	Longitude   float64
	Title       string
	Description string
}

type MarkerService struct {
	repo      database.MarkerRepository
	resolver  geocoder.AddressResolver
	images    blob.ImageStore
	proximity proximityRetractor

	resolveTimeout time.Duration
}

// NewMarkerService wires the marker store with its collaborators. resolver and
// images may be nil: addresses are then left empty and uploads are refused.
func NewMarkerService(
	repo database.MarkerRepository,
	resolver geocoder.AddressResolver,
	images blob.ImageStore,
	proximity proximityRetractor,
	resolveTimeout time.Duration,
) *MarkerService {
	return &MarkerService{
		repo:           repo,
		resolver:       resolver,
		images:         images,
		proximity:      proximity,
		resolveTimeout: resolveTimeout,
	}
}

func (s *MarkerService) ListMarkers(ctx context.Context) ([]domain.Marker, error) {
	return s.repo.List(ctx)
}

func (s *MarkerService) GetMarker(ctx context.Context, id int64) (*domain.Marker, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

// CreateMarker resolves the address for the point and stores the marker. An
// empty title becomes "Marker: N" where N is one more than the current count.
func (s *MarkerService) CreateMarker(ctx context.Context, in CreateMarkerInput) (*domain.Marker, error) {
	m := &domain.Marker{
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		Title:       in.Title,
		Description: in.Description,
	}
	if m.Title == "" {
		existing, err := s.repo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("count markers: %w", err)
		}
		m.Title = fmt.Sprintf("Marker: %d", len(existing)+1)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	m.Address = s.resolveAddress(ctx, m.Latitude, m.Longitude)

	if _, err := s.repo.Insert(ctx, m); err != nil {
		return nil, err
	}
	slog.Info("marker created", "marker_id", m.ID, "title", m.Title)
	return m, nil
}

// UpdateMarker applies the editable fields. The address is kept as stored.
func (s *MarkerService) UpdateMarker(ctx context.Context, id int64, upd domain.MarkerUpdate) (*domain.Marker, error) {
	m, err := s.GetMarker(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Title != nil {
		m.Title = *upd.Title
	}
	if upd.Description != nil {
		m.Description = *upd.Description
	}
	if upd.Latitude != nil {
		m.Latitude = *upd.Latitude
	}
	if upd.Longitude != nil {
		m.Longitude = *upd.Longitude
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMarker removes the marker with its images and retracts any live
// proximity notification before returning. Retraction also runs when the
// marker was already gone.
func (s *MarkerService) DeleteMarker(ctx context.Context, id int64) error {
	images, err := s.repo.ListImages(ctx, id)
	if err != nil {
		return err
	}

	err = s.repo.Delete(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if s.proximity != nil {
		s.proximity.Retract(ctx, id)
	}
	if err != nil {
		return err
	}

	uris := make([]string, 0, len(images))
	for _, img := range images {
		uris = append(uris, img.URI)
	}
	s.releaseBlobs(ctx, uris...)
	slog.Info("marker deleted", "marker_id", id, "images", len(images))
	return nil
}

func (s *MarkerService) ListImages(ctx context.Context, markerID int64) ([]domain.MarkerImage, error) {
	if _, err := s.GetMarker(ctx, markerID); err != nil {
		return nil, err
	}
	return s.repo.ListImages(ctx, markerID)
}

// AddImage attaches an existing URI to the marker.
func (s *MarkerService) AddImage(ctx context.Context, markerID int64, uri string) (*domain.MarkerImage, error) {
	if _, err := s.GetMarker(ctx, markerID); err != nil {
		return nil, err
	}
	img := &domain.MarkerImage{MarkerID: markerID, URI: uri}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.InsertImage(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// UploadImage stores the bytes in the image store and attaches the resulting
// URI. The object is removed again if the row cannot be written.
func (s *MarkerService) UploadImage(ctx context.Context, markerID int64, name string, r io.Reader, size int64, contentType string) (*domain.MarkerImage, error) {
	if s.images == nil {
		return nil, ErrUploadDisabled
	}
	if _, err := s.GetMarker(ctx, markerID); err != nil {
		return nil, err
	}

	uri, err := s.images.Put(ctx, name, r, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}

	img := &domain.MarkerImage{MarkerID: markerID, URI: uri}
	if _, err := s.repo.InsertImage(ctx, img); err != nil {
		s.removeBlob(ctx, uri)
		return nil, err
	}
	return img, nil
}

// DeleteImage removes one image of the marker by id.
func (s *MarkerService) DeleteImage(ctx context.Context, markerID, imageID int64) error {
	images, err := s.repo.ListImages(ctx, markerID)
	if err != nil {
		return err
	}

	var target *domain.MarkerImage
	for i := range images {
		if images[i].ID == imageID {
			target = &images[i]
			break
		}
	}
	if target == nil {
		return domain.ErrNotFound
	}

	if err := s.repo.DeleteImage(ctx, imageID); err != nil {
		return err
	}
	s.releaseBlobs(ctx, target.URI)
	return nil
}

// resolveAddress never fails; an unresolved point gets an empty address.
func (s *MarkerService) resolveAddress(ctx context.Context, lat, lon float64) string {
	if s.resolver == nil {
		return ""
	}
	if s.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.resolveTimeout)
		defer cancel()
	}
	addr, err := s.resolver.Resolve(ctx, lat, lon)
	if err != nil {
		slog.Warn("address resolution failed", "lat", lat, "lon", lon, "error", err)
		return ""
	}
	return addr
}

// releaseBlobs removes the stored objects behind uris that no image row of
// any marker references any more. The rows must already be deleted.
func (s *MarkerService) releaseBlobs(ctx context.Context, uris ...string) {
	seen := make(map[string]struct{}, len(uris))
	for _, uri := range uris {
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}
		if s.images == nil || !s.images.Owns(uri) {
			continue
		}

		n, err := s.repo.CountImagesByURI(ctx, uri)
		if err != nil {
			slog.Warn("count image references failed, keeping object", "uri", uri, "error", err)
			continue
		}
		if n > 0 {
			continue
		}
		s.removeBlob(ctx, uri)
	}
}

func (s *MarkerService) removeBlob(ctx context.Context, uri string) {
	if s.images == nil || !s.images.Owns(uri) {
		return
	}
	if err := s.images.Remove(ctx, uri); err != nil {
		slog.Warn("remove image object failed", "uri", uri, "error", err)
	}
}
