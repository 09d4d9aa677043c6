package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/database"
)

var _ database.MarkerRepository = (*MarkerRepo)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS markers (
    id BIGSERIAL PRIMARY KEY,
    latitude DOUBLE PRECISION NOT NULL CHECK (latitude >= -90 AND latitude <= 90),
    longitude DOUBLE PRECISION NOT NULL CHECK (longitude >= -180 AND longitude <= 180),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_markers_created_at ON markers(created_at DESC);

CREATE TABLE IF NOT EXISTS marker_images (
    id BIGSERIAL PRIMARY KEY,
    marker_id BIGINT NOT NULL REFERENCES markers(id) ON DELETE CASCADE,
    uri TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_marker_images_marker_id ON marker_images(marker_id);
CREATE INDEX IF NOT EXISTS idx_marker_images_uri ON marker_images(uri);
`

type MarkerRepo struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewMarkerRepo(db *sql.DB) *MarkerRepo {
	return &MarkerRepo{db: db}
}

// EnsureSchema creates the tables once. Later calls return the first result.
func (r *MarkerRepo) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	r.schemaOnce.Do(func() {
		_, err := r.db.ExecContext(ctx, schema)
		r.schemaErr = database.StorageErr("create schema", err)
	})
	return r.schemaErr
}

func (r *MarkerRepo) List(ctx context.Context) ([]domain.Marker, error) {
	if r.db == nil {
		return nil, domain.ErrStorageUnavailable
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, latitude, longitude, title, description, address, created_at FROM markers ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, database.StorageErr("list markers", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]domain.Marker, 0)
	for rows.Next() {
		var m domain.Marker
		if err := rows.Scan(&m.ID, &m.Latitude, &m.Longitude, &m.Title, &m.Description, &m.Address, &m.CreatedAt); err != nil {
			return nil, database.StorageErr("scan marker", err)
		}
		results = append(results, m)
	}
	return results, database.StorageErr("list markers", rows.Err())
}

func (r *MarkerRepo) GetByID(ctx context.Context, id int64) (*domain.Marker, error) {
	if r.db == nil {
		return nil, domain.ErrStorageUnavailable
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT id, latitude, longitude, title, description, address, created_at FROM markers WHERE id = $1`,
		id,
	)

	var m domain.Marker
	if err := row.Scan(&m.ID, &m.Latitude, &m.Longitude, &m.Title, &m.Description, &m.Address, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, database.StorageErr("get marker", err)
	}
	return &m, nil
}

func (r *MarkerRepo) Insert(ctx context.Context, m *domain.Marker) (int64, error) {
	if r.db == nil {
		return 0, domain.ErrStorageUnavailable
	}
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO markers (latitude, longitude, title, description, address) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		m.Latitude, m.Longitude, m.Title, m.Description, m.Address,
	)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return 0, database.StorageErr("insert marker", err)
	}
	return m.ID, nil
}

func (r *MarkerRepo) Update(ctx context.Context, m *domain.Marker) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE markers SET latitude = $1, longitude = $2, title = $3, description = $4, address = $5 WHERE id = $6`,
		m.Latitude, m.Longitude, m.Title, m.Description, m.Address, m.ID,
	)
	if err != nil {
		return database.StorageErr("update marker", err)
	}
	return expectRows(res, "update marker")
}

// Delete removes the marker and its images in one transaction.
func (r *MarkerRepo) Delete(ctx context.Context, id int64) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return database.StorageErr("begin delete marker", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM marker_images WHERE marker_id = $1`, id); err != nil {
		return database.StorageErr("delete marker images", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM markers WHERE id = $1`, id)
	if err != nil {
		return database.StorageErr("delete marker", err)
	}
	if err := expectRows(res, "delete marker"); err != nil {
		return err
	}
	return database.StorageErr("commit delete marker", tx.Commit())
}

func (r *MarkerRepo) ListImages(ctx context.Context, markerID int64) ([]domain.MarkerImage, error) {
	if r.db == nil {
		return nil, domain.ErrStorageUnavailable
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, marker_id, uri FROM marker_images WHERE marker_id = $1 ORDER BY id ASC`,
		markerID,
	)
	if err != nil {
		return nil, database.StorageErr("list images", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]domain.MarkerImage, 0)
	for rows.Next() {
		var img domain.MarkerImage
		if err := rows.Scan(&img.ID, &img.MarkerID, &img.URI); err != nil {
			return nil, database.StorageErr("scan image", err)
		}
		results = append(results, img)
	}
	return results, database.StorageErr("list images", rows.Err())
}

func (r *MarkerRepo) InsertImage(ctx context.Context, img *domain.MarkerImage) (int64, error) {
	if r.db == nil {
		return 0, domain.ErrStorageUnavailable
	}
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO marker_images (marker_id, uri) VALUES ($1, $2) RETURNING id`,
		img.MarkerID, img.URI,
	)
	if err := row.Scan(&img.ID); err != nil {
		return 0, database.StorageErr("insert image", err)
	}
	return img.ID, nil
}

func (r *MarkerRepo) DeleteImage(ctx context.Context, imageID int64) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM marker_images WHERE id = $1`, imageID)
	if err != nil {
		return database.StorageErr("delete image", err)
	}
	return expectRows(res, "delete image")
}

// CountImagesByURI counts image rows of any marker that reference uri.
func (r *MarkerRepo) CountImagesByURI(ctx context.Context, uri string) (int64, error) {
	if r.db == nil {
		return 0, domain.ErrStorageUnavailable
	}
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM marker_images WHERE uri = $1`, uri).Scan(&n)
	if err != nil {
		return 0, database.StorageErr("count images", err)
	}
	return n, nil
}

func expectRows(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return database.StorageErr(op, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
