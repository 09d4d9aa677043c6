package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/database"
)

var _ database.MarkerRepository = (*MarkerRepo)(nil)

// created_at is stored as unix milliseconds.
var schema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS markers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		latitude REAL NOT NULL CHECK (latitude >= -90 AND latitude <= 90),
		longitude REAL NOT NULL CHECK (longitude >= -180 AND longitude <= 180),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_markers_created_at ON markers(created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS marker_images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		marker_id INTEGER NOT NULL REFERENCES markers(id) ON DELETE CASCADE,
		uri TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_marker_images_marker_id ON marker_images(marker_id)`,
	`CREATE INDEX IF NOT EXISTS idx_marker_images_uri ON marker_images(uri)`,
}

type MarkerRepo struct {
	db  *sql.DB
	now func() time.Time

	schemaOnce sync.Once
	schemaErr  error
}

// NewMarkerRepo expects a handle limited to one open connection (see
// config.NewSQLite); the foreign key pragma is per connection.
func NewMarkerRepo(db *sql.DB) *MarkerRepo {
	return &MarkerRepo{db: db, now: time.Now}
}

func (r *MarkerRepo) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	r.schemaOnce.Do(func() {
		for _, stmt := range schema {
			if _, err := r.db.ExecContext(ctx, stmt); err != nil {
				r.schemaErr = database.StorageErr("create schema", err)
				return
			}
		}
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
		m, err := scanMarker(rows)
		if err != nil {
			return nil, database.StorageErr("scan marker", err)
		}
		results = append(results, *m)
	}
	return results, database.StorageErr("list markers", rows.Err())
}

func (r *MarkerRepo) GetByID(ctx context.Context, id int64) (*domain.Marker, error) {
	if r.db == nil {
		return nil, domain.ErrStorageUnavailable
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT id, latitude, longitude, title, description, address, created_at FROM markers WHERE id = ?`,
		id,
	)
	m, err := scanMarker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, database.StorageErr("get marker", err)
	}
	return m, nil
}

func (r *MarkerRepo) Insert(ctx context.Context, m *domain.Marker) (int64, error) {
	if r.db == nil {
		return 0, domain.ErrStorageUnavailable
	}
	createdAt := r.now().UTC().Truncate(time.Millisecond)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO markers (latitude, longitude, title, description, address, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.Latitude, m.Longitude, m.Title, m.Description, m.Address, createdAt.UnixMilli(),
	)
	if err != nil {
		return 0, database.StorageErr("insert marker", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, database.StorageErr("insert marker", err)
	}
	m.ID = id
	m.CreatedAt = createdAt
	return id, nil
}

func (r *MarkerRepo) Update(ctx context.Context, m *domain.Marker) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE markers SET latitude = ?, longitude = ?, title = ?, description = ?, address = ? WHERE id = ?`,
		m.Latitude, m.Longitude, m.Title, m.Description, m.Address, m.ID,
	)
	if err != nil {
		return database.StorageErr("update marker", err)
	}
	return expectRows(res, "update marker")
}

func (r *MarkerRepo) Delete(ctx context.Context, id int64) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return database.StorageErr("begin delete marker", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM marker_images WHERE marker_id = ?`, id); err != nil {
		return database.StorageErr("delete marker images", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM markers WHERE id = ?`, id)
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
		`SELECT id, marker_id, uri FROM marker_images WHERE marker_id = ? ORDER BY id ASC`,
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
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO marker_images (marker_id, uri) VALUES (?, ?)`,
		img.MarkerID, img.URI,
	)
	if err != nil {
		return 0, database.StorageErr("insert image", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, database.StorageErr("insert image", err)
	}
	img.ID = id
	return id, nil
}

func (r *MarkerRepo) DeleteImage(ctx context.Context, imageID int64) error {
	if r.db == nil {
		return domain.ErrStorageUnavailable
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM marker_images WHERE id = ?`, imageID)
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
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM marker_images WHERE uri = ?`, uri).Scan(&n)
	if err != nil {
		return 0, database.StorageErr("count images", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMarker(s scanner) (*domain.Marker, error) {
	var (
		m         domain.Marker
		createdAt int64
	)
	if err := s.Scan(&m.ID, &m.Latitude, &m.Longitude, &m.Title, &m.Description, &m.Address, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
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
