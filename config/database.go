package config

import (
	"database/sql"
	"fmt"
)

// NewDatabase opens the store selected by DATABASE_TYPE.
func NewDatabase(cfg *Config) (*sql.DB, error) {
	switch cfg.DatabaseType {
	case DatabaseSQLite:
		return NewSQLite(cfg)
	case DatabasePostgres:
		return NewPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DatabaseType)
	}
}
