// Copyright (c) 2025 Justin Cranford

// Package nvstore is the optional NV-index-survives-state-loss backend for
// sealed blobs (spec.md §4.1): a small sealed_blobs table, schema-migrated
// with golang-migrate, backed by SQLite (default) or Postgres. It is
// independent of the secret store's JSON metadata snapshot.
package nvstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"license-agent/internal/apperr"
)

func sqlDriverName(backend Backend) string {
	if backend == BackendPostgres {
		return "pgx"
	}
	return "sqlite3"
}

// SealedBlob is the gorm model backing the sealed_blobs table: a single
// opaque blob per secret version, keyed by version.
type SealedBlob struct {
	Version    uint64 `gorm:"primaryKey"`
	Ciphertext []byte
	CreatedAt  int64
}

// Backend is "sqlite" or "postgres".
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Store wraps a gorm.DB scoped to the sealed_blobs table.
type Store struct {
	db *gorm.DB
}

// Open runs pending migrations (from migrationsPath, a "file://..." source
// URL) against dsn, then opens a gorm handle over the same database.
func Open(backend Backend, dsn, migrationsPath string) (*Store, error) {
	if err := runMigrations(backend, dsn, migrationsPath); err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch backend {
	case BackendSQLite:
		dialector = sqlite.Open(dsn)
	case BackendPostgres:
		dialector = gormpostgres.Open(dsn)
	default:
		return nil, apperr.NewConfigError(fmt.Sprintf("unknown NV-store backend %q", backend), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, apperr.NewTpmError("failed to open NV-store database", err)
	}

	if err := db.AutoMigrate(&SealedBlob{}); err != nil {
		return nil, apperr.NewTpmError("failed to auto-migrate sealed_blobs table", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(backend Backend, dsn, migrationsPath string) error {
	if migrationsPath == "" {
		return nil
	}

	sqlDB, err := sql.Open(sqlDriverName(backend), dsn)
	if err != nil {
		return apperr.NewTpmError("failed to open database for migration", err)
	}
	defer sqlDB.Close()

	var driver database.Driver
	switch backend {
	case BackendSQLite:
		driver, err = migratesqlite3.WithInstance(sqlDB, &migratesqlite3.Config{})
	case BackendPostgres:
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	default:
		return apperr.NewConfigError(fmt.Sprintf("unknown NV-store backend %q", backend), nil)
	}
	if err != nil {
		return apperr.NewTpmError("failed to construct migration driver", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, string(backend), driver)
	if err != nil {
		return apperr.NewTpmError("failed to construct migrator", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return apperr.NewTpmError("failed to run migrations", err)
	}
	return nil
}

// Put inserts or replaces the sealed blob for version. It satisfies
// secretstore.SealedBlobBackend so a Store can be handed directly to
// secretstore.New as the persistent sealed-blob backend.
func (s *Store) Put(version uint64, ciphertext []byte) error {
	row := SealedBlob{Version: version, Ciphertext: ciphertext, CreatedAt: time.Now().UTC().Unix()}
	if err := s.db.Save(&row).Error; err != nil {
		return apperr.NewTpmError(fmt.Sprintf("failed to persist sealed blob for version %d", version), err)
	}
	return nil
}

// Get returns the sealed blob for version, or SecretNotFound if absent.
func (s *Store) Get(version uint64) ([]byte, error) {
	var row SealedBlob
	if err := s.db.First(&row, "version = ?", version).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.NewSecretNotFound(version)
		}
		return nil, apperr.NewTpmError(fmt.Sprintf("failed to read sealed blob for version %d", version), err)
	}
	return row.Ciphertext, nil
}

// Delete removes the sealed blob for version, if present. Deleting an
// already-absent version is not an error.
func (s *Store) Delete(version uint64) error {
	if err := s.db.Delete(&SealedBlob{}, "version = ?", version).Error; err != nil {
		return apperr.NewTpmError(fmt.Sprintf("failed to delete sealed blob for version %d", version), err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.NewTpmError("failed to obtain underlying sql.DB", err)
	}
	return sqlDB.Close()
}
