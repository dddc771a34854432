package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/sessync/internal/store/migrations"
)

// MigrateResult reports the schema version after Migrate.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate brings the schema up to the newest embedded migration. A dirty
// schema left by an interrupted migration is reported as an error, since
// the dumps it holds cannot be trusted to match any version.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	res := &MigrateResult{Changed: true}
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		res.Changed = false
	case err != nil:
		return nil, fmt.Errorf("migration up: %w", err)
	}

	res.Version, res.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	if res.Dirty {
		return res, fmt.Errorf("schema version %d is dirty", res.Version)
	}
	return res, nil
}
