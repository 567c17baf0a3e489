package storage

import (
	"embed"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded migration files for driver.
func Migrations(driver string) (fs.FS, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
		return fs.Sub(migrationsFS, "migrations/"+driver)
	}
	return nil, errors.Errorf("no migrations for driver %q", driver)
}

// Migrate applies any pending migrations to the store's database.
func (s *SQLStore) Migrate() error {
	db := s.DB()
	if db == nil {
		return errors.New("cannot migrate inside a transaction")
	}

	files, err := Migrations(s.driver)
	if err != nil {
		return err
	}

	var dbi database.Driver
	switch s.driver {
	case DriverPostgres:
		dbi, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case DriverSQLite:
		dbi, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	}
	if err != nil {
		return errors.Wrap(err, "creating migration instance")
	}

	source, err := iofs.New(files, ".")
	if err != nil {
		return errors.Wrap(err, "creating migration source")
	}

	m, err := migrate.NewWithInstance("iofs", source, s.driver, dbi)
	if err != nil {
		return errors.Wrap(err, "creating migration")
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return errors.Wrap(err, "running migrations")
		}
	}
	return nil
}
