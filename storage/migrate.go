package storage

import (
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"

	"github.com/songzhibin97/stepflow/storage/migrations"
)

// Migrate applies the embedded migrations of the dialect to the database at dbURL.
// dbURL uses golang-migrate schemes: sqlite://, postgres://, mysql://.
func Migrate(dialect Dialect, dbURL string) error {
	if !dialect.Valid() {
		return errors.Errorf("unsupported dialect %q", dialect)
	}
	sub, err := fs.Sub(migrations.FS, string(dialect))
	if err != nil {
		return errors.WithMessage(err, "migrations sub fs")
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return errors.WithMessage(err, "migrations source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return errors.WithMessage(err, "migrate instance")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.WithMessage(err, "migrate up")
	}
	return nil
}

// Schema returns the raw up-migration of the dialect. Tests use it to prepare
// in-memory databases without a migration driver.
func Schema(dialect Dialect) (string, error) {
	data, err := fs.ReadFile(migrations.FS, string(dialect)+"/000001_init.up.sql")
	if err != nil {
		return "", errors.WithMessagef(err, "read schema for %s", dialect)
	}
	return string(data), nil
}
