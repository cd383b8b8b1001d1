// Package migrations embeds the SQL schema for each supported driver and
// applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// driver
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // sqlite:// driver (modernc)
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Supported driver names.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// FS returns the migration files for driver.
func FS(driver string) (fs.FS, error) {
	switch driver {
	case Postgres, SQLite:
		return fs.Sub(files, driver)
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}

// DatabaseURL converts a store DSN into the URL golang-migrate expects.
func DatabaseURL(driver, dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("migration dsn is required")
	}
	switch driver {
	case Postgres:
		for _, prefix := range []string{"postgres://", "postgresql://"} {
			if rest, ok := strings.CutPrefix(dsn, prefix); ok {
				return "pgx5://" + rest, nil
			}
		}
		return "", fmt.Errorf("postgres dsn must be a URL, got %q", redact(dsn))
	case SQLite:
		if strings.HasPrefix(dsn, "sqlite://") {
			return dsn, nil
		}
		path, _, _ := strings.Cut(dsn, "?")
		return "sqlite://" + strings.TrimPrefix(path, "file:"), nil
	default:
		return "", fmt.Errorf("no migrations for driver %q", driver)
	}
}

// New builds a migrator for driver and dsn. The caller must Close it.
func New(driver, dsn string) (*migrate.Migrate, error) {
	sub, err := FS(driver)
	if err != nil {
		return nil, err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	url, err := DatabaseURL(driver, dsn)
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func Up(driver, dsn string) error {
	m, err := New(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(driver, dsn string) (uint, bool, error) {
	m, err := New(driver, dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, dirty, nil
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "password="); i >= 0 {
		return dsn[:i] + "password=***"
	}
	return dsn
}
