package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrateLogger adapts zerolog to golang-migrate's Logger interface, the
// same adaptation shape used for the migrator's own log.Logger sink.
type migrateLogger struct {
	log zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool { return false }

// RunMigrations applies every pending forward migration against db. Migrations
// are forward-only and idempotent (CREATE ... IF NOT EXISTS), so this is safe
// to call on every process startup.
func RunMigrations(db *sql.DB, log zerolog.Logger) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{log: log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the postgres
	// driver, which takes ownership of db and closes it too - but callers
	// keep using db (the Store's pool) long after migrations finish.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close embedded migration source: %w", err)
	}
	return nil
}
