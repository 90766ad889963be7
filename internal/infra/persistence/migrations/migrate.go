// Package migrations wires golang-migrate execution for Estuary's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	dbmigrations "github.com/coachpo/estuary/db/migrations"
)

// Apply ensures the embedded migrations are applied to the Postgres instance
// reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	return run(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				if logger != nil {
					logger.Printf("database migrations: no change")
				}
				return nil
			}
			return fmt.Errorf("apply migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations applied")
		}
		return nil
	})
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				if logger != nil {
					logger.Printf("database migrations: no change")
				}
				return nil
			}
			return fmt.Errorf("rollback migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations rolled back: steps=%d", steps)
		}
		return nil
	})
}

func run(ctx context.Context, dsn string, logger *log.Logger, op func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	return op(m)
}
