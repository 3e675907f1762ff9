package persistence

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrations

	dbmigrations "github.com/LKrysik/quantra/db/migrations"
	"github.com/LKrysik/quantra/errs"
)

// Migrate applies the embedded SQL migrations to the database at dsn.
// Already-applied migrations are a no-op.
func Migrate(ctx context.Context, dsn string, logger *log.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("persistence/migrate", errs.CodeValidation,
			errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("persistence: migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("persistence/migrate", errs.CodeTransient,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New("persistence/migrate", errs.CodeValidation,
			errs.WithMessage("load embedded migrations"), errs.WithCause(err))
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return errs.New("persistence/migrate", errs.CodeTransient,
			errs.WithMessage("initialise pgx migration driver"), errs.WithCause(err))
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return errs.New("persistence/migrate", errs.CodeValidation,
			errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("persistence: migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("persistence: migrations db close: %v", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("persistence: migrations up-to-date")
			}
			return nil
		}
		return errs.New("persistence/migrate", errs.CodeTransient,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	if logger != nil {
		logger.Printf("persistence: migrations applied")
	}
	return nil
}
