// Package admin implements the operational commands behind matchd-admin:
// schema migrations, database reset, and dev profile seeding.
package admin

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/spindate/matchd/pkg/store/pgstore"
)

// MigrateUp runs all pending migrations.
func MigrateUp(log *slog.Logger, connStr string) error {
	db, err := openPgDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := setGooseDialect(); err != nil {
		return err
	}

	log.Info("running migrations (up)")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("migrations completed")
	return nil
}

// MigrateDown rolls back the last migration.
func MigrateDown(log *slog.Logger, connStr string) error {
	db, err := openPgDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := setGooseDialect(); err != nil {
		return err
	}

	log.Info("rolling back migration (down)")
	if err := goose.Down(db, "migrations"); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	log.Info("migration rollback completed")
	return nil
}

// MigrateStatus prints the status of all migrations.
func MigrateStatus(log *slog.Logger, connStr string) error {
	db, err := openPgDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := setGooseDialect(); err != nil {
		return err
	}

	log.Info("migration status")
	if err := goose.Status(db, "migrations"); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

func setGooseDialect() error {
	goose.SetBaseFS(pgstore.EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

func openPgDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
