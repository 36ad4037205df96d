// Package pgstore is the PostgreSQL store backend: pgx pool for data access,
// session-scoped advisory locks for the locking contract, goose-managed
// schema. It adds durability across restarts and is the system of record for
// match history.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for goose
	"github.com/pressly/goose/v3"

	"github.com/spindate/matchd/pkg/store"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// PG implements store.Store on PostgreSQL.
type PG struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ store.Store = (*PG)(nil)

func New(log *slog.Logger, pool *pgxpool.Pool) *PG {
	return &PG{log: log, pool: pool}
}

// Pool exposes the underlying pool for collaborators that share the database,
// such as the profile directory.
func (p *PG) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PG) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	return nil
}

func (p *PG) Close() {
	p.pool.Close()
}

// Connect builds a pgx pool from connStr and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate runs the embedded goose migrations against db.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateConnStr opens a database/sql handle for connStr and runs Migrate.
func MigrateConnStr(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()
	return Migrate(db)
}
