package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	migrationsDir   = "migrations"
	migrationsTable = "schema_migrations"
)

// Migrate applies every embedded migration in order. It bridges the
// pgx pool to database/sql via stdlib.OpenDBFromPool, which shares the
// pool's underlying connections — the returned *sql.DB is never closed
// here, since closing it would tear down the pool it borrows from.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	conn := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationsTable)
	if logger == nil {
		goose.SetLogger(&gooseLogAdapter{slog.New(slog.NewTextHandler(io.Discard, nil))})
	} else {
		goose.SetLogger(&gooseLogAdapter{logger.With("component", "migrate")})
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, migrationsDir); err != nil {
		return errors.Join(fmt.Errorf("apply migrations"), err)
	}
	return nil
}

type gooseLogAdapter struct{ logger *slog.Logger }

func (g *gooseLogAdapter) Printf(format string, args ...any) {
	g.logger.Info(fmt.Sprintf(format, args...))
}

func (g *gooseLogAdapter) Fatalf(format string, args ...any) {
	g.logger.Error(fmt.Sprintf(format, args...))
}
