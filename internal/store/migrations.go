package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// Schema files ship inside the binary; a deployed process never depends
// on migration files on disk.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate brings the schema up to date via the goose v3 Provider API,
// which is context-aware and carries no global state.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	src, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, src)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: applying migrations: %w", err)
	}

	if len(applied) > 0 {
		logger.Info("schema migrated",
			slog.Int("applied", len(applied)),
			slog.String("latest", applied[len(applied)-1].Source.Path),
		)
	}

	return nil
}
