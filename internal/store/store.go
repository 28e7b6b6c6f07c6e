// Package store persists the mirrored tracker state in an embedded SQLite
// database. Every entity is keyed by its remote numeric id so that writes
// from full syncs and webhook ingestion converge under arbitrary
// interleaving — each write is an idempotent upsert.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// busyTimeoutMS is how long SQLite waits on a locked database before
// returning SQLITE_BUSY. Webhook ingestion and background refreshes touch
// the same tables as syncs, so contention is expected.
const busyTimeoutMS = 5000

// Store is the single hub for all database access. The connection pool is
// capped at one writer; WAL mode keeps readers unblocked during writes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// nowFunc is injectable for deterministic tests.
	nowFunc func() time.Time
}

// Open opens (or creates) the database at dbPath, applies pragmas and all
// pending migrations, and clears any syncing flags left behind by a
// crashed process. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		dbPath, busyTimeoutMS,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: one connection, serialized writes.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger, nowFunc: time.Now}

	// A process that died mid-sync leaves syncing=1 behind. Clearing at
	// startup prevents permanent lock-out of those repositories.
	cleared, err := s.clearStuckSyncs(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	if cleared > 0 {
		logger.Warn("cleared stale syncing flags from previous run",
			slog.Int64("repositories", cleared))
	}

	logger.Info("mirror database ready", slog.String("path", dbPath))

	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) clearStuckSyncs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET syncing = 0 WHERE syncing = 1`)
	if err != nil {
		return 0, fmt.Errorf("store: clearing stuck syncing flags: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting cleared syncing flags: %w", err)
	}

	return n, nil
}

// --- time column helpers ---
// Timestamps are stored as unix seconds; NULL maps to a nil *time.Time.

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(v.Int64, 0).UTC()

	return &t
}
