package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Tables are the tables a migrated database must hold.
var Tables = []string{"profiles", "profile_schemas", "jobs", "dead_letter_jobs"}

// ErrNotInitialized is returned by Check when a required table or the
// seeded profile schema is missing.
var ErrNotInitialized = errors.New("database not initialized")

// Counts returns the row count of every table in Tables.
func (db *DB) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(Tables))
	for _, table := range Tables {
		var exists int
		if err := db.QueryRow(ctx, `SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&exists); err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", table, err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: table %s is missing", ErrNotInitialized, table)
		}
		var n int64
		// table names come from Tables, never from input
		if err := db.QueryRow(ctx, `SELECT COUNT(1) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// Check verifies a migrated and seeded database and returns its row counts.
func (db *DB) Check(ctx context.Context) (map[string]int64, error) {
	counts, err := db.Counts(ctx)
	if err != nil {
		return nil, err
	}
	var seeded int
	if err := db.QueryRow(ctx, `SELECT COUNT(1) FROM profile_schemas WHERE version = 'v1'`).Scan(&seeded); err != nil {
		return nil, fmt.Errorf("lookup seeded schema: %w", err)
	}
	if seeded == 0 {
		return nil, fmt.Errorf("%w: profile schema v1 is not seeded", ErrNotInitialized)
	}
	return counts, nil
}

// Backup writes a consistent copy of the database to dst with VACUUM INTO,
// replacing any previous file there. The server may keep running.
func (db *DB) Backup(ctx context.Context, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old backup: %w", err)
	}
	if _, err := db.Exec(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	db.logger.Info("database backed up", slog.String("dst", dst))
	return nil
}
