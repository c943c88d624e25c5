package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var builtinMigrations embed.FS

// migrationLockID is the process-global advisory lock key that serializes
// schema setup across all nodes sharing the database. The value is arbitrary
// but must never change between releases.
const migrationLockID int64 = 0x464F524745000001 // "FORGE"

// Migrate applies built-in framework migrations followed by user migrations,
// each exactly once cluster-wide. A session-level advisory lock guarantees
// that only one node migrates at a time; late arrivals block on the lock and
// then find everything already applied.
//
// userMigrations may be nil. File names fix lexicographic order
// (NNNN_description.sql) and double as the applied-set keys in the
// migrations table.
func Migrate(ctx context.Context, pool *pgxpool.Pool, userMigrations fs.FS, log *slog.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return errors.Join(ErrMigrationLock, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return errors.Join(ErrMigrationLock, err)
	}
	// Unlock on every exit path. The session lock would also die with the
	// connection, but releasing the pooled conn does not close it.
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	applied, err := appliedSet(ctx, conn)
	if err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	builtin, err := loadMigrations(builtinMigrations, "migrations")
	if err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}
	user, err := loadMigrations(userMigrations, ".")
	if err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	for _, m := range append(builtin, user...) {
		if applied[m.name] {
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return errors.Join(ErrApplyMigrations, fmt.Errorf("migration %s: %w", m.name, err))
		}
		log.InfoContext(ctx, "applied migration", slog.String("name", m.name))
	}

	return nil
}

type migration struct {
	name string
	sql  string
}

func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{name: e.Name(), sql: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func appliedSet(ctx context.Context, conn *pgxpool.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT name FROM migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// applyMigration runs each statement in its own batch, and records the
// migration name in the same transaction as the final statement so a crash
// can never mark a half-applied migration as done.
func applyMigration(ctx context.Context, conn *pgxpool.Conn, m migration) error {
	stmts, err := splitStatements(m.sql)
	if err != nil {
		return err
	}

	for i, stmt := range stmts {
		if i == len(stmts)-1 {
			break
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if len(stmts) > 0 {
			if _, err := tx.Exec(ctx, stmts[len(stmts)-1]); err != nil {
				return fmt.Errorf("statement %d: %w", len(stmts), err)
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO migrations (name) VALUES ($1)`, m.name)
		return err
	})
}
