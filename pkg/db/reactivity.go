package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnableReactivity installs the change-notification trigger on a user table
// so mutations fan out to reactor subscriptions. The table must have an id
// column; the trigger payload carries id::text as the row identifier.
func EnableReactivity(ctx context.Context, pool *pgxpool.Pool, table string) error {
	_, err := pool.Exec(ctx, `SELECT enable_reactivity($1)`, table)
	return err
}
