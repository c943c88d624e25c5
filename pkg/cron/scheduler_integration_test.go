package cron

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/db"
	"github.com/forgepg/forge/pkg/logger"
)

// testPool connects to the database named by DATABASE_URL and applies the
// schema. Tests that need it are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, nil, logger.NewNope()))
	return pool
}

func TestSchedulerClaimExactlyOncePerInstant(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	ctx := context.Background()

	var calls atomic.Int32
	name := "claim-race-" + uuid.NewString()
	reg := NewRegistry()
	require.NoError(t, reg.Register(name, "* * * * *", "UTC",
		func(ctx context.Context, inv Invocation) error {
			calls.Add(1)
			return nil
		}))
	c, ok := reg.Get(name)
	require.True(t, ok)

	// Two nodes racing on the same instant: the cron_runs unique constraint
	// lets exactly one insert win.
	s1 := NewScheduler(pool, reg, nil, uuid.New())
	s2 := NewScheduler(pool, reg, nil, uuid.New())
	instant := time.Now().UTC().Truncate(time.Minute)
	s1.claimAndRun(ctx, c, instant, false)
	s2.claimAndRun(ctx, c, instant, false)
	s1.wg.Wait()
	s2.wg.Wait()
	require.Equal(t, int32(1), calls.Load())

	var status string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status FROM cron_runs WHERE cron_name = $1 AND scheduled_time = $2`,
		name, instant).Scan(&status))
	require.Equal(t, "completed", status)

	// A later instant is a fresh claim.
	s1.claimAndRun(ctx, c, instant.Add(time.Minute), true)
	s1.wg.Wait()
	require.Equal(t, int32(2), calls.Load())
}
