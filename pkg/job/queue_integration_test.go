package job_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/db"
	"github.com/forgepg/forge/pkg/job"
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

func TestQueueClaimExactlyOnce(t *testing.T) {
	t.Parallel()

	q := job.NewQueue(testPool(t))
	ctx := context.Background()

	// A capability unique to this run keeps the test's jobs invisible to
	// anything else touching the same database.
	capability := uuid.NewString()
	const total = 20
	enqueued := make(map[uuid.UUID]bool, total)
	for i := range total {
		id, err := q.Enqueue(ctx, "claim-race", map[string]int{"n": i}, job.WithCapability(capability))
		require.NoError(t, err)
		enqueued[id] = true
	}
	require.Len(t, enqueued, total)

	const workers = 4
	type claimResult struct {
		jobs []*job.Job
		err  error
	}
	results := make(chan claimResult, workers*workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := uuid.New()
			for range workers {
				jobs, err := q.Claim(ctx, workerID, []string{capability}, 3)
				results <- claimResult{jobs, err}
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uuid.UUID]int)
	for res := range results {
		require.NoError(t, res.err)
		for _, j := range res.jobs {
			if !enqueued[j.ID] {
				continue
			}
			seen[j.ID]++
			require.Equal(t, job.StatusClaimed, j.Status)
			require.Equal(t, 1, j.Attempts)
			require.NotNil(t, j.WorkerID)
		}
	}
	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestQueueIdempotentEnqueue(t *testing.T) {
	t.Parallel()

	q := job.NewQueue(testPool(t))
	ctx := context.Background()

	capability := uuid.NewString()
	key := uuid.NewString()

	first, err := q.Enqueue(ctx, "dedupe", nil,
		job.WithIdempotencyKey(key), job.WithCapability(capability))
	require.NoError(t, err)

	// The same key returns the live job's id instead of inserting.
	again, err := q.Enqueue(ctx, "dedupe", nil,
		job.WithIdempotencyKey(key), job.WithCapability(capability))
	require.NoError(t, err)
	require.Equal(t, first, again)

	// Completing the holder frees the key for reuse.
	claimed, err := q.Claim(ctx, uuid.New(), []string{capability}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, first, claimed[0].ID)
	require.NoError(t, q.MarkRunning(ctx, first))
	require.NoError(t, q.Complete(ctx, first, nil))

	fresh, err := q.Enqueue(ctx, "dedupe", nil,
		job.WithIdempotencyKey(key), job.WithCapability(capability))
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)
}

func TestQueueRecoverStale(t *testing.T) {
	t.Parallel()

	pool := testPool(t)
	q := job.NewQueue(pool)
	ctx := context.Background()

	capability := uuid.NewString()
	id, err := q.Enqueue(ctx, "stale", nil, job.WithCapability(capability))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, uuid.New(), []string{capability}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	// Backdate the claim past the threshold, as if the worker died.
	_, err = pool.Exec(ctx,
		`UPDATE jobs SET claimed_at = now() - interval '10 minutes' WHERE id = $1`, id)
	require.NoError(t, err)

	recovered, err := q.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	require.GreaterOrEqual(t, recovered, int64(1))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, got.Status)
	require.Nil(t, got.WorkerID)
	require.Equal(t, 1, got.Attempts)

	// The next claim resumes the attempt count instead of resetting it.
	reclaimed, err := q.Claim(ctx, uuid.New(), []string{capability}, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, 2, reclaimed[0].Attempts)
}

func TestQueueRetryLifecycle(t *testing.T) {
	t.Parallel()

	q := job.NewQueue(testPool(t))
	ctx := context.Background()

	capability := uuid.NewString()
	worker := uuid.New()
	id, err := q.Enqueue(ctx, "flaky", nil,
		job.WithCapability(capability), job.WithMaxAttempts(2))
	require.NoError(t, err)

	// First attempt fails and returns to pending with the error recorded.
	claimed, err := q.Claim(ctx, worker, []string{capability}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.MarkRunning(ctx, id))
	require.NoError(t, q.Retry(ctx, id, "transient failure", 0))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, got.Status)
	require.NotNil(t, got.LastError)
	require.Equal(t, "transient failure", *got.LastError)
	require.Equal(t, 1, got.Attempts)

	// Second attempt exhausts the budget and dead-letters.
	claimed, err = q.Claim(ctx, worker, []string{capability}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 2, claimed[0].Attempts)
	require.NoError(t, q.MarkRunning(ctx, id))
	require.NoError(t, q.DeadLetter(ctx, id, "still failing"))

	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusDeadLetter, got.Status)

	// Terminal rows refuse further transitions.
	require.ErrorIs(t, q.Complete(ctx, id, nil), job.ErrInvalidState)
}
