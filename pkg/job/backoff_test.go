package job_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/job"
)

func TestBackoffNext(t *testing.T) {
	t.Parallel()

	t.Run("fixed", func(t *testing.T) {
		t.Parallel()

		b := job.Backoff{Kind: job.BackoffFixed, Base: 2 * time.Second}
		require.Equal(t, 2*time.Second, b.Next(1))
		require.Equal(t, 2*time.Second, b.Next(5))
	})

	t.Run("linear", func(t *testing.T) {
		t.Parallel()

		b := job.Backoff{Kind: job.BackoffLinear, Base: time.Second, Max: 4 * time.Second}
		require.Equal(t, time.Second, b.Next(1))
		require.Equal(t, 3*time.Second, b.Next(3))
		require.Equal(t, 4*time.Second, b.Next(10))
	})

	t.Run("exponential doubles and caps", func(t *testing.T) {
		t.Parallel()

		b := job.DefaultBackoff
		require.Equal(t, time.Second, b.Next(1))
		require.Equal(t, 2*time.Second, b.Next(2))
		require.Equal(t, 4*time.Second, b.Next(3))
		require.Equal(t, 16*time.Second, b.Next(5))
		require.Equal(t, 5*time.Minute, b.Next(30))
	})

	t.Run("defends against bad inputs", func(t *testing.T) {
		t.Parallel()

		b := job.Backoff{Kind: job.BackoffExponential}
		require.Equal(t, time.Second, b.Next(0))
		require.Equal(t, time.Second, b.Next(-3))
	})
}
