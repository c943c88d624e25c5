package cron_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/cron"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	t.Run("five-field expression", func(t *testing.T) {
		t.Parallel()

		s, err := cron.ParseSchedule("*/15 * * * *", "")
		require.NoError(t, err)
		require.Equal(t, "*/15 * * * *", s.String())
		require.Equal(t, time.UTC, s.Location())
	})

	t.Run("descriptor", func(t *testing.T) {
		t.Parallel()

		s, err := cron.ParseSchedule("@daily", "")
		require.NoError(t, err)

		at := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)
		next := s.NextAfter(at)
		require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)
	})

	t.Run("named timezone", func(t *testing.T) {
		t.Parallel()

		s, err := cron.ParseSchedule("0 9 * * *", "America/New_York")
		require.NoError(t, err)

		// 9am New York is 14:00 UTC in winter.
		at := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
		next := s.NextAfter(at)
		require.Equal(t, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("rejects bad expression", func(t *testing.T) {
		t.Parallel()

		_, err := cron.ParseSchedule("not a cron", "")
		require.ErrorIs(t, err, cron.ErrInvalidSchedule)
	})

	t.Run("rejects bad timezone", func(t *testing.T) {
		t.Parallel()

		_, err := cron.ParseSchedule("* * * * *", "Mars/Olympus")
		require.ErrorIs(t, err, cron.ErrInvalidTimezone)
	})
}

func TestScheduleNextAfter(t *testing.T) {
	t.Parallel()

	s, err := cron.ParseSchedule("0 * * * *", "")
	require.NoError(t, err)

	// Strictly after: an instant exactly on the schedule returns the next
	// one.
	onTheHour := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC), s.NextAfter(onTheHour))
}

func TestScheduleBetween(t *testing.T) {
	t.Parallel()

	s, err := cron.ParseSchedule("0 * * * *", "")
	require.NoError(t, err)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("returns missed instants in order", func(t *testing.T) {
		t.Parallel()

		got := s.Between(start, start.Add(3*time.Hour), 0)
		require.Equal(t, []time.Time{
			start.Add(time.Hour),
			start.Add(2 * time.Hour),
			start.Add(3 * time.Hour),
		}, got)
	})

	t.Run("bounded by limit", func(t *testing.T) {
		t.Parallel()

		got := s.Between(start, start.Add(48*time.Hour), 5)
		require.Len(t, got, 5)
		require.Equal(t, start.Add(time.Hour), got[0])
	})

	t.Run("empty window", func(t *testing.T) {
		t.Parallel()

		require.Empty(t, s.Between(start, start.Add(30*time.Minute), 0))
	})
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("registers with defaults", func(t *testing.T) {
		t.Parallel()

		r := cron.NewRegistry()
		require.NoError(t, r.Register("report", "0 2 * * *", "", nil))
		c, ok := r.Get("report")
		require.True(t, ok)
		require.Equal(t, time.Minute, c.Timeout)
		require.False(t, c.CatchUp)
		require.Equal(t, 10, c.CatchUpLimit)
	})

	t.Run("applies options", func(t *testing.T) {
		t.Parallel()

		r := cron.NewRegistry()
		require.NoError(t, r.Register("report", "0 2 * * *", "", nil,
			cron.WithTimeout(5*time.Minute), cron.WithCatchUp(3)))
		c, _ := r.Get("report")
		require.Equal(t, 5*time.Minute, c.Timeout)
		require.True(t, c.CatchUp)
		require.Equal(t, 3, c.CatchUpLimit)
	})

	t.Run("rejects duplicates and bad expressions eagerly", func(t *testing.T) {
		t.Parallel()

		r := cron.NewRegistry()
		require.NoError(t, r.Register("report", "0 2 * * *", "", nil))
		require.ErrorIs(t, r.Register("report", "0 3 * * *", "", nil), cron.ErrDuplicateName)
		require.ErrorIs(t, r.Register("broken", "61 * * * *", "", nil), cron.ErrInvalidSchedule)
	})

	t.Run("all is sorted by name", func(t *testing.T) {
		t.Parallel()

		r := cron.NewRegistry()
		require.NoError(t, r.Register("b", "* * * * *", "", nil))
		require.NoError(t, r.Register("a", "* * * * *", "", nil))
		all := r.All()
		require.Len(t, all, 2)
		require.Equal(t, "a", all[0].Name)
		require.Equal(t, "b", all[1].Name)
	})
}
