package reactor_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/reactor"
)

func TestDebouncer(t *testing.T) {
	t.Parallel()

	base := time.Now()

	t.Run("quiet window releases the entry", func(t *testing.T) {
		t.Parallel()

		d := reactor.NewDebouncer(reactor.WithWindows(100*time.Millisecond, time.Second))
		id := uuid.New()
		d.Mark(id, base)

		require.Empty(t, d.Ready(base.Add(50*time.Millisecond)))
		require.Equal(t, []uuid.UUID{id}, d.Ready(base.Add(100*time.Millisecond)))
		require.Zero(t, d.Pending())
	})

	t.Run("repeated changes extend the quiet window", func(t *testing.T) {
		t.Parallel()

		d := reactor.NewDebouncer(reactor.WithWindows(100*time.Millisecond, time.Second))
		id := uuid.New()
		d.Mark(id, base)
		d.Mark(id, base.Add(80*time.Millisecond))

		require.Empty(t, d.Ready(base.Add(120*time.Millisecond)))
		require.Equal(t, []uuid.UUID{id}, d.Ready(base.Add(180*time.Millisecond)))
	})

	t.Run("max window bounds a steady stream", func(t *testing.T) {
		t.Parallel()

		d := reactor.NewDebouncer(reactor.WithWindows(100*time.Millisecond, time.Second))
		id := uuid.New()
		for i := 0; i <= 20; i++ {
			d.Mark(id, base.Add(time.Duration(i)*50*time.Millisecond))
		}
		// Last mark at +1s keeps the quiet window open, but the max window
		// since the first mark has elapsed.
		require.Equal(t, []uuid.UUID{id}, d.Ready(base.Add(time.Second)))
	})

	t.Run("drop discards pending work", func(t *testing.T) {
		t.Parallel()

		d := reactor.NewDebouncer()
		id := uuid.New()
		d.Mark(id, base)
		require.Equal(t, 1, d.Pending())
		d.Drop(id)
		require.Zero(t, d.Pending())
		require.Empty(t, d.Ready(base.Add(time.Minute)))
	})

	t.Run("entries release independently", func(t *testing.T) {
		t.Parallel()

		d := reactor.NewDebouncer(reactor.WithWindows(100*time.Millisecond, time.Second))
		early := uuid.New()
		late := uuid.New()
		d.Mark(early, base)
		d.Mark(late, base.Add(90*time.Millisecond))

		due := d.Ready(base.Add(110 * time.Millisecond))
		require.Equal(t, []uuid.UUID{early}, due)
		require.Equal(t, 1, d.Pending())
	})
}
