package reactor_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forgepg/forge/pkg/reactor"
)

func TestEntityIndex(t *testing.T) {
	t.Parallel()

	t.Run("routes watchers by entity id", func(t *testing.T) {
		t.Parallel()

		idx := reactor.NewEntityIndex()
		session := uuid.New()
		jobID := uuid.New()
		runID := uuid.New()

		require.NoError(t, idx.SubscribeJob(session, "j1", jobID))
		require.NoError(t, idx.SubscribeRun(session, "r1", runID))

		require.Equal(t, []reactor.Subscriber{{SessionID: session, ClientSubID: "j1"}}, idx.JobSubscribers(jobID))
		require.Equal(t, []reactor.Subscriber{{SessionID: session, ClientSubID: "r1"}}, idx.RunSubscribers(runID))
		require.Empty(t, idx.JobSubscribers(uuid.New()))
	})

	t.Run("client sub id is unique per session across kinds", func(t *testing.T) {
		t.Parallel()

		idx := reactor.NewEntityIndex()
		session := uuid.New()
		require.NoError(t, idx.SubscribeJob(session, "sub", uuid.New()))
		require.ErrorIs(t, idx.SubscribeRun(session, "sub", uuid.New()), reactor.ErrSubscriptionExists)
	})

	t.Run("unsubscribe by client id", func(t *testing.T) {
		t.Parallel()

		idx := reactor.NewEntityIndex()
		session := uuid.New()
		jobID := uuid.New()
		require.NoError(t, idx.SubscribeJob(session, "j1", jobID))
		require.NoError(t, idx.Unsubscribe(session, "j1"))
		require.Empty(t, idx.JobSubscribers(jobID))
		require.ErrorIs(t, idx.Unsubscribe(session, "j1"), reactor.ErrNotSubscribed)
	})

	t.Run("remove session drops everything it watched", func(t *testing.T) {
		t.Parallel()

		idx := reactor.NewEntityIndex()
		session := uuid.New()
		other := uuid.New()
		jobID := uuid.New()
		runID := uuid.New()
		require.NoError(t, idx.SubscribeJob(session, "j1", jobID))
		require.NoError(t, idx.SubscribeRun(session, "r1", runID))
		require.NoError(t, idx.SubscribeJob(other, "j1", jobID))

		idx.RemoveSession(session)
		require.Equal(t, []reactor.Subscriber{{SessionID: other, ClientSubID: "j1"}}, idx.JobSubscribers(jobID))
		require.Empty(t, idx.RunSubscribers(runID))
		require.Equal(t, []uuid.UUID{jobID}, idx.WatchedJobs())
		require.Empty(t, idx.WatchedRuns())
	})
}
