package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type sinkCall struct {
	sessionID   uuid.UUID
	clientSubID string
	payload     json.RawMessage
}

type fakeSink struct {
	mu   sync.Mutex
	data []sinkCall
	jobs []sinkCall
	runs []sinkCall
}

func (s *fakeSink) SendData(sessionID uuid.UUID, clientSubID string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, sinkCall{sessionID, clientSubID, data})
}

func (s *fakeSink) SendJobUpdate(sessionID uuid.UUID, clientSubID string, job json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, sinkCall{sessionID, clientSubID, job})
}

func (s *fakeSink) SendWorkflowUpdate(sessionID uuid.UUID, clientSubID string, run json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, sinkCall{sessionID, clientSubID, run})
}

func (s *fakeSink) dataCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type fakeFetcher struct {
	jobErr error
}

func (f *fakeFetcher) JobSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if f.jobErr != nil {
		return nil, f.jobErr
	}
	return fmt.Appendf(nil, `{"id":%q}`, id), nil
}

func (f *fakeFetcher) RunSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return fmt.Appendf(nil, `{"id":%q}`, id), nil
}

func (f *fakeFetcher) StepRunID(ctx context.Context, stepID uuid.UUID) (uuid.UUID, error) {
	return stepID, nil
}

func TestReactorSubscribe(t *testing.T) {
	t.Parallel()

	var counter atomic.Int64
	queries := NewQueries()
	require.NoError(t, RegisterQuery(queries, "count", func(ctx context.Context, tr *Tracker, _ struct{}) (int64, error) {
		tr.Table("orders")
		return counter.Load(), nil
	}))

	sink := &fakeSink{}
	r := New(queries, sink, &fakeFetcher{})
	ctx := context.Background()
	session := uuid.New()

	data, err := r.Subscribe(ctx, session, "s1", "count", nil)
	require.NoError(t, err)
	require.JSONEq(t, `0`, string(data))
	require.Equal(t, 1, r.Subscriptions().Count())

	_, err = r.Subscribe(ctx, session, "nope", "missing", nil)
	require.ErrorIs(t, err, ErrUnknownQuery)

	// Re-execution with an unchanged result is suppressed.
	ids := r.subs.All()
	require.Len(t, ids, 1)
	r.reexecute(ctx, ids[0])
	require.Empty(t, sink.data)

	// A changed result is pushed to the owning session.
	counter.Store(7)
	r.reexecute(ctx, ids[0])
	require.Len(t, sink.data, 1)
	require.Equal(t, session, sink.data[0].sessionID)
	require.Equal(t, "s1", sink.data[0].clientSubID)
	require.JSONEq(t, `7`, string(sink.data[0].payload))
}

func TestReactorEntityFlow(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	r := New(NewQueries(), sink, &fakeFetcher{})
	ctx := context.Background()
	session := uuid.New()
	jobID := uuid.New()

	snapshot, err := r.SubscribeJob(ctx, session, "j1", jobID)
	require.NoError(t, err)
	require.JSONEq(t, fmt.Sprintf(`{"id":%q}`, jobID), string(snapshot))

	// A change on the jobs table pushes a fresh snapshot to watchers.
	r.process(ctx, Change{Table: tableJobs, Op: OpUpdate, RowID: jobID.String()})
	require.Len(t, sink.jobs, 1)
	require.Equal(t, "j1", sink.jobs[0].clientSubID)

	// Changes for unwatched ids are ignored.
	r.process(ctx, Change{Table: tableJobs, Op: OpUpdate, RowID: uuid.NewString()})
	require.Len(t, sink.jobs, 1)

	// Unsubscribe falls through to the entity index for entity subs.
	require.NoError(t, r.Unsubscribe(session, "j1"))
	r.process(ctx, Change{Table: tableJobs, Op: OpUpdate, RowID: jobID.String()})
	require.Len(t, sink.jobs, 1)
}

func TestReactorResync(t *testing.T) {
	t.Parallel()

	var counter atomic.Int64
	queries := NewQueries()
	require.NoError(t, RegisterQuery(queries, "count", func(ctx context.Context, tr *Tracker, _ struct{}) (int64, error) {
		tr.Table("orders")
		return counter.Load(), nil
	}))
	sink := &fakeSink{}
	r := New(queries, sink, &fakeFetcher{})
	session := uuid.New()

	_, err := r.Subscribe(context.Background(), session, "s1", "count", nil)
	require.NoError(t, err)

	// The listener may reconnect and fire a resync before Run has started.
	counter.Store(1)
	r.Resync()
	require.Eventually(t, func() bool { return sink.dataCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// And again concurrently with a running reactor.
	counter.Store(2)
	r.Resync()
	require.Eventually(t, func() bool { return sink.dataCount() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestReactorDropSession(t *testing.T) {
	t.Parallel()

	queries := NewQueries()
	require.NoError(t, RegisterQuery(queries, "q", func(ctx context.Context, tr *Tracker, _ struct{}) (int, error) {
		tr.Table("orders")
		return 1, nil
	}))
	sink := &fakeSink{}
	r := New(queries, sink, &fakeFetcher{})
	ctx := context.Background()
	session := uuid.New()

	_, err := r.Subscribe(ctx, session, "s1", "q", nil)
	require.NoError(t, err)
	_, err = r.SubscribeJob(ctx, session, "j1", uuid.New())
	require.NoError(t, err)

	r.DropSession(session)
	require.Zero(t, r.Subscriptions().Count())
	require.Empty(t, r.entities.WatchedJobs())
}
