// ABOUTME: Tests for the job Manager lifecycle, limits and completion guarantees.
// ABOUTME: Executors are plain functions; persistence is the in-memory MockStore.

package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/store"
)

type fixture struct {
	store   *store.MockStore
	mgr     *Manager
	account *store.Account
	user    *store.User
}

func newFixture(t *testing.T, p Params) *fixture {
	t.Helper()
	ctx := context.Background()

	s := store.NewMockStore()
	acct := &store.Account{Name: "acme", Enabled: true}
	require.NoError(t, s.CreateAccount(ctx, acct))
	user := &store.User{AccountID: acct.ID, Name: "alice"}
	require.NoError(t, s.CreateUser(ctx, user))

	p.Store = s
	p.Accounts = s
	if p.Registry == nil {
		p.Registry = metrics.NewRegistry()
	}
	m := NewManager(p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return &fixture{store: s, mgr: m, account: acct, user: user}
}

func (f *fixture) spec(command string) Spec {
	return Spec{
		AccountID: f.account.ID,
		UserID:    f.user.ID,
		Command:   command,
		Params:    json.RawMessage(`{"name":"vol1"}`),
	}
}

// succeed is an executor that completes every job immediately.
func succeed(m *Manager) Executor {
	return ExecutorFunc(func(ctx context.Context, rec *Record) {
		if _, err := m.MarkInProgress(ctx, rec.ID); err != nil {
			return
		}
		m.CompleteAsyncJob(ctx, rec.ID, StatusSucceeded, 0, &Result{
			Kind: store.ResultSuccess,
			Data: map[string]any{"params": rec.Params},
		})
	})
}

// gated is an executor that completes jobs once release is closed.
type gated struct {
	m       *Manager
	started chan int64
	release chan struct{}
}

func newGated(m *Manager) *gated {
	return &gated{m: m, started: make(chan int64, 16), release: make(chan struct{})}
}

func (g *gated) Execute(ctx context.Context, rec *Record) {
	g.m.MarkInProgress(ctx, rec.ID)
	g.started <- rec.ID
	<-g.release
	g.m.CompleteAsyncJob(context.Background(), rec.ID, StatusSucceeded, 0, &Result{Kind: store.ResultSuccess})
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	f := newFixture(t, Params{Workers: 2})
	f.mgr.SetExecutor(succeed(f.mgr))
	ctx := context.Background()

	rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, StatusQueued, rec.Status)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, `{"name":"vol1"}`, done.Result.Data["params"])
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(1), f.mgr.Stats().Succeeded.Count())
}

func TestSubmit_ManyJobsAllTerminate(t *testing.T) {
	f := newFixture(t, Params{Workers: 4, QueueSize: 64})
	f.mgr.SetExecutor(succeed(f.mgr))
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 30; i++ {
		rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, id := range ids {
		rec, err := f.mgr.Wait(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Status.Terminal())
	}
}

func TestSubmit_ValidatesOwner(t *testing.T) {
	f := newFixture(t, Params{})
	f.mgr.SetExecutor(succeed(f.mgr))
	ctx := context.Background()

	other := &store.Account{Name: "other", Enabled: true}
	require.NoError(t, f.store.CreateAccount(ctx, other))
	disabled := &store.Account{Name: "gone"}
	require.NoError(t, f.store.CreateAccount(ctx, disabled))

	tests := []struct {
		name      string
		accountID int64
		userID    int64
	}{
		{"unknown account", 999, f.user.ID},
		{"disabled account", disabled.ID, f.user.ID},
		{"unknown user", f.account.ID, 999},
		{"user of another account", other.ID, f.user.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := f.spec("createVolume")
			spec.AccountID = tt.accountID
			spec.UserID = tt.userID

			_, err := f.mgr.Submit(ctx, spec)
			var aerr *apierr.Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, apierr.CodeAccountError, aerr.Code)
		})
	}

	jobs, err := f.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not create records")
}

func TestSubmit_RequiresExecutor(t *testing.T) {
	f := newFixture(t, Params{})
	_, err := f.mgr.Submit(context.Background(), f.spec("createVolume"))
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestSubmit_LimitRejectsExactlyOverflow(t *testing.T) {
	const limit = 3
	f := newFixture(t, Params{Workers: 8, Limits: map[string]int{"snapshot": limit}})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()

	key := &ResourceKey{HostID: 1, Class: "snapshot"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, rejected int
	for i := 0; i < limit+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spec := f.spec("createSnapshot")
			spec.Resource = key
			_, err := f.mgr.Submit(ctx, spec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, apierr.ErrSubmissionRejected):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, limit, f.mgr.Limiter().InUse(*key))

	jobs, err := f.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, limit, "the rejected submission leaves no record")

	close(g.release)
	require.Eventually(t, func() bool {
		return f.mgr.Limiter().InUse(*key) == 0
	}, 2*time.Second, 10*time.Millisecond, "tokens are released on completion")
}

func TestSubmit_SecondSnapshotWaitsForFirst(t *testing.T) {
	f := newFixture(t, Params{Limits: map[string]int{"snapshot": 1}})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()

	spec := f.spec("createSnapshot")
	spec.Resource = &ResourceKey{HostID: 3, Class: "snapshot"}

	first, err := f.mgr.Submit(ctx, spec)
	require.NoError(t, err)
	<-g.started

	_, err = f.mgr.Submit(ctx, spec)
	require.ErrorIs(t, err, apierr.ErrSubmissionRejected)
	assert.Equal(t, apierr.CodeAsyncCommandQueued, apierr.From(err).Code)
	assert.True(t, apierr.From(err).Retryable())

	close(g.release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = f.mgr.Wait(waitCtx, first.ID)
	require.NoError(t, err)

	second, err := f.mgr.Submit(ctx, spec)
	require.NoError(t, err)
	_, err = f.mgr.Wait(waitCtx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.mgr.Stats().Rejected.Count())
}

func TestSubmit_FullQueueFailsJob(t *testing.T) {
	f := newFixture(t, Params{Workers: 1, QueueSize: 1, Limits: map[string]int{"volume": 10}})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()
	defer close(g.release)

	spec := f.spec("createVolume")
	spec.Resource = &ResourceKey{HostID: 1, Class: "volume"}

	_, err := f.mgr.Submit(ctx, spec)
	require.NoError(t, err)
	<-g.started

	_, err = f.mgr.Submit(ctx, spec) // sits in the queue
	require.NoError(t, err)

	_, err = f.mgr.Submit(ctx, spec)
	var aerr *apierr.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, apierr.CodeAsyncCommandQueued, aerr.Code)

	jobs, err := f.store.ListJobs(ctx, store.JobFilter{Status: store.JobFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int(apierr.CodeAsyncCommandQueued), jobs[0].ResultCode)
	assert.Equal(t, 2, f.mgr.Limiter().InUse(*spec.Resource), "the failed job's token is released")
}

func TestCompleteAsyncJob_IsIdempotent(t *testing.T) {
	f := newFixture(t, Params{})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()
	defer close(g.release)

	rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
	require.NoError(t, err)
	<-g.started

	first := &Result{Kind: store.ResultVolume, Data: map[string]any{"id": float64(7)}}
	changed, err := f.mgr.CompleteAsyncJob(ctx, rec.ID, StatusSucceeded, 0, first)
	require.NoError(t, err)
	assert.True(t, changed)

	aerr := apierr.New(apierr.CodeInternalError, "second")
	changed, err = f.mgr.CompleteAsyncJob(ctx, rec.ID, StatusFailed, int(aerr.Code), aerr.Result())
	require.NoError(t, err)
	assert.False(t, changed)

	for i := 0; i < 3; i++ {
		got, err := f.mgr.QueryAsyncJobResult(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, got.Status)
		assert.Equal(t, first, got.Result)
	}
	assert.Equal(t, int64(1), f.mgr.Stats().Duplicate.Count())
}

func TestRun_PanickingExecutorFailsJob(t *testing.T) {
	f := newFixture(t, Params{})
	f.mgr.SetExecutor(ExecutorFunc(func(ctx context.Context, rec *Record) {
		panic("boom")
	}))
	ctx := context.Background()

	rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(waitCtx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, int(apierr.CodeInternalError), done.ResultCode)

	aerr := apierr.FromResult(done.Result)
	require.NotNil(t, aerr)
	assert.True(t, aerr.Internal)
}

func TestRun_SilentExecutorFailsJob(t *testing.T) {
	f := newFixture(t, Params{})
	f.mgr.SetExecutor(ExecutorFunc(func(ctx context.Context, rec *Record) {}))
	ctx := context.Background()

	rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(waitCtx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
}

func TestQueryAsyncJobResult(t *testing.T) {
	f := newFixture(t, Params{})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()
	defer close(g.release)

	_, err := f.mgr.QueryAsyncJobResult(ctx, 12345)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
	require.NoError(t, err)
	<-g.started

	got, err := f.mgr.QueryAsyncJobResult(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Nil(t, got.Result)

	require.NoError(t, f.mgr.UpdateProcessStatus(ctx, rec.ID, 2))
	got, err = f.mgr.QueryAsyncJobResult(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessStatus)
}

func TestFindInstancePendingAsyncJobs(t *testing.T) {
	f := newFixture(t, Params{})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()

	spec := f.spec("createVolume")
	spec.InstanceType = "Volume"
	spec.InstanceID = 11
	pending, err := f.mgr.Submit(ctx, spec)
	require.NoError(t, err)
	<-g.started

	snap := f.spec("createSnapshot")
	snap.InstanceType = "Snapshot"
	snap.InstanceID = 12
	_, err = f.mgr.Submit(ctx, snap)
	require.NoError(t, err)
	<-g.started

	recs, err := f.mgr.FindInstancePendingAsyncJobs(ctx, "Volume", f.account.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, pending.ID, recs[0].ID)
	assert.Equal(t, int64(11), recs[0].InstanceID)

	close(g.release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = f.mgr.Wait(waitCtx, pending.ID)
	require.NoError(t, err)

	recs, err = f.mgr.FindInstancePendingAsyncJobs(ctx, "Volume", f.account.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWait_ContextExpires(t *testing.T) {
	f := newFixture(t, Params{})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	defer close(g.release)

	rec, err := f.mgr.Submit(context.Background(), f.spec("createVolume"))
	require.NoError(t, err)
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	got, err := f.mgr.Wait(ctx, rec.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, got)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestWait_PollsUntrackedJobs(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()

	// a job this manager never submitted
	rec := &store.Job{AccountID: f.account.ID, UserID: f.user.ID, Command: "createVolume"}
	require.NoError(t, f.store.CreateJob(ctx, rec))

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.store.CompleteJob(ctx, rec.ID, store.JobSucceeded, 0, &store.JobResult{Kind: store.ResultSuccess})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := f.mgr.Wait(waitCtx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()

	queued := &store.Job{AccountID: f.account.ID, UserID: f.user.ID, Command: "createVolume"}
	require.NoError(t, f.store.CreateJob(ctx, queued))
	running := &store.Job{AccountID: f.account.ID, UserID: f.user.ID, Command: "createSnapshot"}
	require.NoError(t, f.store.CreateJob(ctx, running))
	_, err := f.store.MarkJobInProgress(ctx, running.ID)
	require.NoError(t, err)

	n, err := f.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []int64{queued.ID, running.ID} {
		got, err := f.mgr.QueryAsyncJobResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		aerr := apierr.FromResult(got.Result)
		require.NotNil(t, aerr)
		assert.Equal(t, "interrupted", aerr.Text)
	}
}

func TestShutdown_InterruptsUnfinishedJobs(t *testing.T) {
	f := newFixture(t, Params{Workers: 1})
	g := newGated(f.mgr)
	f.mgr.SetExecutor(g)
	ctx := context.Background()

	rec, err := f.mgr.Submit(ctx, f.spec("createVolume"))
	require.NoError(t, err)
	<-g.started

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = f.mgr.Shutdown(shutdownCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.mgr.QueryAsyncJobResult(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// the straggler's own completion is ignored
	close(g.release)
	require.Eventually(t, func() bool {
		return f.mgr.Stats().Duplicate.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err = f.mgr.QueryAsyncJobResult(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = f.mgr.Submit(ctx, f.spec("createVolume"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSetLimit(t *testing.T) {
	f := newFixture(t, Params{})
	f.mgr.SetLimit("snapshot", 5)
	assert.Equal(t, 5, f.mgr.Limiter().Limit("snapshot"))
}
