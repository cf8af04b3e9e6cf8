// ABOUTME: Owns the lifecycle of job records from submission to completion.
// ABOUTME: Hands queued jobs to an Executor on a bounded worker pool and records exactly one outcome.

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/store"
	"github.com/2389/cauldron/internal/workq"
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("job manager shutting down")

	// ErrNoExecutor is returned by Submit before an Executor is attached.
	ErrNoExecutor = errors.New("no job executor attached")
)

const (
	interruptedText = "interrupted"
	pollInterval    = 250 * time.Millisecond
)

// Executor runs a job to completion. Implementations must report the outcome
// through Manager.CompleteAsyncJob; the manager fails any job an Executor
// returns from without completing.
type Executor interface {
	Execute(ctx context.Context, rec *Record)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, rec *Record)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, rec *Record) {
	f(ctx, rec)
}

// Params holds the parameters for creating a Manager.
type Params struct {
	Store    store.JobStore
	Accounts store.AccountStore
	Executor Executor

	Workers   int
	QueueSize int
	Limits    map[string]int // per-class concurrency limits

	Logger   *slog.Logger
	Registry metrics.Registry
}

// tracked is the in-process state of a job submitted by this manager.
type tracked struct {
	done     chan struct{}
	once     sync.Once
	resource *ResourceKey
	queued   time.Time
}

func (t *tracked) finish() {
	t.once.Do(func() { close(t.done) })
}

func (t *tracked) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Manager accepts job submissions and records their completion.
type Manager struct {
	store    store.JobStore
	accounts store.AccountStore
	executor Executor

	limiter *Limiter
	pool    *workq.Pool
	jobs    sync.Map // int64 -> *tracked
	closed  atomic.Bool

	// ctx is handed to executions and cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	stats  *Stats
	logger *slog.Logger
}

// NewManager creates a new Manager and starts its worker pool.
func NewManager(p Params) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")

	workers := p.Workers
	if workers <= 0 {
		workers = 10
	}
	queueSize := p.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    p.Store,
		accounts: p.Accounts,
		executor: p.Executor,
		limiter:  NewLimiter(p.Limits),
		pool:     workq.New("jobs", workers, queueSize, logger),
		ctx:      ctx,
		cancel:   cancel,
		stats:    newStats(p.Registry),
		logger:   logger,
	}
}

// SetExecutor attaches the executor. It must be called before the first
// Submit; the dispatcher and the manager reference each other, so one of
// them is wired after construction.
func (m *Manager) SetExecutor(e Executor) {
	m.executor = e
}

// Limiter returns the manager's concurrency limiter.
func (m *Manager) Limiter() *Limiter {
	return m.limiter
}

// Stats returns the manager's metrics.
func (m *Manager) Stats() *Stats {
	return m.stats
}

// SetLimit changes the concurrency limit for class.
func (m *Manager) SetLimit(class string, limit int) {
	m.limiter.SetLimit(class, limit)
	m.logger.Info("concurrency limit updated", "class", class, "limit", limit)
}

// Submit validates the owner, takes the job's concurrency token, persists a
// queued record and hands it to the executor. It returns as soon as the
// record is stored.
//
// A saturated concurrency limit fails with apierr.ErrSubmissionRejected and
// leaves no record behind. A full handoff queue fails the freshly stored job
// with a retryable code.
func (m *Manager) Submit(ctx context.Context, spec Spec) (*Record, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("submitting %s: %w", spec.Command, ErrShuttingDown)
	}
	if m.executor == nil {
		return nil, fmt.Errorf("submitting %s: %w", spec.Command, ErrNoExecutor)
	}
	if err := m.checkOwner(ctx, spec.AccountID, spec.UserID); err != nil {
		return nil, err
	}

	if spec.Resource != nil && !m.limiter.TryAcquire(*spec.Resource) {
		m.stats.Rejected.Inc(1)
		m.logger.Info("submission rejected", "command", spec.Command, "resource", spec.Resource.String(),
			"limit", m.limiter.Limit(spec.Resource.Class))
		return nil, fmt.Errorf("%s on %s: %w", spec.Command, spec.Resource, apierr.ErrSubmissionRejected)
	}

	rec := &Record{
		AccountID:    spec.AccountID,
		UserID:       spec.UserID,
		Command:      spec.Command,
		Params:       string(spec.Params),
		InstanceType: spec.InstanceType,
		InstanceID:   spec.InstanceID,
	}
	if err := m.store.CreateJob(ctx, rec); err != nil {
		if spec.Resource != nil {
			m.limiter.Release(*spec.Resource)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	t := &tracked{done: make(chan struct{}), resource: spec.Resource, queued: time.Now()}
	m.jobs.Store(rec.ID, t)
	m.stats.Submitted.Inc(1)

	exec := *rec
	if err := m.pool.Submit(func() { m.run(&exec, t) }); err != nil {
		aerr := apierr.New(apierr.CodeAsyncCommandQueued, "job queue full, retry later")
		if _, cerr := m.CompleteAsyncJob(context.WithoutCancel(ctx), rec.ID, StatusFailed, int(aerr.Code), aerr.Result()); cerr != nil {
			m.logger.Error("failed to fail unscheduled job", "job_id", rec.ID, "error", cerr)
		}
		return nil, fmt.Errorf("job %d: %w: %w", rec.ID, aerr, err)
	}

	m.logger.Info("job submitted", "job_id", rec.ID, "command", rec.Command,
		"account_id", rec.AccountID, "instance_type", rec.InstanceType, "instance_id", rec.InstanceID)
	return rec, nil
}

func (m *Manager) checkOwner(ctx context.Context, accountID, userID int64) error {
	if m.accounts == nil {
		return nil
	}

	acct, err := m.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.CodeAccountError, "account %d not found", accountID)
	}
	if err != nil {
		return fmt.Errorf("looking up account %d: %w", accountID, err)
	}
	if !acct.Enabled {
		return apierr.New(apierr.CodeAccountError, "account %s is disabled", acct.Name)
	}

	user, err := m.accounts.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.CodeAccountError, "user %d not found", userID)
	}
	if err != nil {
		return fmt.Errorf("looking up user %d: %w", userID, err)
	}
	if user.AccountID != acct.ID {
		return apierr.New(apierr.CodeAccountError, "user %d does not belong to account %s", userID, acct.Name)
	}
	return nil
}

// run executes one job on a pool worker. Whatever the executor does, the job
// ends terminal.
func (m *Manager) run(rec *Record, t *tracked) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("executor panicked", "job_id", rec.ID, "panic", fmt.Sprint(r))
		}
		if t.finished() {
			return
		}
		aerr := &apierr.Error{Code: apierr.CodeInternalError, Text: "job ended without reporting a result", Internal: true}
		if _, err := m.CompleteAsyncJob(context.Background(), rec.ID, StatusFailed, int(aerr.Code), aerr.Result()); err != nil {
			m.logger.Error("failed to fail abandoned job", "job_id", rec.ID, "error", err)
		}
	}()

	m.executor.Execute(m.ctx, rec)
}

// CompleteAsyncJob records the terminal outcome of a job. Only the first
// completion of a job takes effect; later calls return false and change
// nothing. The job's concurrency token is released on the first completion.
func (m *Manager) CompleteAsyncJob(ctx context.Context, id int64, status Status, resultCode int, result *Result) (bool, error) {
	changed, err := m.store.CompleteJob(ctx, id, status, resultCode, result)
	if err != nil {
		return false, fmt.Errorf("completing job %d: %w", id, err)
	}

	var t *tracked
	if v, ok := m.jobs.LoadAndDelete(id); ok {
		t = v.(*tracked)
	}

	if !changed {
		m.stats.Duplicate.Inc(1)
		m.logger.Warn("job already completed, ignoring completion", "job_id", id, "status", status)
		if t != nil {
			t.finish()
		}
		return false, nil
	}

	if status == StatusSucceeded {
		m.stats.Succeeded.Inc(1)
	} else {
		m.stats.Failed.Inc(1)
	}

	if t != nil {
		m.stats.Duration.UpdateSince(t.queued)
		// free the token before waking waiters so they can resubmit
		if t.resource != nil {
			m.limiter.Release(*t.resource)
		}
		t.finish()
	}

	m.logger.Info("job completed", "job_id", id, "status", status, "result_code", resultCode)
	return true, nil
}

// MarkInProgress moves a queued job to in progress. It returns false when the
// job is no longer queued.
func (m *Manager) MarkInProgress(ctx context.Context, id int64) (bool, error) {
	ok, err := m.store.MarkJobInProgress(ctx, id)
	if err != nil {
		return false, fmt.Errorf("starting job %d: %w", id, err)
	}
	return ok, nil
}

// UpdateProcessStatus records a progress marker on a running job.
func (m *Manager) UpdateProcessStatus(ctx context.Context, id int64, processStatus int) error {
	if err := m.store.UpdateJobProcessStatus(ctx, id, processStatus); err != nil {
		return fmt.Errorf("updating job %d progress: %w", id, err)
	}
	return nil
}

// QueryAsyncJobResult returns the current state of a job without blocking.
// Jobs that are not terminal carry no result.
func (m *Manager) QueryAsyncJobResult(ctx context.Context, id int64) (*Record, error) {
	rec, err := m.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("job %d: %w: %w", id, apierr.ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("querying job %d: %w", id, err)
	}
	if !rec.Status.Terminal() {
		rec.Result = nil
		rec.ResultCode = 0
	}
	return rec, nil
}

// FindInstancePendingAsyncJobs returns the unfinished jobs of accountID that
// target entities of instanceType. An accountID of zero matches all accounts.
func (m *Manager) FindInstancePendingAsyncJobs(ctx context.Context, instanceType string, accountID int64) ([]*Record, error) {
	recs, err := m.store.ListPendingJobs(ctx, instanceType, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing pending %s jobs: %w", instanceType, err)
	}
	return recs, nil
}

// ListJobs returns jobs matching filter, newest first.
func (m *Manager) ListJobs(ctx context.Context, filter store.JobFilter) ([]*Record, error) {
	recs, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return recs, nil
}

// Wait blocks until job id is terminal or ctx is done. On ctx expiry it
// returns the last observed record together with the context error.
func (m *Manager) Wait(ctx context.Context, id int64) (*Record, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, err := m.QueryAsyncJobResult(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}

		// jobs from a previous process have no done channel and are polled
		var done <-chan struct{}
		if v, ok := m.jobs.Load(id); ok {
			done = v.(*tracked).done
		}

		select {
		case <-done:
		case <-ticker.C:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

// RecoverInterrupted fails every job a previous process left queued or in
// progress. It is called once at startup before any submission.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int64, error) {
	aerr := apierr.New(apierr.CodeInternalError, interruptedText)
	n, err := m.store.FailUnfinishedJobs(ctx, int(aerr.Code), aerr.Result())
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n > 0 {
		m.logger.Warn("failed jobs interrupted by previous shutdown", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting jobs and drains the worker pool until ctx is done.
// Jobs that have not completed by then are recorded as interrupted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	err := m.pool.Shutdown(ctx)
	m.cancel()

	aerr := apierr.New(apierr.CodeInternalError, interruptedText)
	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var interrupted int
	m.jobs.Range(func(key, _ any) bool {
		id := key.(int64)
		changed, cerr := m.CompleteAsyncJob(storeCtx, id, StatusFailed, int(aerr.Code), aerr.Result())
		if cerr != nil {
			m.logger.Error("failed to record interrupted job", "job_id", id, "error", cerr)
			return true
		}
		if changed {
			interrupted++
		}
		return true
	})

	m.logger.Info("job manager stopped", "interrupted", interrupted, "stats", m.stats.String())
	return err
}
