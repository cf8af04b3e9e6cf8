// ABOUTME: Bridges synchronous API requests with asynchronous job identity.
// ABOUTME: Runs commands inline or as jobs, serves polls and overlays pending jobs on lists.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/dispatch"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

// Preparer builds and binds commands by class identifier.
type Preparer interface {
	Prepare(name string, params json.RawMessage) (dispatch.Command, error)
}

// Jobs is the part of the job manager the bridge uses.
type Jobs interface {
	Submit(ctx context.Context, spec job.Spec) (*job.Record, error)
	QueryAsyncJobResult(ctx context.Context, id int64) (*job.Record, error)
	Wait(ctx context.Context, id int64) (*job.Record, error)
	FindInstancePendingAsyncJobs(ctx context.Context, instanceType string, accountID int64) ([]*job.Record, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*job.Record, error)
	Limiter() *job.Limiter
}

// Config holds the Bridge's collaborators.
type Config struct {
	Commands Preparer
	Jobs     Jobs
	Volumes  store.VolumeStore
	Logger   *slog.Logger
}

// Bridge serves API requests on top of the dispatcher and job manager.
type Bridge struct {
	commands Preparer
	jobs     Jobs
	volumes  store.VolumeStore
	logger   *slog.Logger
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		commands: cfg.Commands,
		jobs:     cfg.Jobs,
		volumes:  cfg.Volumes,
		logger:   logger.With("component", "bridge"),
	}
}

func callerFrom(ctx context.Context) (*auth.Caller, error) {
	c := auth.FromContext(ctx)
	if c == nil {
		return nil, fmt.Errorf("no caller: %w", apierr.ErrPermissionDenied)
	}
	return c, nil
}

// prepare binds a request's parameters. Allocated ids are assigned by the
// server and may only arrive through a stored job.
func (b *Bridge) prepare(name string, params json.RawMessage) (dispatch.Command, error) {
	cmd, err := b.commands.Prepare(name, params)
	if err != nil {
		return nil, err
	}
	if alloc, ok := cmd.(dispatch.Allocator); ok && alloc.AllocatedID() != 0 {
		return nil, fmt.Errorf("binding %s: %w: allocated ids are assigned by the server",
			name, apierr.ErrMalformedParameters)
	}
	return cmd, nil
}

// Execute runs a command inline for the caller in ctx. Failures propagate
// to the caller directly; no job is recorded. Limited commands hold their
// concurrency token for the duration of the call, the same as a job would.
func (b *Bridge) Execute(ctx context.Context, name string, params json.RawMessage) (*job.Result, error) {
	if _, err := callerFrom(ctx); err != nil {
		return nil, err
	}
	cmd, err := b.prepare(name, params)
	if err != nil {
		return nil, err
	}

	if l, ok := cmd.(dispatch.Limited); ok {
		key, err := l.Resource(ctx)
		if err != nil {
			return nil, err
		}
		limiter := b.jobs.Limiter()
		if !limiter.TryAcquire(*key) {
			b.logger.Info("sync command rejected", "command", name, "resource", key.String(),
				"limit", limiter.Limit(key.Class))
			return nil, fmt.Errorf("%s on %s: %w", name, key, apierr.ErrSubmissionRejected)
		}
		defer limiter.Release(*key)
	}

	start := time.Now()
	result, err := cmd.Execute(ctx)
	if err != nil {
		b.logger.Info("command failed", "command", name, "error", err, "duration", time.Since(start))
		return nil, err
	}
	b.logger.Debug("command executed", "command", name, "duration", time.Since(start))
	return result, nil
}

// Submit runs a command as a job. Entity-creating commands allocate their
// entity first, so the submission carries both the entity and the job id.
// When the job cannot be submitted the allocation is rolled back.
func (b *Bridge) Submit(ctx context.Context, name string, params json.RawMessage) (*Submission, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	cmd, err := b.prepare(name, params)
	if err != nil {
		return nil, err
	}

	spec := job.Spec{AccountID: c.AccountID, UserID: c.UserID, Command: name}

	if l, ok := cmd.(dispatch.Limited); ok {
		if spec.Resource, err = l.Resource(ctx); err != nil {
			return nil, err
		}
	}

	alloc, allocates := cmd.(dispatch.Allocator)
	switch {
	case allocates:
		if spec.InstanceType, spec.InstanceID, err = alloc.Allocate(ctx); err != nil {
			return nil, err
		}
	default:
		if t, ok := cmd.(dispatch.Targeted); ok {
			spec.InstanceType, spec.InstanceID = t.Instance()
		}
	}

	rollback := func() {
		if !allocates {
			return
		}
		if rerr := alloc.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			b.logger.Error("failed to roll back allocation", "command", name,
				"instance_type", spec.InstanceType, "instance_id", spec.InstanceID, "error", rerr)
		}
	}

	// the stored parameters are the bound command, allocation included
	if spec.Params, err = json.Marshal(cmd); err != nil {
		rollback()
		return nil, fmt.Errorf("encoding %s parameters: %w", name, err)
	}

	rec, err := b.jobs.Submit(ctx, spec)
	if err != nil {
		rollback()
		return nil, err
	}

	return &Submission{
		JobID:        rec.ID,
		JobStatus:    rec.Status,
		InstanceType: rec.InstanceType,
		InstanceID:   rec.InstanceID,
	}, nil
}

// Poll returns the current view of job id. Repeated polls of a terminal job
// return the same result. Internal error descriptions are redacted for
// callers without admin rights.
func (b *Bridge) Poll(ctx context.Context, id int64) (*JobView, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := b.jobs.QueryAsyncJobResult(ctx, id)
	if err != nil {
		return nil, err
	}
	return b.view(c, rec)
}

// WaitResult blocks until job id is terminal or timeout elapses, then
// returns the job's view. A job still running at the timeout is returned
// without error.
func (b *Bridge) WaitResult(ctx context.Context, id int64, timeout time.Duration) (*JobView, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}

	// ownership is checked before blocking
	rec, err := b.jobs.QueryAsyncJobResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := b.view(c, rec); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done, err := b.jobs.Wait(waitCtx, id)
	if err != nil {
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) || done == nil {
			return nil, err
		}
	}
	return b.view(c, done)
}

func (b *Bridge) view(c *auth.Caller, rec *job.Record) (*JobView, error) {
	// other accounts' jobs look absent
	if !c.CanAccess(rec.AccountID) {
		return nil, fmt.Errorf("job %d: %w", rec.ID, apierr.ErrNotFound)
	}

	v := newJobView(rec)
	if aerr := apierr.FromResult(rec.Result); aerr != nil && aerr.Internal && !c.Admin {
		v.Result = aerr.Redacted().Result()
	}
	return v, nil
}

// ListJobs returns the caller's jobs, or every account's for admins.
func (b *Bridge) ListJobs(ctx context.Context, status job.Status, limit int) ([]*JobView, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	filter := store.JobFilter{Status: status, Limit: limit}
	if !c.Admin {
		filter.AccountID = c.AccountID
	}

	recs, err := b.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*JobView, 0, len(recs))
	for _, rec := range recs {
		v, err := b.view(c, rec)
		if err != nil {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// ListVolumes returns the caller's volumes with any pending job attached.
// The overlay only touches the returned views.
func (b *Bridge) ListVolumes(ctx context.Context) ([]VolumeView, error) {
	c, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	var accountID int64
	if !c.Admin {
		accountID = c.AccountID
	}

	vols, err := b.volumes.ListVolumes(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	pending, err := b.jobs.FindInstancePendingAsyncJobs(ctx, "Volume", accountID)
	if err != nil {
		return nil, err
	}

	byVolume := make(map[int64]*job.Record, len(pending))
	for _, rec := range pending {
		// the newest pending job wins
		if cur, ok := byVolume[rec.InstanceID]; !ok || rec.ID > cur.ID {
			byVolume[rec.InstanceID] = rec
		}
	}

	views := make([]VolumeView, 0, len(vols))
	for _, v := range vols {
		view := newVolumeView(v)
		if rec, ok := byVolume[v.ID]; ok {
			view.JobID = rec.ID
			view.JobStatus = rec.Status
		}
		views = append(views, view)
	}
	return views, nil
}
