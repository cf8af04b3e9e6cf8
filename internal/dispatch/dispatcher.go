// ABOUTME: Turns persisted job records back into commands and runs them.
// ABOUTME: Every execution ends in exactly one completion, including on panic.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

const tracerName = "github.com/2389/cauldron/internal/dispatch"

// errNotQueued means another party already moved the job out of queued, so
// this execution must not report an outcome.
var errNotQueued = errors.New("job no longer queued")

// Jobs is the part of the job manager the dispatcher reports to.
type Jobs interface {
	MarkInProgress(ctx context.Context, id int64) (bool, error)
	UpdateProcessStatus(ctx context.Context, id int64, processStatus int) error
	CompleteAsyncJob(ctx context.Context, id int64, status job.Status, resultCode int, result *job.Result) (bool, error)
}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Registry *Registry
	Jobs     Jobs
	Accounts store.AccountStore
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Dispatcher executes job records. It implements job.Executor.
type Dispatcher struct {
	registry *Registry
	jobs     Jobs
	accounts store.AccountStore
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{
		registry: cfg.Registry,
		jobs:     cfg.Jobs,
		accounts: cfg.Accounts,
		tracer:   tracer,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Prepare constructs the command registered under name and binds params
// onto it.
func (d *Dispatcher) Prepare(name string, params json.RawMessage) (Command, error) {
	cmd, err := d.registry.New(name)
	if err != nil {
		return nil, err
	}
	if err := Bind(params, cmd); err != nil {
		return nil, fmt.Errorf("binding %s: %w", name, err)
	}
	return cmd, nil
}

// Execute runs rec and reports its outcome to the job manager.
func (d *Dispatcher) Execute(ctx context.Context, rec *job.Record) {
	ctx, span := d.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.Int64("job.id", rec.ID),
		attribute.String("job.command", rec.Command),
		attribute.Int64("job.account_id", rec.AccountID),
	))
	defer span.End()

	logger := d.logger.With("job_id", rec.ID, "command", rec.Command)
	start := time.Now()

	var (
		result *job.Result
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("command panicked", "panic", fmt.Sprint(r))
			result, err = nil, fmt.Errorf("panic executing %s: %v", rec.Command, r)
		}
		if errors.Is(err, errNotQueued) {
			logger.Warn("skipping job that is no longer queued")
			span.SetStatus(codes.Error, err.Error())
			return
		}
		d.complete(ctx, rec, result, err, span, logger, time.Since(start))
	}()

	result, err = d.run(ctx, rec)
}

func (d *Dispatcher) run(ctx context.Context, rec *job.Record) (*job.Result, error) {
	cmd, err := d.Prepare(rec.Command, json.RawMessage(rec.Params))
	if err != nil {
		return nil, err
	}

	caller, err := d.caller(ctx, rec)
	if err != nil {
		return nil, err
	}
	ctx = auth.WithCaller(ctx, caller)
	ctx = withProgress(ctx, rec.ID, d.jobs, d.logger)

	ok, err := d.jobs.MarkInProgress(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotQueued
	}

	return cmd.Execute(ctx)
}

// caller rebuilds the submitting caller from the record. Admin rights come
// from the account as it is now, not as it was at submission.
func (d *Dispatcher) caller(ctx context.Context, rec *job.Record) (*auth.Caller, error) {
	c := &auth.Caller{AccountID: rec.AccountID, UserID: rec.UserID}
	if d.accounts == nil {
		return c, nil
	}
	acct, err := d.accounts.GetAccount(ctx, rec.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeAccountError, "account %d not found", rec.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account %d: %w", rec.AccountID, err)
	}
	c.Admin = acct.Admin
	return c, nil
}

func (d *Dispatcher) complete(ctx context.Context, rec *job.Record, result *job.Result, err error, span trace.Span, logger *slog.Logger, elapsed time.Duration) {
	// completion must land even when execution was cancelled
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		if result == nil {
			result = &job.Result{Kind: store.ResultSuccess, Data: map[string]any{"success": true}}
		}
		if _, cerr := d.jobs.CompleteAsyncJob(ctx, rec.ID, job.StatusSucceeded, 0, result); cerr != nil {
			logger.Error("failed to record job success", "error", cerr)
		}
		span.SetStatus(codes.Ok, "")
		logger.Info("job succeeded", "duration", elapsed)
		return
	}

	aerr := apierr.From(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, aerr.Text)
	span.SetAttributes(attribute.Int("job.result_code", int(aerr.Code)))

	if aerr.Internal {
		logger.Error("job failed", "code", aerr.Code, "error", err, "duration", elapsed)
	} else {
		logger.Info("job failed", "code", aerr.Code, "error", aerr.Text, "duration", elapsed)
	}

	if _, cerr := d.jobs.CompleteAsyncJob(ctx, rec.ID, job.StatusFailed, int(aerr.Code), aerr.Result()); cerr != nil {
		logger.Error("failed to record job failure", "error", cerr)
	}
}

type progressKey struct{}

type progress struct {
	id     int64
	jobs   Jobs
	logger *slog.Logger
}

func withProgress(ctx context.Context, id int64, jobs Jobs, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, progressKey{}, &progress{id: id, jobs: jobs, logger: logger})
}

// JobID returns the id of the job executing in ctx, if any.
func JobID(ctx context.Context) (int64, bool) {
	p, ok := ctx.Value(progressKey{}).(*progress)
	if !ok {
		return 0, false
	}
	return p.id, true
}

// ReportProgress records a progress marker on the job executing in ctx. It
// does nothing on the synchronous path.
func ReportProgress(ctx context.Context, processStatus int) {
	p, ok := ctx.Value(progressKey{}).(*progress)
	if !ok {
		return
	}
	if err := p.jobs.UpdateProcessStatus(ctx, p.id, processStatus); err != nil {
		p.logger.Warn("failed to record job progress", "job_id", p.id, "error", err)
	}
}
