// ABOUTME: Tests for the job dispatcher: registry resolution, binding, classification.
// ABOUTME: Runs real job.Manager instances over the MockStore with test commands.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

// echoCommand returns its parameters and the caller it ran as.
type echoCommand struct {
	Message string `json:"message"`
	Times   int    `json:"times"`
	Fail    string `json:"fail,omitempty"`

	store *store.MockStore
}

func (c *echoCommand) Validate() error {
	if c.Times < 0 {
		return apierr.New(apierr.CodeParamError, "times must not be negative")
	}
	if c.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

func (c *echoCommand) Execute(ctx context.Context) (*job.Result, error) {
	caller := auth.MustFromContext(ctx)

	status := ""
	if id, ok := JobID(ctx); ok {
		rec, err := c.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		status = string(rec.Status)
		ReportProgress(ctx, 3)
	}

	switch c.Fail {
	case "api":
		return nil, apierr.New(apierr.CodeResourceAllocation, "no capacity for %s", c.Message)
	case "plain":
		return nil, errors.New("disk on fire")
	case "panic":
		panic("unexpected")
	case "unavailable":
		return nil, fmt.Errorf("host 99: %w", apierr.ErrHostUnavailable)
	}

	return &job.Result{Kind: store.ResultSuccess, Data: map[string]any{
		"message":    c.Message,
		"times":      c.Times,
		"account_id": caller.AccountID,
		"admin":      caller.Admin,
		"status":     status,
	}}, nil
}

type harness struct {
	store   *store.MockStore
	jobs    *job.Manager
	disp    *Dispatcher
	account *store.Account
	user    *store.User
}

func newHarness(t *testing.T, admin bool) *harness {
	t.Helper()
	ctx := context.Background()

	s := store.NewMockStore()
	acct := &store.Account{Name: "acme", Enabled: true, Admin: admin}
	require.NoError(t, s.CreateAccount(ctx, acct))
	user := &store.User{AccountID: acct.ID, Name: "alice"}
	require.NoError(t, s.CreateUser(ctx, user))

	reg := NewRegistry()
	reg.Register("echo", func() Command { return &echoCommand{store: s} })

	jobs := job.NewManager(job.Params{Store: s, Accounts: s, Workers: 2, Registry: metrics.NewRegistry()})
	disp := New(Config{Registry: reg, Jobs: jobs, Accounts: s})
	jobs.SetExecutor(disp)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		jobs.Shutdown(ctx)
	})
	return &harness{store: s, jobs: jobs, disp: disp, account: acct, user: user}
}

func (h *harness) run(t *testing.T, command, params string) *job.Record {
	t.Helper()
	ctx := context.Background()

	rec, err := h.jobs.Submit(ctx, job.Spec{
		AccountID: h.account.ID,
		UserID:    h.user.ID,
		Command:   command,
		Params:    json.RawMessage(params),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := h.jobs.Wait(ctx, rec.ID)
	require.NoError(t, err)
	return done
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, false)

	rec := h.run(t, "echo", `{"message":"hi","times":2}`)
	require.Equal(t, job.StatusSucceeded, rec.Status)
	assert.Equal(t, 0, rec.ResultCode)
	assert.Equal(t, 3, rec.ProcessStatus)

	data := rec.Result.Data
	assert.Equal(t, "hi", data["message"])
	assert.Equal(t, h.account.ID, data["account_id"])
	assert.Equal(t, false, data["admin"])
	assert.Equal(t, string(job.StatusInProgress), data["status"], "command runs after the in-progress transition")
}

func TestExecute_CallerAdminFromAccount(t *testing.T) {
	h := newHarness(t, true)

	rec := h.run(t, "echo", `{"message":"hi"}`)
	require.Equal(t, job.StatusSucceeded, rec.Status)
	assert.Equal(t, true, rec.Result.Data["admin"])
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		params   string
		code     apierr.Code
		internal bool
		text     string
	}{
		{name: "unknown command", command: "reticulate", params: `{}`, code: apierr.CodeUnsupportedAction},
		{name: "unknown field", command: "echo", params: `{"message":"hi","colour":"red"}`, code: apierr.CodeMalformedParameter},
		{name: "wrong type", command: "echo", params: `{"message":7}`, code: apierr.CodeMalformedParameter},
		{name: "not json", command: "echo", params: `{"message":`, code: apierr.CodeMalformedParameter},
		{name: "validation", command: "echo", params: `{}`, code: apierr.CodeMalformedParameter},
		{name: "coded validation", command: "echo", params: `{"message":"hi","times":-1}`, code: apierr.CodeParamError},
		{name: "execution failure", command: "echo", params: `{"message":"big","fail":"api"}`, code: apierr.CodeResourceAllocation, text: "no capacity for big"},
		{name: "host unavailable", command: "echo", params: `{"message":"x","fail":"unavailable"}`, code: apierr.CodeHostUnavailable},
		{name: "internal error", command: "echo", params: `{"message":"x","fail":"plain"}`, code: apierr.CodeInternalError, internal: true, text: "disk on fire"},
		{name: "panic", command: "echo", params: `{"message":"x","fail":"panic"}`, code: apierr.CodeInternalError, internal: true},
	}

	h := newHarness(t, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.run(t, tt.command, tt.params)
			require.Equal(t, job.StatusFailed, rec.Status)
			assert.Equal(t, int(tt.code), rec.ResultCode)

			aerr := apierr.FromResult(rec.Result)
			require.NotNil(t, aerr, "failed jobs carry an error payload")
			assert.Equal(t, tt.code, aerr.Code)
			assert.Equal(t, tt.internal, aerr.Internal)
			if tt.text != "" {
				assert.Equal(t, tt.text, aerr.Text)
			}
		})
	}
}

func TestExecute_SkipsJobNoLongerQueued(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	rec := &store.Job{AccountID: h.account.ID, UserID: h.user.ID, Command: "echo", Params: `{"message":"hi"}`}
	require.NoError(t, h.store.CreateJob(ctx, rec))
	aerr := apierr.New(apierr.CodeInternalError, "interrupted")
	_, err := h.store.CompleteJob(ctx, rec.ID, store.JobFailed, int(aerr.Code), aerr.Result())
	require.NoError(t, err)

	h.disp.Execute(ctx, rec)

	got, err := h.store.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, int64(0), h.jobs.Stats().Duplicate.Count(), "no second completion is attempted")
}

func TestPrepare_RoundTrip(t *testing.T) {
	h := newHarness(t, false)

	cmd, err := h.disp.Prepare("echo", json.RawMessage(`{"message":"same","times":4}`))
	require.NoError(t, err)

	ctx := auth.WithCaller(context.Background(), &auth.Caller{AccountID: h.account.ID, UserID: h.user.ID})
	syncResult, err := cmd.Execute(ctx)
	require.NoError(t, err)

	stored, err := json.Marshal(cmd)
	require.NoError(t, err)
	rec := h.run(t, "echo", string(stored))
	require.Equal(t, job.StatusSucceeded, rec.Status)

	for _, key := range []string{"message", "account_id", "admin"} {
		assert.EqualValues(t, syncResult.Data[key], rec.Result.Data[key], key)
	}
	assert.EqualValues(t, syncResult.Data["times"], rec.Result.Data["times"])
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", func() Command { return &echoCommand{} })
	reg.Register("a", func() Command { return &echoCommand{} })

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, err := reg.New("c")
	assert.ErrorIs(t, err, apierr.ErrUnknownCommand)

	assert.Panics(t, func() {
		reg.Register("a", func() Command { return &echoCommand{} })
	})
	assert.Panics(t, func() {
		reg.Register("", func() Command { return &echoCommand{} })
	})
}

func TestBind_EmptyParams(t *testing.T) {
	cmd := &echoCommand{}
	err := Bind(nil, cmd)
	assert.ErrorIs(t, err, apierr.ErrMalformedParameters, "empty params still run validation")
}

func TestReportProgress_NoJob(t *testing.T) {
	// the synchronous path has no job to update
	ReportProgress(context.Background(), 1)
	_, ok := JobID(context.Background())
	assert.False(t, ok)
}
