// ABOUTME: HTTP API handlers for commands, jobs, volumes and hosts
// ABOUTME: Routes requests through the bridge and renders structured API errors as JSON

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/dedupe"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

// Block-poll timeouts for GET /api/jobs/{id}/wait.
const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 2 * time.Minute
)

// maxRequestBody bounds POST /api/commands bodies.
const maxRequestBody = 1 << 20

// CommandRequest is the JSON request body for POST /api/commands.
type CommandRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	Async   bool            `json:"async,omitempty"`
}

// CommandResponse is the JSON response for a synchronous command.
type CommandResponse struct {
	Result *job.Result `json:"result"`
}

// HostResponse is the JSON response element for GET /api/hosts.
type HostResponse struct {
	ID             int64            `json:"id"`
	Name           string           `json:"name"`
	Hypervisor     string           `json:"hypervisor"`
	Status         store.HostStatus `json:"status"`
	Connected      bool             `json:"connected"`
	Outstanding    int              `json:"outstanding"`
	MaxOutstanding int              `json:"max_outstanding,omitempty"`
	Sent           int64            `json:"sent"`
	Timeouts       int64            `json:"timeouts"`
	Unavailable    int64            `json:"unavailable"`
}

// routes builds the HTTP handler. API routes require a bearer token when a
// JWT secret is configured and run as the system account otherwise.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.HandleFunc("GET "+g.config.Metrics.Path, g.handleMetrics)
	}

	var authn func(http.Handler) http.Handler
	if g.verifier != nil {
		authn = auth.HTTPAuthMiddleware(g.store, g.verifier)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		authn = g.systemCaller
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured, requests run as the system account")
	}
	admin := auth.RequireAdminHTTP()

	mux.Handle("POST /api/commands", authn(http.HandlerFunc(g.handleCommand)))
	mux.Handle("GET /api/jobs", authn(http.HandlerFunc(g.handleListJobs)))
	mux.Handle("GET /api/jobs/{id}", authn(http.HandlerFunc(g.handleGetJob)))
	mux.Handle("GET /api/jobs/{id}/wait", authn(http.HandlerFunc(g.handleWaitJob)))
	mux.Handle("GET /api/volumes", authn(http.HandlerFunc(g.handleListVolumes)))
	mux.Handle("GET /api/hosts", authn(admin(http.HandlerFunc(g.handleListHosts))))

	return mux
}

// systemCaller runs the request as the system account.
func (g *Gateway) systemCaller(next http.Handler) http.Handler {
	caller := &auth.Caller{AccountID: SystemAccountID, UserID: SystemUserID, Admin: true}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

// handleCommand handles POST /api/commands. Synchronous commands answer
// with their result; asynchronous ones answer 202 with the job id and, for
// entity-creating commands, the new entity's id.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		g.sendAPIError(w, r, fmt.Errorf("decoding request: %w: %v", apierr.ErrMalformedParameters, err))
		return
	}
	if req.Command == "" {
		g.sendAPIError(w, r, apierr.New(apierr.CodeMalformedParameter, "command is required"))
		return
	}

	if req.Async {
		g.submit(w, r, req)
		return
	}

	result, err := g.bridge.Execute(r.Context(), req.Command, req.Params)
	if err != nil {
		g.sendAPIError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, CommandResponse{Result: result})
}

// submit queues an async command. A repeated Idempotency-Key from the same
// account answers with the first submission instead of queuing another job.
func (g *Gateway) submit(w http.ResponseWriter, r *http.Request, req CommandRequest) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if c := auth.FromContext(r.Context()); c != nil {
			key = fmt.Sprintf("%d:%s", c.AccountID, key)
		}
		prev, st := g.submissions.Claim(key)
		switch st {
		case dedupe.Done:
			g.sendJSON(w, http.StatusAccepted, prev)
			return
		case dedupe.Pending:
			g.sendAPIError(w, r, fmt.Errorf("idempotency key in use: %w", apierr.ErrSubmissionRejected))
			return
		}
	}

	sub, err := g.bridge.Submit(r.Context(), req.Command, req.Params)
	if err != nil {
		if key != "" {
			g.submissions.Forget(key)
		}
		g.sendAPIError(w, r, err)
		return
	}
	if key != "" {
		g.submissions.Fill(key, sub)
	}
	g.sendJSON(w, http.StatusAccepted, sub)
}

// handleGetJob handles GET /api/jobs/{id}.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := g.jobID(w, r)
	if !ok {
		return
	}
	v, err := g.bridge.Poll(r.Context(), id)
	if err != nil {
		g.sendAPIError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, v)
}

// handleWaitJob handles GET /api/jobs/{id}/wait?timeout=30s. It answers when
// the job is terminal or the timeout elapses, whichever comes first.
func (g *Gateway) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	id, ok := g.jobID(w, r)
	if !ok {
		return
	}

	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			g.sendAPIError(w, r, apierr.New(apierr.CodeParamError, "invalid timeout %q", raw))
			return
		}
		timeout = min(d, maxWaitTimeout)
	}

	v, err := g.bridge.WaitResult(r.Context(), id, timeout)
	if err != nil {
		g.sendAPIError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, v)
}

// handleListJobs handles GET /api/jobs?status=X&limit=N.
func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := job.Status(q.Get("status"))
	switch status {
	case "", job.StatusQueued, job.StatusInProgress, job.StatusSucceeded, job.StatusFailed:
	default:
		g.sendAPIError(w, r, apierr.New(apierr.CodeParamError, "unknown job status %q", status))
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendAPIError(w, r, apierr.New(apierr.CodeParamError, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	views, err := g.bridge.ListJobs(r.Context(), status, limit)
	if err != nil {
		g.sendAPIError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// handleListVolumes handles GET /api/volumes.
func (g *Gateway) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	views, err := g.bridge.ListVolumes(r.Context())
	if err != nil {
		g.sendAPIError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"volumes": views})
}

// handleListHosts handles GET /api/hosts. Admin only.
func (g *Gateway) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := g.store.ListHosts(r.Context())
	if err != nil {
		g.sendAPIError(w, r, fmt.Errorf("listing hosts: %w", err))
		return
	}

	bound := make(map[int64]int, len(hosts))
	infos := g.agents.ListHosts()
	for i, info := range infos {
		bound[info.HostID] = i
	}

	resp := make([]HostResponse, 0, len(hosts))
	for _, h := range hosts {
		hr := HostResponse{
			ID:         h.ID,
			Name:       h.Name,
			Hypervisor: h.Hypervisor,
			Status:     h.Status,
		}
		if i, ok := bound[h.ID]; ok {
			hr.Connected = infos[i].Connected
			hr.Outstanding = infos[i].Outstanding
			hr.MaxOutstanding = infos[i].MaxOutstanding
		}
		stats := g.agents.Stats().Host(h.ID)
		hr.Sent = stats.Sent.Count()
		hr.Timeouts = stats.Timeouts.Count()
		hr.Unavailable = stats.Unavailable.Count()
		resp = append(resp, hr)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"hosts": resp})
}

// handleMetrics writes a JSON snapshot of the metrics registry.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	metrics.WriteJSONOnce(g.registry, w)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := g.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d hosts connected)", len(g.agents.ListHosts()))
}

func (g *Gateway) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		g.sendAPIError(w, r, apierr.New(apierr.CodeParamError, "invalid job id %q", raw))
		return 0, false
	}
	return id, true
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendAPIError classifies err and writes it as a JSON error response.
// Internal error descriptions are only shown to admins.
func (g *Gateway) sendAPIError(w http.ResponseWriter, r *http.Request, err error) {
	aerr := apierr.From(err)
	if errors.Is(err, context.Canceled) {
		// client went away
		return
	}
	if aerr.Internal {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if c := auth.FromContext(r.Context()); c == nil || !c.Admin {
			aerr = aerr.Redacted()
		}
	}

	if aerr.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	g.sendJSON(w, aerr.HTTPStatus(), map[string]any{
		"error":     aerr.Text,
		"errorcode": int(aerr.Code),
	})
}
