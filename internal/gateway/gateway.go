// ABOUTME: Gateway composition root that wires the store, agents, jobs and servers
// ABOUTME: Owns the gRPC and HTTP servers and shuts components down in dependency order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/cauldron/internal/agent"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/bridge"
	"github.com/2389/cauldron/internal/commands"
	"github.com/2389/cauldron/internal/config"
	"github.com/2389/cauldron/internal/dedupe"
	"github.com/2389/cauldron/internal/dispatch"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
	"github.com/2389/cauldron/internal/wire"
)

// System account and user. Requests run as this identity when no JWT
// secret is configured.
const (
	SystemAccountID int64 = 1
	SystemUserID    int64 = 1
)

// Bounds on remembered Idempotency-Key headers.
const (
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 10000
)

// Gateway orchestrates the cauldron server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    metrics.Registry
	agents      *agent.Manager
	jobs        *job.Manager
	bridge      *bridge.Bridge
	submissions *dedupe.Cache[*bridge.Submission]
	verifier    *auth.JWTVerifier
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance to host agents
	serverID string

	// limits are the concurrency limits currently applied to the job manager
	limitsMu sync.Mutex
	limits   map[string]int

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CAULDRON_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires every component on top of s. Construction order is
// store, agents, jobs, dispatcher, bridge, servers.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	if err := seedSystemAccount(ctx, s); err != nil {
		return nil, err
	}
	if err := seedSimulator(ctx, s, cfg.Simulator); err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()

	agents := agent.NewManager(agent.Config{
		Hosts: s,
		Factories: map[string]agent.ChannelFactory{
			store.HypervisorSimulator: &agent.SimulatorFactory{
				Delay:          cfg.Simulator.Delay,
				MaxOutstanding: cfg.Agents.MaxOutstanding,
				Logger:         logger,
			},
		},
		Workers:  cfg.Agents.Workers,
		Logger:   logger,
		Registry: registry,
	})

	jobs := job.NewManager(job.Params{
		Store:     s,
		Accounts:  s,
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
		Limits:    cfg.Jobs.Limits,
		Logger:    logger,
		Registry:  registry,
	})

	reg := dispatch.NewRegistry()
	commands.Register(reg, commands.Deps{
		Agents:  agents,
		Volumes: s,
		Timeout: cfg.Agents.CommandTimeout,
	})

	disp := dispatch.New(dispatch.Config{
		Registry: reg,
		Jobs:     jobs,
		Accounts: s,
		Tracer:   otel.Tracer("github.com/2389/cauldron/internal/dispatch"),
		Logger:   logger,
	})
	jobs.SetExecutor(disp)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: registry,
		agents:   agents,
		jobs:     jobs,
		bridge: bridge.New(bridge.Config{
			Commands: disp,
			Jobs:     jobs,
			Volumes:  s,
			Logger:   logger,
		}),
		submissions: dedupe.New[*bridge.Submission](idempotencyTTL, idempotencyMaxKeys),
		logger:      logger.With("component", "gateway"),
		serverID:    "cauldron-" + uuid.NewString()[:8],
		limits:      copyLimits(cfg.Jobs.Limits),
	}

	agents.RegisterForHostEvents(gw.recordHostStatus)
	agents.RegisterForInitialConnects(func(hostID int64) {
		gw.logger.Info("host connected for the first time since start", "host_id", hostID)
	})

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = v
	}

	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	wire.RegisterHostAgentServer(gw.grpcServer, newHostAgentServer(s, agents, gw.serverID, logger.With("component", "grpc")))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// seedSystemAccount creates the system account and user on first start.
func seedSystemAccount(ctx context.Context, s store.Store) error {
	if _, err := s.GetAccount(ctx, SystemAccountID); errors.Is(err, store.ErrNotFound) {
		acct := &store.Account{ID: SystemAccountID, Name: "system", Admin: true, Enabled: true}
		if err := s.CreateAccount(ctx, acct); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("creating system account: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("loading system account: %w", err)
	}

	if _, err := s.GetUser(ctx, SystemUserID); errors.Is(err, store.ErrNotFound) {
		user := &store.User{ID: SystemUserID, AccountID: SystemAccountID, Name: "system"}
		if err := s.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("creating system user: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("loading system user: %w", err)
	}
	return nil
}

// seedSimulator creates the configured simulator hosts, their pools and
// the shared templates. Existing rows are left alone.
func seedSimulator(ctx context.Context, s store.Store, sim config.SimulatorConfig) error {
	for _, h := range sim.Hosts {
		if _, err := s.GetHost(ctx, h.ID); errors.Is(err, store.ErrNotFound) {
			host := &store.Host{ID: h.ID, Name: h.Name, Hypervisor: store.HypervisorSimulator}
			if err := s.CreateHost(ctx, host); err != nil {
				return fmt.Errorf("creating simulator host %d: %w", h.ID, err)
			}
		} else if err != nil {
			return fmt.Errorf("loading simulator host %d: %w", h.ID, err)
		}

		if h.PoolID == 0 {
			continue
		}
		if _, err := s.GetStoragePool(ctx, h.PoolID); errors.Is(err, store.ErrNotFound) {
			pool := &store.StoragePool{ID: h.PoolID, Name: h.Name + "-primary", HostID: h.ID, CapacityGB: h.PoolCapacityGB}
			if err := s.CreateStoragePool(ctx, pool); err != nil {
				return fmt.Errorf("creating storage pool %d: %w", h.PoolID, err)
			}
		} else if err != nil {
			return fmt.Errorf("loading storage pool %d: %w", h.PoolID, err)
		}
	}

	for _, t := range sim.Templates {
		if _, err := s.GetTemplate(ctx, t.ID); errors.Is(err, store.ErrNotFound) {
			tmpl := &store.Template{ID: t.ID, Name: t.Name, SizeGB: t.SizeGB}
			if err := s.CreateTemplate(ctx, tmpl); err != nil {
				return fmt.Errorf("creating template %d: %w", t.ID, err)
			}
		} else if err != nil {
			return fmt.Errorf("loading template %d: %w", t.ID, err)
		}
	}
	return nil
}

// recordHostStatus mirrors agent connectivity into the host table.
func (g *Gateway) recordHostStatus(hostID int64, ev agent.HostEvent) {
	st := store.HostUp
	if ev == agent.HostDisconnected {
		st = store.HostDisconnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.UpdateHostStatus(ctx, hostID, st); err != nil {
		g.logger.Warn("failed to record host status", "host_id", hostID, "status", st, "error", err)
	}
}

func copyLimits(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ApplyConfig applies the parts of a reloaded configuration that can change
// at runtime: the per-class job concurrency limits. Classes missing from cfg
// become unlimited.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.limitsMu.Lock()
	defer g.limitsMu.Unlock()

	for class := range g.limits {
		if _, ok := cfg.Jobs.Limits[class]; !ok {
			g.jobs.SetLimit(class, 0)
			g.logger.Info("concurrency limit removed", "class", class)
		}
	}
	for class, limit := range cfg.Jobs.Limits {
		if old, ok := g.limits[class]; ok && old == limit {
			continue
		}
		g.jobs.SetLimit(class, limit)
		g.logger.Info("concurrency limit updated", "class", class, "limit", limit)
	}
	g.limits = copyLimits(cfg.Jobs.Limits)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "cauldron", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	}

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run fails jobs left unfinished by a previous process, starts the servers
// and blocks until ctx is canceled or a server fails. It always shuts the
// gateway down before returning.
func (g *Gateway) Run(ctx context.Context) error {
	n, err := g.jobs.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n > 0 {
		g.logger.Warn("failed jobs interrupted by previous shutdown", "count", n)
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// the original context is already canceled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Jobs.ShutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and components in reverse dependency order:
// API intake, jobs, agent streams, agents, tailnet, store. It is safe to
// call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.submissions.Close()
		errs = appendCloseError(errs, "job manager shutdown", g.jobs.Shutdown(ctx))

		// closed connections end their Connect streams so GracefulStop can return
		errs = appendCloseError(errs, "agent manager shutdown", g.agents.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
