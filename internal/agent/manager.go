// ABOUTME: Routes command envelopes to host channels and waits for their answers.
// ABOUTME: Owns per-host bindings, outstanding-command limits and host event listeners.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/store"
	"github.com/2389/cauldron/internal/workq"
)

// HostLookup resolves host metadata for channel creation.
type HostLookup interface {
	GetHost(ctx context.Context, id int64) (*store.Host, error)
}

// HostEvent is a connectivity transition.
type HostEvent int

const (
	HostConnected HostEvent = iota
	HostDisconnected
)

func (e HostEvent) String() string {
	if e == HostConnected {
		return "connected"
	}
	return "disconnected"
}

// HostListener observes connect and disconnect transitions.
type HostListener func(hostID int64, event HostEvent)

// ConnectListener observes the first connection of a host in this process.
type ConnectListener func(hostID int64)

// Callback receives the outcome of SendAsync. On failure answer is a
// substitute failure answer and err says why.
type Callback func(answer *command.Answer, err error)

// Config holds the Manager's collaborators.
type Config struct {
	Hosts     HostLookup
	Factories map[string]ChannelFactory // keyed by hypervisor kind
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	Registry  metrics.Registry
}

// binding is the current channel of a host plus its outstanding-command
// semaphore, sized by the channel's declared limit.
type binding struct {
	ch    Channel
	slots chan struct{}
}

// HostInfo describes a bound host.
type HostInfo struct {
	HostID         int64
	Connected      bool
	Outstanding    int
	MaxOutstanding int
}

// Manager coordinates host channels and dispatches envelopes to them.
type Manager struct {
	hosts     HostLookup
	factories map[string]ChannelFactory

	bindings map[int64]*binding
	mu       sync.RWMutex

	hostLocks sync.Map // int64 -> *sync.Mutex

	listenersMu      sync.RWMutex
	hostListeners    []HostListener
	connectListeners []ConnectListener
	seen             map[int64]bool

	router *Router
	pool   *workq.Pool
	stats  *Stats
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agents")

	workers := cfg.Workers
	if workers <= 0 {
		workers = 10
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 16
	}

	factories := make(map[string]ChannelFactory, len(cfg.Factories))
	for k, f := range cfg.Factories {
		factories[k] = f
	}

	return &Manager{
		hosts:     cfg.Hosts,
		factories: factories,
		bindings:  make(map[int64]*binding),
		seen:      make(map[int64]bool),
		router:    NewRouter(),
		pool:      workq.New("agents", workers, queueSize, logger),
		stats:     NewStats(cfg.Registry),
		logger:    logger,
	}
}

// Stats returns the per-host command statistics.
func (m *Manager) Stats() *Stats {
	return m.stats
}

// Send dispatches env to hostID and waits for the answer. A hostID of zero
// routes the envelope to a connected host chosen round-robin.
//
// It fails with ErrHostUnavailable when no connected channel can be resolved
// or the channel disconnects before answering, and with ErrOperationTimedOut
// when no answer arrives within env.Timeout(). The timeout covers waiting for
// an outstanding-command slot as well as the answer itself.
func (m *Manager) Send(ctx context.Context, hostID int64, env *command.Envelope) (*command.Answer, error) {
	if hostID == 0 {
		id, err := m.router.Select(m.connectedHosts())
		if err != nil {
			return nil, fmt.Errorf("routing %s: %w: %w", env.Kind(), ErrHostUnavailable, err)
		}
		hostID = id
	}
	if env.HostID() != hostID {
		env = env.Routed(hostID)
	}

	stats := m.stats.Host(hostID)

	b, err := m.resolve(ctx, hostID)
	if err != nil {
		stats.Unavailable.Inc(1)
		return nil, err
	}

	timer := time.NewTimer(env.Timeout())
	defer timer.Stop()

	select {
	case b.slots <- struct{}{}:
	case <-timer.C:
		stats.Timeouts.Inc(1)
		m.logger.Warn("timed out waiting for outstanding slot", "host_id", hostID, "seq", env.Seq())
		return nil, fmt.Errorf("%s: %w", env, ErrOperationTimedOut)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-b.slots }()

	start := time.Now()
	answers, err := b.ch.Dispatch(env)
	if err != nil {
		stats.Unavailable.Inc(1)
		return nil, fmt.Errorf("host %d: %w: %w", hostID, ErrHostUnavailable, err)
	}
	stats.Sent.Inc(1)

	select {
	case ans := <-answers:
		stats.Latency.UpdateSince(start)
		if ans.Disconnected {
			stats.Unavailable.Inc(1)
			return ans, fmt.Errorf("host %d: %w: %s", hostID, ErrHostUnavailable, ans.Details)
		}
		return ans, nil

	case <-timer.C:
		b.ch.Cancel(env.Seq())
		stats.Timeouts.Inc(1)
		m.logger.Warn("command timed out", "host_id", hostID, "seq", env.Seq(), "kind", env.Kind(), "timeout", env.Timeout())
		return nil, fmt.Errorf("%s: %w", env, ErrOperationTimedOut)

	case <-ctx.Done():
		b.ch.Cancel(env.Seq())
		return nil, ctx.Err()
	}
}

// SendAsync dispatches env on the manager's worker pool and returns
// immediately. cb runs on a pool worker once the answer arrives or the
// timeout elapses; a failure substitutes a failed answer.
func (m *Manager) SendAsync(hostID int64, env *command.Envelope, cb Callback) error {
	err := m.pool.Submit(func() {
		ans, err := m.Send(context.Background(), hostID, env)
		if err != nil && ans == nil {
			ans = command.Fail(env, err.Error())
		}
		cb(ans, err)
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", env, err)
	}
	return nil
}

// resolve returns the connected binding for hostID, opening a channel
// through the host's factory on first use.
func (m *Manager) resolve(ctx context.Context, hostID int64) (*binding, error) {
	if b := m.lookup(hostID); b != nil && b.ch.Connected() {
		return b, nil
	}

	lock := m.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have opened it while we waited
	if b := m.lookup(hostID); b != nil && b.ch.Connected() {
		return b, nil
	}

	if m.hosts == nil {
		return nil, fmt.Errorf("host %d: %w: not connected", hostID, ErrHostUnavailable)
	}
	host, err := m.hosts.GetHost(ctx, hostID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("host %d: %w: unknown host", hostID, ErrHostUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("host %d: %w: %w", hostID, ErrHostUnavailable, err)
	}

	factory, ok := m.factories[host.Hypervisor]
	if !ok {
		return nil, fmt.Errorf("host %d: %w: %s agent not connected", hostID, ErrHostUnavailable, host.Hypervisor)
	}
	ch, err := factory.Open(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("host %d: %w: %w", hostID, ErrHostUnavailable, err)
	}
	if !ch.Connected() {
		return nil, fmt.Errorf("host %d: %w: channel not connected", hostID, ErrHostUnavailable)
	}

	m.logger.Info("opened channel", "host_id", hostID, "hypervisor", host.Hypervisor)
	return m.install(ch), nil
}

func (m *Manager) lookup(hostID int64) *binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[hostID]
}

func (m *Manager) hostLock(hostID int64) *sync.Mutex {
	l, _ := m.hostLocks.LoadOrStore(hostID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// install binds ch to its host, closing any channel it replaces. Callers
// hold the host lock.
func (m *Manager) install(ch Channel) *binding {
	limit := ch.MaxOutstanding()
	if limit <= 0 {
		limit = DefaultMaxOutstanding
	}
	b := &binding{ch: ch, slots: make(chan struct{}, limit)}
	hostID := ch.HostID()

	m.mu.Lock()
	old := m.bindings[hostID]
	m.bindings[hostID] = b
	total := len(m.bindings)
	m.mu.Unlock()

	wasConnected := old != nil && old.ch.Connected()
	if old != nil && old.ch != ch {
		old.ch.Close("replaced by new connection")
	}

	if wasConnected {
		// connected -> connected is not a transition
		m.logger.Info("host rebound", "host_id", hostID, "max_outstanding", limit, "total_hosts", total)
		return b
	}

	m.logger.Info("=== HOST CONNECTED ===", "host_id", hostID, "max_outstanding", limit, "total_hosts", total)
	m.notify(hostID, HostConnected)
	return b
}

// Bind installs an inbound channel, such as a freshly registered agent
// connection. A previous channel for the same host is closed and its
// outstanding commands fail as disconnected.
func (m *Manager) Bind(ch Channel) {
	lock := m.hostLock(ch.HostID())
	lock.Lock()
	defer lock.Unlock()
	m.install(ch)
}

// Unbind removes hostID's binding if it still holds ch and closes ch. It
// reports whether the binding was removed; a stale Unbind after a rebind is
// a no-op.
func (m *Manager) Unbind(hostID int64, ch Channel) bool {
	lock := m.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	cur, ok := m.bindings[hostID]
	removed := ok && cur.ch == ch
	if removed {
		delete(m.bindings, hostID)
	}
	total := len(m.bindings)
	m.mu.Unlock()

	if !removed {
		return false
	}

	ch.Close("host disconnected")
	m.logger.Info("=== HOST DISCONNECTED ===", "host_id", hostID, "total_hosts", total)
	m.notify(hostID, HostDisconnected)
	return true
}

// RegisterForHostEvents adds a listener for connect and disconnect
// transitions. Each notification runs on its own goroutine.
func (m *Manager) RegisterForHostEvents(l HostListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.hostListeners = append(m.hostListeners, l)
}

// RegisterForInitialConnects adds a listener called once per host, the first
// time that host connects during this process's lifetime.
func (m *Manager) RegisterForInitialConnects(l ConnectListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.connectListeners = append(m.connectListeners, l)
}

func (m *Manager) notify(hostID int64, ev HostEvent) {
	m.listenersMu.Lock()
	hostListeners := append([]HostListener(nil), m.hostListeners...)
	var connectListeners []ConnectListener
	if ev == HostConnected && !m.seen[hostID] {
		m.seen[hostID] = true
		connectListeners = append(connectListeners, m.connectListeners...)
	}
	m.listenersMu.Unlock()

	for _, l := range hostListeners {
		go l(hostID, ev)
	}
	for _, l := range connectListeners {
		go l(hostID)
	}
}

func (m *Manager) connectedHosts() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.bindings))
	for id, b := range m.bindings {
		if b.ch.Connected() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsConnected reports whether hostID has a connected channel.
func (m *Manager) IsConnected(hostID int64) bool {
	b := m.lookup(hostID)
	return b != nil && b.ch.Connected()
}

// ListHosts returns information about every bound host, ordered by id.
func (m *Manager) ListHosts() []HostInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HostInfo, 0, len(m.bindings))
	for id, b := range m.bindings {
		out = append(out, HostInfo{
			HostID:         id,
			Connected:      b.ch.Connected(),
			Outstanding:    len(b.slots),
			MaxOutstanding: cap(b.slots),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// Shutdown stops the callback pool and closes every channel.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.pool.Shutdown(ctx)

	m.mu.Lock()
	bindings := m.bindings
	m.bindings = make(map[int64]*binding)
	m.mu.Unlock()

	for _, b := range bindings {
		b.ch.Close("server shutting down")
	}
	m.logger.Info("agent manager stopped", "closed_channels", len(bindings))
	return err
}
