// ABOUTME: In-process Channel that executes envelopes locally after a delay.
// ABOUTME: Backs the simulator hypervisor kind in development and tests.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/store"
)

// Handler computes the answer for an envelope.
type Handler func(env *command.Envelope) *command.Answer

type simPending struct {
	kind  command.Kind
	ch    chan *command.Answer
	timer *time.Timer
}

// Simulator is a Channel that answers envelopes from an in-process Handler.
type Simulator struct {
	hostID         int64
	delay          time.Duration
	handler        Handler
	maxOutstanding int
	silent         bool

	mu      sync.Mutex
	pending map[uint64]*simPending
	closed  bool
	logger  *slog.Logger
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithDelay sets how long the simulator waits before answering.
func WithDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.delay = d }
}

// WithHandler replaces the default command handler.
func WithHandler(h Handler) SimulatorOption {
	return func(s *Simulator) { s.handler = h }
}

// WithMaxOutstanding sets the declared concurrency limit.
func WithMaxOutstanding(n int) SimulatorOption {
	return func(s *Simulator) { s.maxOutstanding = n }
}

// WithSilence makes the simulator accept envelopes and never answer.
func WithSilence() SimulatorOption {
	return func(s *Simulator) { s.silent = true }
}

// WithLogger sets the simulator's logger.
func WithLogger(l *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = l }
}

// NewSimulator creates a simulated channel for hostID.
func NewSimulator(hostID int64, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		hostID:         hostID,
		handler:        Simulate,
		maxOutstanding: 4,
		pending:        make(map[uint64]*simPending),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "simulator", "host_id", hostID)
	return s
}

func (s *Simulator) HostID() int64       { return s.hostID }
func (s *Simulator) MaxOutstanding() int { return s.maxOutstanding }

// Connected reports whether Close has not been called.
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Dispatch schedules env for execution after the configured delay.
func (s *Simulator) Dispatch(env *command.Envelope) (<-chan *command.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrChannelClosed
	}

	p := &simPending{kind: env.Kind(), ch: make(chan *command.Answer, 1)}
	s.pending[env.Seq()] = p
	if !s.silent {
		p.timer = time.AfterFunc(s.delay, func() { s.answer(env) })
	}
	return p.ch, nil
}

func (s *Simulator) answer(env *command.Envelope) {
	ans := s.handler(env)
	ans.Seq = env.Seq()
	ans.Kind = env.Kind()

	s.mu.Lock()
	p, ok := s.pending[env.Seq()]
	delete(s.pending, env.Seq())
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("received answer for unknown command, discarding", "seq", env.Seq(), "kind", env.Kind())
		return
	}
	p.ch <- ans
}

// Cancel drops the pending slot. Execution still runs to completion and its
// answer is discarded.
func (s *Simulator) Cancel(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, seq)
}

// Close fails outstanding envelopes with Disconnected answers.
func (s *Simulator) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[uint64]*simPending)
	s.mu.Unlock()

	for seq, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- command.Unreachable(seq, p.kind, reason)
	}
}

// Simulate is the default handler. It produces plausible results for every
// known command kind without touching any real storage.
func Simulate(env *command.Envelope) *command.Answer {
	params := env.Params()
	switch env.Kind() {
	case command.KindPing:
		return command.Succeed(env, "pong", nil)

	case command.KindCreateVolume:
		path := fmt.Sprintf("/pool/%d/%s", command.Int64(params, "pool_id"), command.String(params, "volume_uuid"))
		return command.Succeed(env, "volume created", map[string]any{
			"path":    path,
			"size_gb": command.Int64(params, "size_gb"),
		})

	case command.KindDestroyVolume:
		return command.Succeed(env, "volume destroyed", nil)

	case command.KindCreateSnapshot:
		path := fmt.Sprintf("%s@%s", command.String(params, "volume_path"), command.String(params, "snapshot_uuid"))
		return command.Succeed(env, "snapshot created", map[string]any{"path": path})

	case command.KindGetHostStats:
		return command.Succeed(env, "", map[string]any{
			"cpu_cores":      int64(16),
			"memory_mb":      int64(65536),
			"free_memory_mb": int64(32768),
			"uptime_s":       int64(time.Since(processStart).Seconds()),
		})
	}
	return command.Fail(env, fmt.Sprintf("unsupported command %q", env.Kind()))
}

var processStart = time.Now()

// SimulatorFactory opens Simulator channels for simulator hosts.
type SimulatorFactory struct {
	Delay          time.Duration
	MaxOutstanding int // zero keeps the simulator default
	Logger         *slog.Logger
}

// Open implements ChannelFactory.
func (f *SimulatorFactory) Open(ctx context.Context, host *store.Host) (Channel, error) {
	opts := []SimulatorOption{WithDelay(f.Delay)}
	if f.MaxOutstanding > 0 {
		opts = append(opts, WithMaxOutstanding(f.MaxOutstanding))
	}
	if f.Logger != nil {
		opts = append(opts, WithLogger(f.Logger))
	}
	return NewSimulator(host.ID, opts...), nil
}
