// ABOUTME: Represents a single connected host agent and its bidirectional gRPC stream.
// ABOUTME: Correlates answers to outstanding envelopes through a seq-keyed pending table.

package agent

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/wire"
)

// Sender is the outbound half of an agent stream.
type Sender interface {
	Send(*wire.ServerMessage) error
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	HostID         int64
	Name           string
	Version        string
	MaxOutstanding int
	Stream         Sender
	Logger         *slog.Logger
}

type pendingRequest struct {
	kind command.Kind
	ch   chan *command.Answer
}

// Connection is a Channel backed by an agent's Connect stream.
type Connection struct {
	hostID         int64
	name           string
	version        string
	maxOutstanding int

	stream Sender
	sendMu sync.Mutex // grpc streams do not allow concurrent Send

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	closed  bool
	done    chan struct{}

	logger *slog.Logger
}

// NewConnection creates a new Connection for a registered agent.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxOut := p.MaxOutstanding
	if maxOut <= 0 {
		maxOut = DefaultMaxOutstanding
	}
	return &Connection{
		hostID:         p.HostID,
		name:           p.Name,
		version:        p.Version,
		maxOutstanding: maxOut,
		stream:         p.Stream,
		pending:        make(map[uint64]*pendingRequest),
		done:           make(chan struct{}),
		logger:         logger.With("host_id", p.HostID, "host", p.Name),
	}
}

func (c *Connection) HostID() int64       { return c.hostID }
func (c *Connection) Name() string        { return c.name }
func (c *Connection) Version() string     { return c.version }
func (c *Connection) MaxOutstanding() int { return c.maxOutstanding }

// Connected reports whether the stream is still open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send transmits a ServerMessage to the agent.
func (c *Connection) Send(msg *wire.ServerMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(msg)
}

// Dispatch registers env in the pending table and sends it to the agent.
func (c *Connection) Dispatch(env *command.Envelope) (<-chan *command.Answer, error) {
	ch := make(chan *command.Answer, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, dup := c.pending[env.Seq()]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("seq %d already outstanding", env.Seq())
	}
	c.pending[env.Seq()] = &pendingRequest{kind: env.Kind(), ch: ch}
	c.mu.Unlock()

	if err := c.Send(&wire.ServerMessage{Command: env}); err != nil {
		c.evict(env.Seq())
		return nil, fmt.Errorf("sending command: %w", err)
	}

	c.logger.Debug("command sent", "seq", env.Seq(), "kind", env.Kind())
	return ch, nil
}

// Cancel evicts seq from the pending table and tells the agent, best effort,
// that nobody is waiting any more.
func (c *Connection) Cancel(seq uint64) {
	if !c.evict(seq) {
		return
	}
	if !c.Connected() {
		return
	}
	if err := c.Send(&wire.ServerMessage{Cancel: &wire.Cancel{Seq: seq}}); err != nil {
		c.logger.Debug("failed to send cancel", "seq", seq, "error", err)
	}
}

func (c *Connection) evict(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[seq]
	delete(c.pending, seq)
	return ok
}

// HandleAnswer delivers an answer to its waiting dispatch. Answers for
// unknown or evicted seqs are logged and discarded; it returns false for them.
func (c *Connection) HandleAnswer(ans *command.Answer) bool {
	c.mu.Lock()
	p, ok := c.pending[ans.Seq]
	delete(c.pending, ans.Seq)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received answer for unknown command, discarding",
			"seq", ans.Seq,
			"kind", ans.Kind,
		)
		return false
	}
	if p.kind != ans.Kind {
		c.logger.Warn("answer kind does not match command",
			"seq", ans.Seq,
			"expected", p.kind,
			"got", ans.Kind,
		)
	}

	// buffered with capacity one and delivered to exactly once
	p.ch <- ans
	return true
}

// Outstanding returns the number of commands awaiting an answer.
func (c *Connection) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close marks the connection closed and fails every outstanding command with
// a Disconnected answer.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	close(c.done)
	c.mu.Unlock()

	for seq, p := range pending {
		p.ch <- command.Unreachable(seq, p.kind, reason)
	}

	c.logger.Info("connection closed", "reason", reason, "failed_pending", len(pending))
}
