// ABOUTME: HostAgent gRPC service implementation for host agent streams
// ABOUTME: Authenticates the register message, binds the connection and routes answers

package gateway

import (
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/cauldron/internal/agent"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/store"
	"github.com/2389/cauldron/internal/wire"
)

// hostAgentServer implements wire.HostAgentServer.
type hostAgentServer struct {
	hosts    store.HostStore
	agents   *agent.Manager
	serverID string
	logger   *slog.Logger
}

func newHostAgentServer(hosts store.HostStore, agents *agent.Manager, serverID string, logger *slog.Logger) *hostAgentServer {
	return &hostAgentServer{
		hosts:    hosts,
		agents:   agents,
		serverID: serverID,
		logger:   logger,
	}
}

// Connect handles the bidirectional stream with one host agent.
// Protocol flow:
// 1. Agent sends Register with its host name and shared secret
// 2. Server responds with Welcome carrying the host id
// 3. Server sends Command and Cancel messages
// 4. Agent sends Answer and Heartbeat messages
func (s *hostAgentServer) Connect(stream wire.ServerStream) error {
	ctx := stream.Context()

	msg, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first message: %v", err)
	}

	reg := msg.Register
	if reg == nil {
		return status.Error(codes.InvalidArgument, "first message must be register")
	}
	if reg.HostName == "" {
		return status.Error(codes.InvalidArgument, "host name is required")
	}

	host, err := s.hosts.GetHostByName(ctx, reg.HostName)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("registration from unknown host", "host", reg.HostName)
		return status.Error(codes.Unauthenticated, "unknown host or bad secret")
	}
	if err != nil {
		return status.Errorf(codes.Internal, "looking up host: %v", err)
	}
	if host.Hypervisor != store.HypervisorAgent {
		return status.Errorf(codes.FailedPrecondition, "host %s is not agent managed", host.Name)
	}
	if err := auth.CheckSecret(host.SecretHash, reg.Secret); err != nil {
		s.logger.Warn("registration with bad secret", "host", reg.HostName)
		return status.Error(codes.Unauthenticated, "unknown host or bad secret")
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		HostID:         host.ID,
		Name:           host.Name,
		Version:        reg.Version,
		MaxOutstanding: reg.MaxOutstanding,
		Stream:         stream,
		Logger:         s.logger,
	})

	// welcome goes out before any command can be dispatched
	if err := conn.Send(&wire.ServerMessage{Welcome: &wire.Welcome{HostID: host.ID, ServerID: s.serverID}}); err != nil {
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}

	s.agents.Bind(conn)
	defer func() {
		s.agents.Unbind(host.ID, conn)
		conn.Close("stream ended")
	}()

	s.logger.Info("host agent connected",
		"host_id", host.ID,
		"host", host.Name,
		"version", reg.Version,
		"max_outstanding", conn.MaxOutstanding(),
	)

	msgs := make(chan *wire.AgentMessage)
	recvErr := make(chan error, 1)
	go func() {
		for {
			m, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-conn.Done():
			// replaced by a newer stream for the same host
			s.logger.Info("host agent stream superseded", "host_id", host.ID)
			return nil

		case <-ctx.Done():
			s.logger.Info("host agent stream cancelled", "host_id", host.ID)
			return nil

		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				s.logger.Info("host agent disconnected", "host_id", host.ID)
				return nil
			}
			s.logger.Error("receiving message", "error", err, "host_id", host.ID)
			return status.Errorf(codes.Internal, "receiving message: %v", err)

		case m := <-msgs:
			switch {
			case m.Answer != nil:
				conn.HandleAnswer(m.Answer)
			case m.Heartbeat != nil:
				s.logger.Debug("received heartbeat", "host_id", host.ID, "time", m.Heartbeat.Time)
			case m.Register != nil:
				s.logger.Warn("received duplicate registration", "host_id", host.ID)
			}
		}
	}
}
