// ABOUTME: Messages exchanged between the server and host agents over the Connect stream
// ABOUTME: Each message travels as a protobuf Struct tagged with a "type" field

package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/cauldron/internal/command"
)

// ErrUnknownMessage is returned when decoding a message with an unrecognized type tag.
var ErrUnknownMessage = errors.New("unknown message type")

// Message type tags
const (
	TypeRegister  = "register"
	TypeAnswer    = "answer"
	TypeHeartbeat = "heartbeat"
	TypeWelcome   = "welcome"
	TypeCommand   = "command"
	TypeCancel    = "cancel"
)

// Register is the first message an agent sends on a new stream.
type Register struct {
	HostName       string
	Secret         string
	Version        string
	MaxOutstanding int
}

// Heartbeat keeps an idle stream observable.
type Heartbeat struct {
	Time time.Time
}

// AgentMessage is sent from a host agent to the server. Exactly one field is set.
type AgentMessage struct {
	Register  *Register
	Answer    *command.Answer
	Heartbeat *Heartbeat
}

// Welcome acknowledges a successful registration.
type Welcome struct {
	HostID   int64
	ServerID string
}

// Cancel tells the agent the server stopped waiting for a command.
type Cancel struct {
	Seq uint64
}

// ServerMessage is sent from the server to a host agent. Exactly one field is set.
type ServerMessage struct {
	Welcome *Welcome
	Command *command.Envelope
	Cancel  *Cancel
}

// ToStruct encodes the message for the wire.
func (m *AgentMessage) ToStruct() (*structpb.Struct, error) {
	var fields map[string]any
	switch {
	case m.Register != nil:
		fields = map[string]any{
			"type":            TypeRegister,
			"host_name":       m.Register.HostName,
			"secret":          m.Register.Secret,
			"version":         m.Register.Version,
			"max_outstanding": m.Register.MaxOutstanding,
		}
	case m.Answer != nil:
		result := m.Answer.Result
		if result == nil {
			result = map[string]any{}
		}
		fields = map[string]any{
			"type":    TypeAnswer,
			"seq":     m.Answer.Seq,
			"kind":    string(m.Answer.Kind),
			"success": m.Answer.Success,
			"details": m.Answer.Details,
			"result":  result,
		}
	case m.Heartbeat != nil:
		fields = map[string]any{
			"type": TypeHeartbeat,
			"time": m.Heartbeat.Time.UTC().Format(time.RFC3339Nano),
		}
	default:
		return nil, fmt.Errorf("encoding agent message: %w", ErrUnknownMessage)
	}
	return structpb.NewStruct(fields)
}

// DecodeAgentMessage decodes a message received from an agent.
func DecodeAgentMessage(s *structpb.Struct) (*AgentMessage, error) {
	f := s.AsMap()
	switch command.String(f, "type") {
	case TypeRegister:
		return &AgentMessage{Register: &Register{
			HostName:       command.String(f, "host_name"),
			Secret:         command.String(f, "secret"),
			Version:        command.String(f, "version"),
			MaxOutstanding: int(command.Int64(f, "max_outstanding")),
		}}, nil
	case TypeAnswer:
		result, _ := f["result"].(map[string]any)
		success, _ := f["success"].(bool)
		return &AgentMessage{Answer: &command.Answer{
			Seq:     uint64(command.Int64(f, "seq")),
			Kind:    command.Kind(command.String(f, "kind")),
			Success: success,
			Details: command.String(f, "details"),
			Result:  result,
		}}, nil
	case TypeHeartbeat:
		t, _ := time.Parse(time.RFC3339Nano, command.String(f, "time"))
		return &AgentMessage{Heartbeat: &Heartbeat{Time: t}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, command.String(f, "type"))
}

// ToStruct encodes the message for the wire.
func (m *ServerMessage) ToStruct() (*structpb.Struct, error) {
	var fields map[string]any
	switch {
	case m.Welcome != nil:
		fields = map[string]any{
			"type":      TypeWelcome,
			"host_id":   m.Welcome.HostID,
			"server_id": m.Welcome.ServerID,
		}
	case m.Command != nil:
		env := m.Command
		fields = map[string]any{
			"type":       TypeCommand,
			"seq":        env.Seq(),
			"kind":       string(env.Kind()),
			"host_id":    env.HostID(),
			"timeout_ms": env.Timeout().Milliseconds(),
			"params":     env.Params(),
		}
	case m.Cancel != nil:
		fields = map[string]any{
			"type": TypeCancel,
			"seq":  m.Cancel.Seq,
		}
	default:
		return nil, fmt.Errorf("encoding server message: %w", ErrUnknownMessage)
	}
	return structpb.NewStruct(fields)
}

// DecodeServerMessage decodes a message received from the server.
func DecodeServerMessage(s *structpb.Struct) (*ServerMessage, error) {
	f := s.AsMap()
	switch command.String(f, "type") {
	case TypeWelcome:
		return &ServerMessage{Welcome: &Welcome{
			HostID:   command.Int64(f, "host_id"),
			ServerID: command.String(f, "server_id"),
		}}, nil
	case TypeCommand:
		params, _ := f["params"].(map[string]any)
		env := command.Restore(
			uint64(command.Int64(f, "seq")),
			command.Kind(command.String(f, "kind")),
			command.Int64(f, "host_id"),
			time.Duration(command.Int64(f, "timeout_ms"))*time.Millisecond,
			params,
		)
		return &ServerMessage{Command: env}, nil
	case TypeCancel:
		return &ServerMessage{Cancel: &Cancel{Seq: uint64(command.Int64(f, "seq"))}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, command.String(f, "type"))
}
