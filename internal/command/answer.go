// ABOUTME: Answers produced by host agents in reply to command envelopes.
// ABOUTME: Includes substitute answers for timeouts and disconnected hosts.

package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFailed is returned by Answer.Err for unsuccessful answers.
var ErrFailed = errors.New("command failed")

// Answer is the result of executing an Envelope on a host.
type Answer struct {
	Seq     uint64
	Kind    Kind
	Success bool
	Details string
	Result  map[string]any

	// Disconnected marks a substitute answer generated because the channel
	// went away before the host replied.
	Disconnected bool
}

// Succeed builds a successful answer for env.
func Succeed(env *Envelope, details string, result map[string]any) *Answer {
	return &Answer{
		Seq:     env.Seq(),
		Kind:    env.Kind(),
		Success: true,
		Details: details,
		Result:  result,
	}
}

// Fail builds a failed answer for env.
func Fail(env *Envelope, details string) *Answer {
	return &Answer{
		Seq:     env.Seq(),
		Kind:    env.Kind(),
		Details: details,
	}
}

// Unreachable builds the substitute answer delivered when the host
// disconnects with the command still outstanding.
func Unreachable(seq uint64, kind Kind, reason string) *Answer {
	return &Answer{
		Seq:          seq,
		Kind:         kind,
		Details:      reason,
		Disconnected: true,
	}
}

// Err returns nil for successful answers and an ErrFailed wrap otherwise.
func (a *Answer) Err() error {
	if a.Success {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrFailed, a.Kind, a.Details)
}

// Int64 reads an integer result value. Values decoded from JSON or protobuf
// structs arrive as float64.
func Int64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// String reads a string result value.
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
