// ABOUTME: Command envelopes describing a unit of work for a remote host agent.
// ABOUTME: Envelopes are immutable after New; Seq identifies a single dispatch attempt.

package command

import (
	"fmt"
	"maps"
	"sync/atomic"
	"time"
)

// DefaultTimeout is used when an envelope is built without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// Kind identifies what a host agent is asked to do.
type Kind string

const (
	KindPing           Kind = "Ping"
	KindCreateVolume   Kind = "CreateVolume"
	KindDestroyVolume  Kind = "DestroyVolume"
	KindCreateSnapshot Kind = "CreateSnapshot"
	KindGetHostStats   Kind = "GetHostStats"
)

// Valid reports whether k is one of the known command kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPing, KindCreateVolume, KindDestroyVolume, KindCreateSnapshot, KindGetHostStats:
		return true
	}
	return false
}

var seqCounter atomic.Uint64

// NextSeq returns monotonically increasing sequence numbers, unique per process.
func NextSeq() uint64 {
	return seqCounter.Add(1)
}

// Envelope is an instruction sent to a host agent. All fields are private so
// an envelope cannot change once it has been handed to a channel.
type Envelope struct {
	seq     uint64
	kind    Kind
	hostID  int64
	timeout time.Duration
	params  map[string]any
}

// New builds an envelope with a fresh sequence number. A hostID of zero marks
// the command as host-independent. The params map is copied.
func New(kind Kind, hostID int64, timeout time.Duration, params map[string]any) *Envelope {
	return Restore(NextSeq(), kind, hostID, timeout, params)
}

// Restore rebuilds an envelope that was created elsewhere, keeping its
// sequence number. Agents use it when decoding envelopes off the wire.
func Restore(seq uint64, kind Kind, hostID int64, timeout time.Duration, params map[string]any) *Envelope {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := maps.Clone(params)
	if p == nil {
		p = make(map[string]any)
	}
	return &Envelope{
		seq:     seq,
		kind:    kind,
		hostID:  hostID,
		timeout: timeout,
		params:  p,
	}
}

func (e *Envelope) Seq() uint64            { return e.seq }
func (e *Envelope) Kind() Kind             { return e.kind }
func (e *Envelope) HostID() int64          { return e.hostID }
func (e *Envelope) Timeout() time.Duration { return e.timeout }

// Params returns a copy of the envelope's parameters.
func (e *Envelope) Params() map[string]any {
	return maps.Clone(e.params)
}

// Param returns a single parameter value.
func (e *Envelope) Param(key string) (any, bool) {
	v, ok := e.params[key]
	return v, ok
}

// Routed returns a copy of a host-independent envelope bound to hostID. The
// sequence number is kept: routing is part of the same dispatch attempt.
func (e *Envelope) Routed(hostID int64) *Envelope {
	return Restore(e.seq, e.kind, hostID, e.timeout, e.params)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("seq:%d %s host:%d timeout:%s", e.seq, e.kind, e.hostID, e.timeout)
}
