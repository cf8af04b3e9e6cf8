// Package agent routes command envelopes to hypervisor hosts.
//
// # Overview
//
// Each host is reached through exactly one Channel at a time. A Channel is
// either a Connection, backed by a host agent's gRPC Connect stream, or a
// Simulator that executes envelopes in-process.
//
// # Manager
//
// The Manager owns the host bindings:
//
//	mgr := agent.NewManager(agent.Config{Hosts: store, Factories: factories})
//
// Key operations:
//
//   - Send(ctx, hostID, env): Dispatch and wait for the answer
//   - SendAsync(hostID, env, cb): Dispatch on the worker pool, call cb with the answer
//   - Bind(ch) / Unbind(hostID, ch): Attach or detach an inbound agent connection
//   - RegisterForHostEvents / RegisterForInitialConnects: Observe connectivity
//
// Channels for hosts whose hypervisor kind has a ChannelFactory are opened on
// first use. Creation is double-checked under a per-host lock, so concurrent
// first sends never open two channels. Hosts without a factory must connect
// inbound and are unavailable until they do.
//
// # Outstanding Commands
//
// Every binding carries a semaphore sized by the channel's MaxOutstanding.
// Send waits for a slot and for the answer under a single deadline taken from
// the envelope's timeout.
//
// # Request/Response Correlation
//
// Channels keep a pending table keyed by envelope Seq:
//
//	pending map[uint64]*pendingRequest
//
// Each entry leaves the table exactly once: when its answer arrives, when the
// waiter times out and calls Cancel, or when the channel closes. Close
// delivers a Disconnected substitute answer to every remaining entry. An
// answer whose Seq is no longer in the table is logged and dropped.
//
// # Events
//
// Listeners run on their own goroutines, once per transition. A rebind of an
// already connected host is not a transition.
//
// # Thread Safety
//
// Manager, Connection and Simulator are safe for concurrent use. No lock is
// shared across hosts on the dispatch path.
package agent
