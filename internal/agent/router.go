// ABOUTME: Round-robin router for host-independent commands.
// ABOUTME: Picks one of the currently connected hosts in a rotating fashion.

package agent

import (
	"errors"
	"sync/atomic"
)

// ErrNoHostsAvailable indicates no connected host can take a host-independent command.
var ErrNoHostsAvailable = errors.New("no hosts available")

// Router selects hosts using a round-robin strategy.
type Router struct {
	current uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// Select picks a host id from hostIDs using round-robin selection.
// Returns ErrNoHostsAvailable if hostIDs is empty.
func (r *Router) Select(hostIDs []int64) (int64, error) {
	if len(hostIDs) == 0 {
		return 0, ErrNoHostsAvailable
	}

	idx := atomic.AddUint64(&r.current, 1) - 1
	return hostIDs[idx%uint64(len(hostIDs))], nil
}
