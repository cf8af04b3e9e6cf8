// ABOUTME: Host statistics query, admin only; a zero host id asks any connected host.

package commands

import (
	"context"
	"fmt"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

// GetHostStats reports a host's CPU, memory and uptime.
type GetHostStats struct {
	HostID int64 `json:"host_id,omitempty"`

	deps Deps
}

func (c *GetHostStats) Validate() error {
	if c.HostID < 0 {
		return apierr.New(apierr.CodeParamError, "host_id must not be negative")
	}
	return nil
}

func (c *GetHostStats) Execute(ctx context.Context) (*job.Result, error) {
	cl, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if !cl.Admin {
		return nil, fmt.Errorf("host stats: %w", apierr.ErrPermissionDenied)
	}

	ans, err := c.deps.send(ctx, c.HostID, command.KindGetHostStats, nil)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(ans.Result)+1)
	for k, v := range ans.Result {
		data[k] = v
	}
	if c.HostID != 0 {
		data["hostid"] = c.HostID
	}
	return &job.Result{Kind: store.ResultHostStats, Data: data}, nil
}
