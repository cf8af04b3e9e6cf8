// ABOUTME: Registers the concrete management commands and their shared helpers.
// ABOUTME: Commands reach hosts through the agent manager and persist through the volume store.

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/dispatch"
	"github.com/2389/cauldron/internal/store"
)

// Command class identifiers.
const (
	CreateVolumeName   = "createVolume"
	CreateSnapshotName = "createSnapshot"
	DeleteVolumeName   = "deleteVolume"
	GetHostStatsName   = "getHostStats"
)

// Instance types jobs are correlated with.
const (
	InstanceVolume   = "Volume"
	InstanceSnapshot = "Snapshot"
)

// ClassSnapshot is the concurrency class of snapshot jobs, limited per host.
const ClassSnapshot = "snapshot"

// Progress markers recorded while a job runs, stored as store.Job.ProcessStatus.
const (
	progressAllocated = 1
	progressSent      = 2
)

// Agents sends envelopes to hosts.
type Agents interface {
	Send(ctx context.Context, hostID int64, env *command.Envelope) (*command.Answer, error)
}

// Deps are the collaborators injected into every command.
type Deps struct {
	Agents  Agents
	Volumes store.VolumeStore

	// Timeout bounds each host command. Zero uses command.DefaultTimeout.
	Timeout time.Duration
}

// Register adds every command to reg.
func Register(reg *dispatch.Registry, deps Deps) {
	reg.Register(CreateVolumeName, func() dispatch.Command { return &CreateVolume{deps: deps} })
	reg.Register(CreateSnapshotName, func() dispatch.Command { return &CreateSnapshot{deps: deps} })
	reg.Register(DeleteVolumeName, func() dispatch.Command { return &DeleteVolume{deps: deps} })
	reg.Register(GetHostStatsName, func() dispatch.Command { return &GetHostStats{deps: deps} })
}

// send dispatches one envelope and turns an unsuccessful answer into a
// structured error.
func (d Deps) send(ctx context.Context, hostID int64, kind command.Kind, params map[string]any) (*command.Answer, error) {
	env := command.New(kind, hostID, d.Timeout, params)
	ans, err := d.Agents.Send(ctx, hostID, env)
	if err != nil {
		return nil, fmt.Errorf("%s on host %d: %w", kind, hostID, err)
	}
	if !ans.Success {
		return nil, apierr.New(apierr.CodeResourceAllocation, "%s on host %d failed: %s", kind, hostID, ans.Details)
	}
	return ans, nil
}

func caller(ctx context.Context) (*auth.Caller, error) {
	c := auth.FromContext(ctx)
	if c == nil {
		return nil, fmt.Errorf("no caller: %w", apierr.ErrPermissionDenied)
	}
	return c, nil
}

// ownedVolume loads a volume the caller may act on.
func (d Deps) ownedVolume(ctx context.Context, c *auth.Caller, id int64) (*store.Volume, error) {
	vol, err := d.Volumes.GetVolume(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeParamError, "volume %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading volume %d: %w", id, err)
	}
	// other accounts' volumes look absent
	if !c.CanAccess(vol.AccountID) {
		return nil, apierr.New(apierr.CodeParamError, "volume %d not found", id)
	}
	return vol, nil
}

func volumeResult(v *store.Volume) *store.JobResult {
	return &store.JobResult{Kind: store.ResultVolume, Data: map[string]any{
		"id":         v.ID,
		"uuid":       v.UUID,
		"name":       v.Name,
		"accountid":  v.AccountID,
		"templateid": v.TemplateID,
		"poolid":     v.PoolID,
		"hostid":     v.HostID,
		"size_gb":    v.SizeGB,
		"state":      string(v.State),
		"path":       v.Path,
	}}
}

func snapshotResult(s *store.Snapshot) *store.JobResult {
	return &store.JobResult{Kind: store.ResultSnapshot, Data: map[string]any{
		"id":        s.ID,
		"uuid":      s.UUID,
		"name":      s.Name,
		"accountid": s.AccountID,
		"volumeid":  s.VolumeID,
		"hostid":    s.HostID,
		"state":     string(s.State),
		"path":      s.Path,
	}}
}
