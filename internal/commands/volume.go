// ABOUTME: Volume commands: create from template or blank, and delete.
// ABOUTME: Creation allocates the volume row up front and provisions it on the pool's host.

package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/dispatch"
	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

// CreateVolume provisions a volume on a storage pool, optionally from a
// template.
type CreateVolume struct {
	Name       string `json:"name"`
	TemplateID int64  `json:"template_id,omitempty"`
	PoolID     int64  `json:"pool_id"`
	SizeGB     int64  `json:"size_gb,omitempty"`

	// VolumeID is set by Allocate and carried to the job.
	VolumeID int64 `json:"volume_id,omitempty"`

	deps Deps
}

var (
	_ dispatch.Command   = (*CreateVolume)(nil)
	_ dispatch.Allocator = (*CreateVolume)(nil)
)

func (c *CreateVolume) Validate() error {
	if c.Name == "" {
		return apierr.New(apierr.CodeParamError, "name is required")
	}
	if c.PoolID <= 0 {
		return apierr.New(apierr.CodeParamError, "pool_id is required")
	}
	if c.SizeGB < 0 {
		return apierr.New(apierr.CodeParamError, "size_gb must not be negative")
	}
	if c.TemplateID == 0 && c.SizeGB == 0 {
		return apierr.New(apierr.CodeParamError, "either template_id or size_gb is required")
	}
	return nil
}

// Allocate records the volume in the allocated state so its id is known
// before the job runs.
func (c *CreateVolume) Allocate(ctx context.Context) (string, int64, error) {
	cl, err := caller(ctx)
	if err != nil {
		return "", 0, err
	}

	pool, err := c.deps.Volumes.GetStoragePool(ctx, c.PoolID)
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, apierr.New(apierr.CodeParamError, "storage pool %d not found", c.PoolID)
	}
	if err != nil {
		return "", 0, fmt.Errorf("loading storage pool %d: %w", c.PoolID, err)
	}

	size := c.SizeGB
	if c.TemplateID != 0 {
		tmpl, err := c.deps.Volumes.GetTemplate(ctx, c.TemplateID)
		if errors.Is(err, store.ErrNotFound) {
			return "", 0, apierr.New(apierr.CodeParamError, "template %d not found", c.TemplateID)
		}
		if err != nil {
			return "", 0, fmt.Errorf("loading template %d: %w", c.TemplateID, err)
		}
		if size < tmpl.SizeGB {
			size = tmpl.SizeGB
		}
	}
	if pool.CapacityGB > 0 && size > pool.CapacityGB {
		return "", 0, apierr.New(apierr.CodeResourceAllocation, "volume of %d GB exceeds pool %s capacity", size, pool.Name)
	}

	vol := &store.Volume{
		UUID:       uuid.NewString(),
		Name:       c.Name,
		AccountID:  cl.AccountID,
		TemplateID: c.TemplateID,
		PoolID:     pool.ID,
		HostID:     pool.HostID,
		SizeGB:     size,
		State:      store.VolumeAllocated,
	}
	if err := c.deps.Volumes.CreateVolume(ctx, vol); err != nil {
		return "", 0, fmt.Errorf("allocating volume: %w", err)
	}
	c.VolumeID = vol.ID
	return InstanceVolume, vol.ID, nil
}

func (c *CreateVolume) AllocatedID() int64 { return c.VolumeID }

// Rollback removes the allocated volume.
func (c *CreateVolume) Rollback(ctx context.Context) error {
	if c.VolumeID == 0 {
		return nil
	}
	return c.deps.Volumes.DeleteVolume(ctx, c.VolumeID)
}

func (c *CreateVolume) Execute(ctx context.Context) (*job.Result, error) {
	cl, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if c.VolumeID == 0 {
		if _, _, err := c.Allocate(ctx); err != nil {
			return nil, err
		}
	}
	dispatch.ReportProgress(ctx, progressAllocated)

	vol, err := c.deps.ownedVolume(ctx, cl, c.VolumeID)
	if err != nil {
		return nil, err
	}
	if vol.State != store.VolumeAllocated {
		return nil, apierr.New(apierr.CodeParamError, "volume %d is %s", vol.ID, vol.State)
	}

	dispatch.ReportProgress(ctx, progressSent)
	ans, err := c.deps.send(ctx, vol.HostID, command.KindCreateVolume, map[string]any{
		"volume_uuid": vol.UUID,
		"pool_id":     vol.PoolID,
		"template_id": vol.TemplateID,
		"size_gb":     vol.SizeGB,
	})
	if err != nil {
		vol.State = store.VolumeError
		if uerr := c.deps.Volumes.UpdateVolume(context.WithoutCancel(ctx), vol); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		return nil, err
	}

	vol.State = store.VolumeReady
	vol.Path = command.String(ans.Result, "path")
	if size := command.Int64(ans.Result, "size_gb"); size > 0 {
		vol.SizeGB = size
	}
	if err := c.deps.Volumes.UpdateVolume(ctx, vol); err != nil {
		return nil, fmt.Errorf("recording volume %d: %w", vol.ID, err)
	}
	return volumeResult(vol), nil
}

// DeleteVolume destroys a volume on its host and marks it destroyed.
type DeleteVolume struct {
	VolumeID int64 `json:"volume_id"`

	deps Deps
}

var _ dispatch.Targeted = (*DeleteVolume)(nil)

func (c *DeleteVolume) Validate() error {
	if c.VolumeID <= 0 {
		return apierr.New(apierr.CodeParamError, "volume_id is required")
	}
	return nil
}

func (c *DeleteVolume) Instance() (string, int64) {
	return InstanceVolume, c.VolumeID
}

func (c *DeleteVolume) Execute(ctx context.Context) (*job.Result, error) {
	cl, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	vol, err := c.deps.ownedVolume(ctx, cl, c.VolumeID)
	if err != nil {
		return nil, err
	}
	if vol.State == store.VolumeDestroyed {
		return &job.Result{Kind: store.ResultSuccess, Data: map[string]any{"success": true}}, nil
	}

	// only volumes that reached the host have anything to destroy there
	if vol.Path != "" {
		if _, err := c.deps.send(ctx, vol.HostID, command.KindDestroyVolume, map[string]any{
			"volume_uuid": vol.UUID,
			"path":        vol.Path,
		}); err != nil {
			return nil, err
		}
	}

	vol.State = store.VolumeDestroyed
	if err := c.deps.Volumes.UpdateVolume(ctx, vol); err != nil {
		return nil, fmt.Errorf("recording volume %d: %w", vol.ID, err)
	}
	return &job.Result{Kind: store.ResultSuccess, Data: map[string]any{"success": true}}, nil
}
