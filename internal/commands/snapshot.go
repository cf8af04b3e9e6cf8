// ABOUTME: Snapshot creation, limited per host by the snapshot concurrency class.

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

// CreateSnapshot takes a point-in-time copy of a ready volume.
type CreateSnapshot struct {
	VolumeID int64  `json:"volume_id"`
	Name     string `json:"name,omitempty"`

	// SnapshotID is set by Allocate and carried to the job.
	SnapshotID int64 `json:"snapshot_id,omitempty"`

	deps Deps
}

var (
	_ dispatch.Allocator = (*CreateSnapshot)(nil)
	_ dispatch.Limited   = (*CreateSnapshot)(nil)
)

func (c *CreateSnapshot) Validate() error {
	if c.VolumeID <= 0 {
		return apierr.New(apierr.CodeParamError, "volume_id is required")
	}
	return nil
}

// Resource names the snapshot token of the volume's host.
func (c *CreateSnapshot) Resource(ctx context.Context) (*job.ResourceKey, error) {
	cl, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	vol, err := c.deps.ownedVolume(ctx, cl, c.VolumeID)
	if err != nil {
		return nil, err
	}
	return &job.ResourceKey{HostID: vol.HostID, Class: ClassSnapshot}, nil
}

// Allocate records the snapshot in the allocated state.
func (c *CreateSnapshot) Allocate(ctx context.Context) (string, int64, error) {
	cl, err := caller(ctx)
	if err != nil {
		return "", 0, err
	}
	vol, err := c.deps.ownedVolume(ctx, cl, c.VolumeID)
	if err != nil {
		return "", 0, err
	}
	if vol.State != store.VolumeReady {
		return "", 0, apierr.New(apierr.CodeParamError, "volume %d is %s, not ready", vol.ID, vol.State)
	}

	name := c.Name
	if name == "" {
		name = vol.Name + "-snap"
	}
	snap := &store.Snapshot{
		UUID:      uuid.NewString(),
		Name:      name,
		AccountID: vol.AccountID,
		VolumeID:  vol.ID,
		HostID:    vol.HostID,
		State:     store.VolumeAllocated,
	}
	if err := c.deps.Volumes.CreateSnapshot(ctx, snap); err != nil {
		return "", 0, fmt.Errorf("allocating snapshot: %w", err)
	}
	c.SnapshotID = snap.ID
	return InstanceSnapshot, snap.ID, nil
}

func (c *CreateSnapshot) AllocatedID() int64 { return c.SnapshotID }

// Rollback removes the allocated snapshot.
func (c *CreateSnapshot) Rollback(ctx context.Context) error {
	if c.SnapshotID == 0 {
		return nil
	}
	return c.deps.Volumes.DeleteSnapshot(ctx, c.SnapshotID)
}

func (c *CreateSnapshot) Execute(ctx context.Context) (*job.Result, error) {
	cl, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if c.SnapshotID == 0 {
		if _, _, err := c.Allocate(ctx); err != nil {
			return nil, err
		}
	}
	dispatch.ReportProgress(ctx, progressAllocated)

	snap, err := c.deps.Volumes.GetSnapshot(ctx, c.SnapshotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeParamError, "snapshot %d not found", c.SnapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %d: %w", c.SnapshotID, err)
	}
	if snap.VolumeID != c.VolumeID {
		return nil, apierr.New(apierr.CodeParamError, "snapshot %d does not belong to volume %d", snap.ID, c.VolumeID)
	}
	vol, err := c.deps.ownedVolume(ctx, cl, snap.VolumeID)
	if err != nil {
		return nil, err
	}
	if snap.State != store.VolumeAllocated {
		return nil, apierr.New(apierr.CodeParamError, "snapshot %d is %s", snap.ID, snap.State)
	}

	dispatch.ReportProgress(ctx, progressSent)
	ans, err := c.deps.send(ctx, snap.HostID, command.KindCreateSnapshot, map[string]any{
		"snapshot_uuid": snap.UUID,
		"volume_uuid":   vol.UUID,
		"volume_path":   vol.Path,
	})
	if err != nil {
		snap.State = store.VolumeError
		if uerr := c.deps.Volumes.UpdateSnapshot(context.WithoutCancel(ctx), snap); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		return nil, err
	}

	snap.State = store.VolumeReady
	snap.Path = command.String(ans.Result, "path")
	if err := c.deps.Volumes.UpdateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("recording snapshot %d: %w", snap.ID, err)
	}
	return snapshotResult(snap), nil
}
