package volume

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/quota"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// TopicVolume is the RPC topic volume hosts consume.
const TopicVolume = "volume"

// HostLocator finds a live worker host for a topic; implemented by the
// service registry.
type HostLocator interface {
	FirstUpHost(ctx context.Context, topic string) (string, error)
}

// Controller drives the volume and snapshot state machines.
type Controller struct {
	store  Storage
	quota  quota.Engine
	bus    rpc.Bus
	hosts  HostLocator
	logger *slog.Logger
}

// NewController wires the volume controller.
func NewController(store Storage, q quota.Engine, bus rpc.Bus, hosts HostLocator, logger *slog.Logger) *Controller {
	return &Controller{store: store, quota: q, bus: bus, hosts: hosts, logger: logger}
}

// EnsureTargets provisions a volume host's iSCSI target slots; called when
// the host first reports in.
func (c *Controller) EnsureTargets(ctx context.Context, host string, count int) error {
	return c.store.EnsureTargets(ctx, host, count)
}

// Get fetches one volume.
func (c *Controller) Get(ctx context.Context, id int64) (*Volume, error) {
	return c.store.GetVolume(ctx, id)
}

// List returns a project's volumes; empty project lists all.
func (c *Controller) List(ctx context.Context, projectID string) ([]Volume, error) {
	return c.store.ListVolumes(ctx, projectID)
}

// ListByInstance returns the volumes referencing an instance.
func (c *Controller) ListByInstance(ctx context.Context, instanceUUID uuid.UUID) ([]Volume, error) {
	return c.store.ListVolumesByInstance(ctx, instanceUUID)
}

// GetSnapshot fetches one snapshot.
func (c *Controller) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	return c.store.GetSnapshot(ctx, id)
}

// ListSnapshots returns a project's snapshots; empty project lists all.
func (c *Controller) ListSnapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	return c.store.ListSnapshots(ctx, projectID)
}

// StashAttachment parks an attached volume across an instance stop: the
// device is detached but keeps its instance and mountpoint so start can
// re-attach it where it was.
func (c *Controller) StashAttachment(ctx context.Context, id int64) error {
	v, err := c.store.GetVolume(ctx, id)
	if err != nil {
		return err
	}
	if v.AttachStatus != Attached {
		return nil
	}
	return c.store.VolumeAttaching(ctx, id, v.InstanceUUID, v.Mountpoint)
}

// Create reserves quota, assigns a target slot on a live volume host,
// persists the record in creating, and casts the build to the host. The
// quota reservation is rolled back on any failure.
func (c *Controller) Create(ctx context.Context, rc *auth.RequestContext, sizeGB int64, snapshotID int64, displayName string) (*Volume, error) {
	if snapshotID != 0 {
		snap, err := c.store.GetSnapshot(ctx, snapshotID)
		if err != nil {
			return nil, err
		}
		if sizeGB == 0 {
			sizeGB = snap.VolumeSizeGB
		}
		if sizeGB < snap.VolumeSizeGB {
			return nil, apierr.API("volume size %dGB is smaller than snapshot size %dGB",
				sizeGB, snap.VolumeSizeGB)
		}
	}
	if sizeGB <= 0 {
		return nil, apierr.API("volume size must be positive")
	}

	reservation, err := c.quota.Reserve(ctx, rc.ProjectID, map[quota.Resource]int64{
		quota.Volumes:   1,
		quota.Gigabytes: sizeGB,
	})
	if err != nil {
		return nil, err
	}
	rollback := func() {
		if err := c.quota.Rollback(ctx, reservation); err != nil {
			c.logger.Error("rolling back volume quota", "error", err)
		}
	}

	host, err := c.hosts.FirstUpHost(ctx, TopicVolume)
	if err != nil {
		rollback()
		return nil, err
	}

	v := &Volume{
		ProjectID:    rc.ProjectID,
		UserID:       rc.UserID,
		SizeGB:       sizeGB,
		Status:       StatusCreating,
		AttachStatus: Detached,
		Host:         host,
		SnapshotID:   snapshotID,
		TargetNum:    -1,
		DisplayName:  displayName,
	}
	if err := c.store.CreateVolume(ctx, v); err != nil {
		rollback()
		return nil, err
	}

	targetNum, err := c.store.ClaimTarget(ctx, host, v.ID)
	if err != nil {
		if derr := c.store.MarkVolumeDeleted(ctx, v.ID); derr != nil {
			c.logger.Error("discarding volume without target", "volume_id", v.ID, "error", derr)
		}
		rollback()
		return nil, err
	}
	v.TargetNum = targetNum
	if err := c.store.SetVolumeHost(ctx, v.ID, host, targetNum); err != nil {
		if rerr := c.store.ReleaseTarget(ctx, host, v.ID); rerr != nil {
			c.logger.Error("releasing target after failed create", "volume_id", v.ID, "error", rerr)
		}
		rollback()
		return nil, err
	}

	if err := c.bus.Cast(ctx, rpc.Dest(TopicVolume, host), rpc.Envelope{
		Method: "create_volume",
		Args: map[string]any{
			"volume_id":   v.ID,
			"snapshot_id": snapshotID,
			"size_gb":     sizeGB,
			"target_num":  targetNum,
		},
	}); err != nil {
		rollback()
		return nil, err
	}

	if err := c.quota.Commit(ctx, reservation); err != nil {
		c.logger.Error("committing volume quota", "volume_id", v.ID, "error", err)
	}
	return v, nil
}

// Delete starts volume deletion. Deleting a missing volume succeeds; a
// volume with live snapshots or an attachment is refused.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	v, err := c.store.GetVolume(ctx, id)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if v.AttachStatus == Attached || v.Status == StatusInUse {
		return apierr.API("volume %s is attached; detach it first", v.EC2ID())
	}
	if v.Status != StatusAvailable && v.Status != StatusError {
		return apierr.API("volume %s is %s; it cannot be deleted now", v.EC2ID(), v.Status)
	}
	n, err := c.store.CountLiveSnapshots(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apierr.API("volume %s has %d snapshots; delete them first", v.EC2ID(), n)
	}

	if err := c.store.SetVolumeStatus(ctx, id, StatusDeleting); err != nil {
		return err
	}
	return c.bus.Cast(ctx, rpc.Dest(TopicVolume, v.Host), rpc.Envelope{
		Method: "delete_volume",
		Args:   map[string]any{"volume_id": id},
	})
}

// ---- worker status reports ----

// Created records the volume host's build ack.
func (c *Controller) Created(ctx context.Context, id int64) error {
	return c.store.SetVolumeStatus(ctx, id, StatusAvailable)
}

// CreateFailed records a permanent build failure.
func (c *Controller) CreateFailed(ctx context.Context, id int64) error {
	return c.store.SetVolumeStatus(ctx, id, StatusError)
}

// Deleted finalizes deletion: the target slot returns to the pool and the
// quota is released.
func (c *Controller) Deleted(ctx context.Context, id int64) error {
	v, err := c.store.GetVolume(ctx, id)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := c.store.ReleaseTarget(ctx, v.Host, id); err != nil {
		return err
	}
	if err := c.store.MarkVolumeDeleted(ctx, id); err != nil {
		return err
	}
	if err := c.quota.Release(ctx, v.ProjectID, map[quota.Resource]int64{
		quota.Volumes:   1,
		quota.Gigabytes: v.SizeGB,
	}); err != nil {
		c.logger.Error("releasing volume quota", "volume_id", id, "error", err)
	}
	return nil
}

// DeleteBusy handles the driver's busy report: the volume stays available
// (never error) so the operator can retry.
func (c *Controller) DeleteBusy(ctx context.Context, id int64) error {
	c.logger.Warn("volume busy, leaving available for retry", "volume_id", id)
	return c.store.SetVolumeStatus(ctx, id, StatusAvailable)
}

// ---- attachment transitions ----

// BeginAttach moves an available volume to attaching with its pending
// instance and mountpoint.
func (c *Controller) BeginAttach(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error {
	v, err := c.store.GetVolume(ctx, id)
	if err != nil {
		return err
	}
	if v.Status != StatusAvailable {
		return apierr.API("volume %s is %s, not available", v.EC2ID(), v.Status)
	}
	return c.store.VolumeAttaching(ctx, id, instanceUUID, mountpoint)
}

// Attached records the compute host's attach ack.
func (c *Controller) Attached(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error {
	return c.store.VolumeAttached(ctx, id, instanceUUID, mountpoint)
}

// BeginDetach moves an in-use volume to detaching.
func (c *Controller) BeginDetach(ctx context.Context, id int64) error {
	v, err := c.store.GetVolume(ctx, id)
	if err != nil {
		return err
	}
	if v.Status != StatusInUse {
		return apierr.API("volume %s is %s, not in-use", v.EC2ID(), v.Status)
	}
	return c.store.SetVolumeStatus(ctx, id, StatusDetaching)
}

// Detached records the detach completion, returning the volume to
// (available, detached, none, none).
func (c *Controller) Detached(ctx context.Context, id int64) error {
	return c.store.VolumeDetached(ctx, id)
}

// ---- snapshots ----

// CreateSnapshot persists a snapshot record in creating and casts the work
// to the volume's host. Without force the volume must be available.
func (c *Controller) CreateSnapshot(ctx context.Context, rc *auth.RequestContext, volumeID int64, force bool) (*Snapshot, error) {
	v, err := c.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if !force && v.Status != StatusAvailable {
		return nil, apierr.API("volume %s is %s; use force to snapshot anyway", v.EC2ID(), v.Status)
	}

	snap := &Snapshot{
		VolumeID:     volumeID,
		ProjectID:    rc.ProjectID,
		UserID:       rc.UserID,
		VolumeSizeGB: v.SizeGB,
		Status:       SnapCreating,
		Progress:     "0%",
	}
	if err := c.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if err := c.bus.Cast(ctx, rpc.Dest(TopicVolume, v.Host), rpc.Envelope{
		Method: "create_snapshot",
		Args:   map[string]any{"snapshot_id": snap.ID, "volume_id": volumeID},
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

// DeleteSnapshot starts snapshot deletion; deleting a missing snapshot
// succeeds.
func (c *Controller) DeleteSnapshot(ctx context.Context, id int64) error {
	snap, err := c.store.GetSnapshot(ctx, id)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if snap.Status != SnapAvailable && snap.Status != SnapError {
		return apierr.API("snapshot %s is %s; it cannot be deleted now", snap.EC2ID(), snap.Status)
	}
	v, err := c.store.GetVolume(ctx, snap.VolumeID)
	if err != nil {
		return err
	}
	if err := c.store.SetSnapshotStatus(ctx, id, SnapDeleting, ""); err != nil {
		return err
	}
	return c.bus.Cast(ctx, rpc.Dest(TopicVolume, v.Host), rpc.Envelope{
		Method: "delete_snapshot",
		Args:   map[string]any{"snapshot_id": id},
	})
}

// SnapshotCreated records the worker's completion report.
func (c *Controller) SnapshotCreated(ctx context.Context, id int64) error {
	return c.store.SetSnapshotStatus(ctx, id, SnapAvailable, "100%")
}

// SnapshotFailed records a permanent snapshot failure.
func (c *Controller) SnapshotFailed(ctx context.Context, id int64) error {
	return c.store.SetSnapshotStatus(ctx, id, SnapError, "")
}

// SnapshotDeleted finalizes snapshot deletion.
func (c *Controller) SnapshotDeleted(ctx context.Context, id int64) error {
	return c.store.MarkSnapshotDeleted(ctx, id)
}

// SnapshotDeleteBusy handles the driver's busy report; the snapshot stays
// available for a later retry.
func (c *Controller) SnapshotDeleteBusy(ctx context.Context, id int64) error {
	c.logger.Warn("snapshot busy, leaving available for retry", "snapshot_id", id)
	return c.store.SetSnapshotStatus(ctx, id, SnapAvailable, "100%")
}
