package cloud

import (
	"context"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/rpc"
	"github.com/wisbric/cumulus/pkg/volume"
)

// CreateVolume provisions a new volume, optionally from a snapshot.
func (c *Controller) CreateVolume(ctx context.Context, rc *auth.RequestContext, sizeGB int64, snapshotID int64, displayName string) (*volume.Volume, error) {
	return c.volumes.Create(ctx, rc, sizeGB, snapshotID, displayName)
}

// DeleteVolume starts volume deletion; missing volumes succeed.
func (c *Controller) DeleteVolume(ctx context.Context, rc *auth.RequestContext, id int64) error {
	return c.volumes.Delete(ctx, id)
}

// AttachVolume binds an available volume to an instance at a device name
// and casts the attach to the hosting compute worker. The volume reaches
// in-use when the worker acks.
func (c *Controller) AttachVolume(ctx context.Context, rc *auth.RequestContext, volumeID, instanceID int64, device string) error {
	inst, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if device == "" {
		return apierr.API("device name is required")
	}

	// No two volumes may share a device on one instance.
	attached, err := c.volumes.ListByInstance(ctx, inst.UUID)
	if err != nil {
		return err
	}
	for _, v := range attached {
		if v.Mountpoint == device && v.ID != volumeID {
			return apierr.API("device %s is already used by %s", device, v.EC2ID())
		}
	}

	if err := c.volumes.BeginAttach(ctx, volumeID, inst.UUID, device); err != nil {
		return err
	}
	if inst.Host == "" {
		return apierr.API("instance %s has no host yet", inst.EC2ID())
	}
	return c.bus.Cast(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
		Method: "attach_volume",
		Args: map[string]any{
			"instance_id": instanceID,
			"volume_id":   volumeID,
			"mountpoint":  device,
		},
	})
}

// DetachVolume unbinds a volume. When the owning instance is gone the
// detach is blind: the record goes straight back to available.
func (c *Controller) DetachVolume(ctx context.Context, rc *auth.RequestContext, volumeID int64) error {
	v, err := c.volumes.Get(ctx, volumeID)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if v.AttachStatus != volume.Attached {
		return nil
	}

	var host string
	if v.InstanceUUID != uuid.Nil {
		if inst, err := c.instanceByUUID(ctx, v); err == nil {
			host = inst.Host
		}
	}
	if host == "" {
		// Blind detach: the instance is gone, force the record clean.
		c.logger.Warn("blind detach: owning instance is gone", "volume_id", volumeID)
		return c.volumes.Detached(ctx, volumeID)
	}

	if err := c.volumes.BeginDetach(ctx, volumeID); err != nil {
		return err
	}
	return c.bus.Cast(ctx, rpc.Dest(TopicCompute, host), rpc.Envelope{
		Method: "detach_volume",
		Args:   map[string]any{"volume_id": volumeID},
	})
}

func (c *Controller) instanceByUUID(ctx context.Context, v *volume.Volume) (*compute.Instance, error) {
	// Volumes reference instances by uuid; resolve through the project
	// listing to avoid a dedicated index on the hot path.
	instances, err := c.instances.ListByProject(ctx, v.ProjectID)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if instances[i].UUID == v.InstanceUUID {
			return &instances[i], nil
		}
	}
	return nil, apierr.NotFound("InvalidInstanceID.NotFound", "instance %s not found", v.InstanceUUID)
}

// CreateSnapshot snapshots a volume.
func (c *Controller) CreateSnapshot(ctx context.Context, rc *auth.RequestContext, volumeID int64, force bool) (*volume.Snapshot, error) {
	return c.volumes.CreateSnapshot(ctx, rc, volumeID, force)
}

// DeleteSnapshot removes a snapshot; missing snapshots succeed.
func (c *Controller) DeleteSnapshot(ctx context.Context, rc *auth.RequestContext, id int64) error {
	return c.volumes.DeleteSnapshot(ctx, id)
}

// ---- addresses ----

// AllocateAddress claims a floating address for the project.
func (c *Controller) AllocateAddress(ctx context.Context, rc *auth.RequestContext) (string, error) {
	fip, err := c.netsvc.AllocateFloatingIP(ctx, rc.ProjectID)
	if err != nil {
		return "", err
	}
	return fip.Address, nil
}

// ReleaseAddress returns a floating address to the pool; releasing an
// unknown address succeeds.
func (c *Controller) ReleaseAddress(ctx context.Context, rc *auth.RequestContext, addr string) error {
	return c.netsvc.ReleaseFloatingIP(ctx, addr)
}

// AssociateAddress NATs a floating address onto an instance's fixed
// address.
func (c *Controller) AssociateAddress(ctx context.Context, rc *auth.RequestContext, addr string, instanceID int64) error {
	inst, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.PrivateIP == "" {
		return apierr.API("instance %s has no fixed address", inst.EC2ID())
	}
	if err := c.netsvc.AssociateFloatingIP(ctx, addr, inst.PrivateIP, rc.ProjectID); err != nil {
		return err
	}
	return c.instances.SetPublicIP(ctx, instanceID, addr)
}

// DisassociateAddress removes the NAT binding and clears the instance's
// public address.
func (c *Controller) DisassociateAddress(ctx context.Context, rc *auth.RequestContext, addr string) error {
	fip, err := c.netsvc.GetFloatingIP(ctx, addr)
	if err != nil {
		return err
	}
	if err := c.netsvc.DisassociateFloatingIP(ctx, addr); err != nil {
		return err
	}
	if fip.FixedAddress != "" {
		if inst, err := c.instances.GetByFixedIP(ctx, fip.FixedAddress); err == nil {
			if err := c.instances.SetPublicIP(ctx, inst.ID, ""); err != nil {
				return err
			}
		}
	}
	return nil
}
