package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/internal/telemetry"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/image"
	"github.com/wisbric/cumulus/pkg/quota"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// RunInstancesInput carries the validated RunInstances parameters.
type RunInstancesInput struct {
	ImageID            string `validate:"required"`
	MinCount           int    `validate:"gte=0,lte=1000"`
	MaxCount           int    `validate:"gte=0,lte=1000"`
	InstanceType       string `validate:"omitempty,oneof=m1.tiny m1.small m1.medium m1.large m1.xlarge"`
	KeyName            string
	SecurityGroups     []string
	UserData           string
	KernelID           string
	RamdiskID          string
	DisplayName        string
	BlockDeviceMapping []BDMInput
}

// BDMInput is one requested block-device mapping.
type BDMInput struct {
	DeviceName          string
	SnapshotID          int64
	VolumeSize          int64
	DeleteOnTermination bool
	VirtualName         string
	NoDevice            bool
}

// Reservation is the result of RunInstances.
type Reservation struct {
	ReservationID string
	OwnerID       string
	Groups        []string
	Instances     []compute.Instance
}

// RunInstances validates the image, reserves quota for the whole batch,
// persists each instance in scheduling with its network identity, and casts
// the builds to the compute topic for the scheduler to place.
func (c *Controller) RunInstances(ctx context.Context, rc *auth.RequestContext, in RunInstancesInput) (*Reservation, error) {
	img, err := c.images.Get(ctx, rc, in.ImageID)
	if err != nil {
		return nil, err
	}
	if img.State != image.StateAvailable {
		return nil, apierr.API("image %s is not available for launch", in.ImageID)
	}
	// Request overrides win over image metadata.
	kernelID := img.KernelID
	if in.KernelID != "" {
		kernelID = in.KernelID
	}
	ramdiskID := img.RamdiskID
	if in.RamdiskID != "" {
		ramdiskID = in.RamdiskID
	}

	if in.MaxCount < 1 {
		in.MaxCount = 1
	}
	if in.MinCount < 1 {
		in.MinCount = 1
	}
	if in.MinCount > in.MaxCount {
		return nil, apierr.API("min count %d exceeds max count %d", in.MinCount, in.MaxCount)
	}
	if in.InstanceType == "" {
		in.InstanceType = "m1.small"
	}
	itype, ok := compute.InstanceTypes[in.InstanceType]
	if !ok {
		return nil, apierr.API("unknown instance type %s", in.InstanceType)
	}

	var keyData string
	if in.KeyName != "" {
		kp, err := c.identity.GetKeyPair(ctx, rc.UserID, in.KeyName)
		if err != nil {
			if apierr.IsNotFound(err) {
				return nil, apierr.API("key pair %s not found", in.KeyName)
			}
			return nil, err
		}
		keyData = kp.PublicKey
	}

	groupIDs, groupNames, err := c.resolveGroups(ctx, rc.ProjectID, in.SecurityGroups)
	if err != nil {
		return nil, err
	}

	count := int64(in.MaxCount)
	reservation, err := c.quota.Reserve(ctx, rc.ProjectID, map[quota.Resource]int64{
		quota.Instances: count,
		quota.Cores:     count * itype.VCPUs,
		quota.RAMMB:     count * itype.MemoryMB,
	})
	if err != nil {
		return nil, err
	}
	rollback := func() {
		if err := c.quota.Rollback(ctx, reservation); err != nil {
			c.logger.Error("rolling back instance quota", "error", err)
		}
	}

	reservationID := newReservationID()
	launchTime := time.Now().UTC()
	vpn := in.ImageID == c.settings.VPNImageID

	for i := 0; i < in.MaxCount; i++ {
		inst := &compute.Instance{
			ProjectID:        rc.ProjectID,
			UserID:           rc.UserID,
			ImageRef:         in.ImageID,
			KernelRef:        kernelID,
			RamdiskRef:       ramdiskID,
			InstanceType:     itype.Name,
			ReservationID:    reservationID,
			LaunchTime:       launchTime,
			LaunchIndex:      i,
			State:            compute.StatePending,
			MAC:              newMAC(),
			KeyName:          in.KeyName,
			KeyData:          keyData,
			UserData:         in.UserData,
			RootDeviceName:   "/dev/sda1",
			DisplayName:      in.DisplayName,
			AvailabilityZone: c.settings.AvailabilityZone,
		}
		if err := c.instances.Create(ctx, inst); err != nil {
			rollback()
			return nil, err
		}

		ip, _, err := c.netsvc.AllocateFixedIP(ctx, rc.ProjectID, inst.ID, vpn)
		if err != nil {
			rollback()
			return nil, err
		}
		if err := c.instances.SetPrivateIP(ctx, inst.ID, ip.Address); err != nil {
			rollback()
			return nil, err
		}
		if err := c.instances.BindSecurityGroups(ctx, inst.ID, groupIDs); err != nil {
			rollback()
			return nil, err
		}
		for _, bdm := range in.BlockDeviceMapping {
			source := compute.SourceBlank
			switch {
			case bdm.NoDevice:
				source = compute.SourceNoDevice
			case bdm.SnapshotID != 0:
				source = compute.SourceSnapshot
			case bdm.VirtualName != "":
				source = compute.SourceEphemeral
			}
			if err := c.instances.CreateBDM(ctx, &compute.BlockDeviceMapping{
				InstanceID:          inst.ID,
				DeviceName:          bdm.DeviceName,
				Source:              source,
				SizeGB:              bdm.VolumeSize,
				DeleteOnTermination: bdm.DeleteOnTermination,
				VirtualName:         bdm.VirtualName,
				SnapshotID:          bdm.SnapshotID,
			}); err != nil {
				rollback()
				return nil, err
			}
		}

		if err := c.instances.SetState(ctx, inst.ID, compute.StateScheduling, ""); err != nil {
			rollback()
			return nil, err
		}
		if err := c.bus.Cast(ctx, TopicCompute, rpc.Envelope{
			Method: "run_instance",
			Args:   map[string]any{"instance_id": inst.ID},
		}); err != nil {
			rollback()
			return nil, err
		}
		telemetry.InstancesLaunchedTotal.Inc()
	}

	if err := c.quota.Commit(ctx, reservation); err != nil {
		c.logger.Error("committing instance quota", "reservation", reservationID, "error", err)
	}

	instances, err := c.instances.ListByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return &Reservation{
		ReservationID: reservationID,
		OwnerID:       rc.ProjectID,
		Groups:        groupNames,
		Instances:     instances,
	}, nil
}

// resolveGroups maps requested group names to ids, defaulting to the
// project's default group.
func (c *Controller) resolveGroups(ctx context.Context, projectID string, names []string) ([]int64, []string, error) {
	if len(names) == 0 {
		g, err := c.groups.EnsureDefaultGroup(ctx, projectID)
		if err != nil {
			return nil, nil, err
		}
		return []int64{g.ID}, []string{g.Name}, nil
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		g, err := c.groups.GetGroupByName(ctx, projectID, name)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, g.ID)
	}
	return ids, names, nil
}

// StateChange reports one instance's transition for terminate-style verbs.
type StateChange struct {
	InstanceID    string
	PreviousState string
	CurrentState  string
}

// TerminateInstances tears the listed instances down: floating addresses
// are disassociated best-effort, fixed addresses deallocated, owned volumes
// detached (and deleted when delete-on-termination), and the hosting worker
// told to destroy the domain. Instances never placed on a host are deleted
// directly. Missing ids are skipped with a warning.
func (c *Controller) TerminateInstances(ctx context.Context, rc *auth.RequestContext, ids []int64) ([]StateChange, error) {
	var changes []StateChange
	for _, id := range ids {
		inst, err := c.instances.Get(ctx, id)
		if err != nil {
			if apierr.IsNotFound(err) {
				c.logger.Warn("terminate: instance not found, skipping",
					"instance_id", compute.FormatEC2ID("i", id))
				continue
			}
			return nil, err
		}
		prev := inst.State

		if inst.PublicIP != "" {
			if err := c.netsvc.DisassociateFloatingIP(ctx, inst.PublicIP); err != nil {
				c.logger.Warn("terminate: disassociating floating ip",
					"address", inst.PublicIP, "error", err)
			}
			if err := c.instances.SetPublicIP(ctx, id, ""); err != nil {
				return nil, err
			}
		}
		if inst.PrivateIP != "" {
			if err := c.netsvc.DeallocateFixedIP(ctx, inst.PrivateIP); err != nil {
				c.logger.Warn("terminate: deallocating fixed ip",
					"address", inst.PrivateIP, "error", err)
			}
		}

		if err := c.releaseVolumes(ctx, inst); err != nil {
			return nil, err
		}

		current := compute.StateTerminating
		if inst.Host != "" {
			if err := c.instances.SetState(ctx, id, compute.StateTerminating, ""); err != nil {
				return nil, err
			}
			if err := c.bus.Cast(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
				Method: "terminate_instance",
				Args:   map[string]any{"instance_id": id},
			}); err != nil {
				return nil, err
			}
		} else {
			// Never scheduled onto a host: nothing to tear down remotely.
			if err := c.instances.MarkDeleted(ctx, id); err != nil {
				return nil, err
			}
			c.releaseInstanceQuota(ctx, inst)
			current = compute.StateDeleted
		}

		changes = append(changes, StateChange{
			InstanceID:    inst.EC2ID(),
			PreviousState: prev,
			CurrentState:  current,
		})
	}
	return changes, nil
}

// releaseVolumes detaches the instance's volumes and deletes the ones
// marked delete-on-termination.
func (c *Controller) releaseVolumes(ctx context.Context, inst *compute.Instance) error {
	bdms, err := c.instances.ListBDMs(ctx, inst.ID)
	if err != nil {
		return err
	}
	deleteOnTermination := make(map[int64]bool)
	for _, bdm := range bdms {
		if bdm.VolumeID != 0 {
			deleteOnTermination[bdm.VolumeID] = bdm.DeleteOnTermination
		}
	}

	vols, err := c.volumes.ListByInstance(ctx, inst.UUID)
	if err != nil {
		return err
	}
	for _, v := range vols {
		if err := c.volumes.Detached(ctx, v.ID); err != nil {
			c.logger.Warn("terminate: detaching volume", "volume_id", v.ID, "error", err)
			continue
		}
		if deleteOnTermination[v.ID] {
			if err := c.volumes.Delete(ctx, v.ID); err != nil {
				c.logger.Warn("terminate: deleting volume", "volume_id", v.ID, "error", err)
			}
		}
	}
	return c.instances.DeleteBDMs(ctx, inst.ID)
}

// releaseInstanceQuota returns an instance's committed quota.
func (c *Controller) releaseInstanceQuota(ctx context.Context, inst *compute.Instance) {
	itype, ok := compute.InstanceTypes[inst.InstanceType]
	if !ok {
		return
	}
	if err := c.quota.Release(ctx, inst.ProjectID, map[quota.Resource]int64{
		quota.Instances: 1,
		quota.Cores:     itype.VCPUs,
		quota.RAMMB:     itype.MemoryMB,
	}); err != nil {
		c.logger.Error("releasing instance quota", "instance_id", inst.ID, "error", err)
	}
}

// RebootInstances casts a reboot to each listed instance that is running.
// The verb is idempotent: instances in other states are left alone.
func (c *Controller) RebootInstances(ctx context.Context, rc *auth.RequestContext, ids []int64) error {
	for _, id := range ids {
		inst, err := c.instances.Get(ctx, id)
		if err != nil {
			if apierr.IsNotFound(err) {
				continue
			}
			return err
		}
		if inst.State != compute.StateRunning || inst.Host == "" {
			continue
		}
		if err := c.bus.Cast(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
			Method: "reboot_instance",
			Args:   map[string]any{"instance_id": id},
		}); err != nil {
			return err
		}
	}
	return nil
}

// StopInstances stops running instances. Attached volumes keep their
// instance and mountpoint so StartInstances can restore them.
func (c *Controller) StopInstances(ctx context.Context, rc *auth.RequestContext, ids []int64) ([]StateChange, error) {
	var changes []StateChange
	for _, id := range ids {
		inst, err := c.instances.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.State != compute.StateRunning {
			return nil, apierr.API("instance %s is %s; stop is only legal from running",
				inst.EC2ID(), inst.State)
		}
		if err := c.instances.SetState(ctx, id, compute.StateStopping, ""); err != nil {
			return nil, err
		}
		vols, err := c.volumes.ListByInstance(ctx, inst.UUID)
		if err != nil {
			return nil, err
		}
		for _, v := range vols {
			if err := c.volumes.StashAttachment(ctx, v.ID); err != nil {
				return nil, err
			}
		}
		if err := c.bus.Cast(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
			Method: "stop_instance",
			Args:   map[string]any{"instance_id": id},
		}); err != nil {
			return nil, err
		}
		changes = append(changes, StateChange{
			InstanceID:    inst.EC2ID(),
			PreviousState: compute.StateRunning,
			CurrentState:  compute.StateStopping,
		})
	}
	return changes, nil
}

// StartInstances starts stopped instances, re-attaching their parked
// volumes at the original mountpoints.
func (c *Controller) StartInstances(ctx context.Context, rc *auth.RequestContext, ids []int64) ([]StateChange, error) {
	var changes []StateChange
	for _, id := range ids {
		inst, err := c.instances.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.State != compute.StateStopped {
			return nil, apierr.API("instance %s is %s; start is only legal from stopped",
				inst.EC2ID(), inst.State)
		}
		if err := c.instances.SetState(ctx, id, compute.StateStarting, ""); err != nil {
			return nil, err
		}
		if err := c.bus.Cast(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
			Method: "start_instance",
			Args:   map[string]any{"instance_id": id},
		}); err != nil {
			return nil, err
		}

		vols, err := c.volumes.ListByInstance(ctx, inst.UUID)
		if err != nil {
			return nil, err
		}
		for _, v := range vols {
			if v.Mountpoint == "" {
				continue
			}
			if err := c.bus.Cast(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
				Method: "attach_volume",
				Args: map[string]any{
					"instance_id": id,
					"volume_id":   v.ID,
					"mountpoint":  v.Mountpoint,
				},
			}); err != nil {
				return nil, err
			}
		}
		changes = append(changes, StateChange{
			InstanceID:    inst.EC2ID(),
			PreviousState: compute.StateStopped,
			CurrentState:  compute.StateStarting,
		})
	}
	return changes, nil
}

// GetConsoleOutput fetches the console log from the hosting worker.
func (c *Controller) GetConsoleOutput(ctx context.Context, rc *auth.RequestContext, id int64) (string, error) {
	inst, err := c.instances.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if inst.Host == "" {
		return "", apierr.API("instance %s has no host yet", inst.EC2ID())
	}
	raw, err := c.bus.Call(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
		Method: "get_console_output",
		Args:   map[string]any{"instance_id": id},
	})
	if err != nil {
		return "", err
	}
	var output string
	if err := json.Unmarshal(raw, &output); err != nil {
		return "", fmt.Errorf("decoding console output: %w", err)
	}
	return output, nil
}

// GetPasswordData fetches the encrypted admin password from the hosting
// worker.
func (c *Controller) GetPasswordData(ctx context.Context, rc *auth.RequestContext, id int64) (string, error) {
	inst, err := c.instances.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if inst.Host == "" {
		return "", apierr.API("instance %s has no host yet", inst.EC2ID())
	}
	raw, err := c.bus.Call(ctx, rpc.Dest(TopicCompute, inst.Host), rpc.Envelope{
		Method: "get_password_data",
		Args:   map[string]any{"instance_id": id},
	})
	if err != nil {
		return "", err
	}
	var data string
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decoding password data: %w", err)
	}
	return data, nil
}
