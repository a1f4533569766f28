// Package volume tracks volumes and snapshots through their lifecycle,
// assigns iSCSI target slots on volume hosts, and coordinates the volume
// workers.
package volume

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/pkg/compute"
)

// Volume states.
const (
	StatusCreating      = "creating"
	StatusAvailable     = "available"
	StatusAttaching     = "attaching"
	StatusInUse         = "in-use"
	StatusDetaching     = "detaching"
	StatusDeleting      = "deleting"
	StatusError         = "error"
	StatusErrorDeleting = "error_deleting"
)

// Attach states.
const (
	Attached = "attached"
	Detached = "detached"
)

// Snapshot states.
const (
	SnapCreating  = "creating"
	SnapAvailable = "available"
	SnapDeleting  = "deleting"
	SnapError     = "error"
)

// Volume is the control-plane record of a block volume. The legal
// (Status, AttachStatus, InstanceUUID, Mountpoint) combinations are:
// (available, detached, nil, ""), (attaching, detached, I, M),
// (in-use, attached, I, M), and (detaching, attached, I, M).
type Volume struct {
	ID           int64
	ProjectID    string
	UserID       string
	SizeGB       int64
	Status       string
	AttachStatus string
	Host         string
	InstanceUUID uuid.UUID
	Mountpoint   string
	SnapshotID   int64
	TargetNum    int
	DisplayName  string
	Deleted      bool
	CreatedAt    time.Time
}

// EC2ID renders the external volume identifier.
func (v *Volume) EC2ID() string {
	return compute.FormatEC2ID("vol", v.ID)
}

// Snapshot is a point-in-time copy of a volume.
type Snapshot struct {
	ID           int64
	VolumeID     int64
	ProjectID    string
	UserID       string
	VolumeSizeGB int64
	Status       string
	Progress     string
	Deleted      bool
	CreatedAt    time.Time
}

// EC2ID renders the external snapshot identifier.
func (s *Snapshot) EC2ID() string {
	return compute.FormatEC2ID("snap", s.ID)
}

// Storage is the persistence contract for volumes, snapshots and target
// slots. The production implementation is Store; tests supply a fake.
type Storage interface {
	CreateVolume(ctx context.Context, v *Volume) error
	GetVolume(ctx context.Context, id int64) (*Volume, error)
	ListVolumes(ctx context.Context, projectID string) ([]Volume, error)
	ListVolumesByInstance(ctx context.Context, instanceUUID uuid.UUID) ([]Volume, error)
	SetVolumeStatus(ctx context.Context, id int64, status string) error
	SetVolumeHost(ctx context.Context, id int64, host string, targetNum int) error
	// VolumeAttached is the only transition that sets attach_status to
	// attached.
	VolumeAttached(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error
	// VolumeAttaching records the pending attachment while the worker
	// plumbs the device.
	VolumeAttaching(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error
	// VolumeDetached clears it together with the instance and mountpoint.
	// VolumeAttaching also resets it to detached but keeps both.
	VolumeDetached(ctx context.Context, id int64) error
	MarkVolumeDeleted(ctx context.Context, id int64) error

	CreateSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, id int64) (*Snapshot, error)
	ListSnapshots(ctx context.Context, projectID string) ([]Snapshot, error)
	SetSnapshotStatus(ctx context.Context, id int64, status, progress string) error
	MarkSnapshotDeleted(ctx context.Context, id int64) error
	// CountLiveSnapshots returns the volume's snapshots not in error; a
	// volume with any may not be deleted.
	CountLiveSnapshots(ctx context.Context, volumeID int64) (int, error)

	// EnsureTargets provisions target slots 0..count-1 for a host.
	EnsureTargets(ctx context.Context, host string, count int) error
	// ClaimTarget atomically assigns an unused slot on the host. Returns
	// ErrNoMoreTargets when the host is full.
	ClaimTarget(ctx context.Context, host string, volumeID int64) (int, error)
	ReleaseTarget(ctx context.Context, host string, volumeID int64) error
}
