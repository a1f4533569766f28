// Package compute holds the authoritative instance records and their
// lifecycle state machine. The hypervisor drivers live on the compute
// hosts; this package only tracks what the control plane knows.
package compute

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Instance states.
const (
	StatePending     = "pending"
	StateScheduling  = "scheduling"
	StateNetworking  = "networking"
	StateBuilding    = "building"
	StateRunning     = "running"
	StateRebooting   = "rebooting"
	StateStopping    = "stopping"
	StateStopped     = "stopped"
	StateStarting    = "starting"
	StateRescued     = "rescued"
	StateTerminating = "terminating"
	StateDeleted     = "deleted"
	StateError       = "error"
)

// Instance is the control-plane record of a virtual machine.
type Instance struct {
	ID               int64
	UUID             uuid.UUID
	ProjectID        string
	UserID           string
	ImageRef         string
	KernelRef        string
	RamdiskRef       string
	InstanceType     string
	ReservationID    string
	LaunchTime       time.Time
	LaunchIndex      int
	State            string
	StateDescription string
	Host             string
	MAC              string
	PrivateIP        string
	PublicIP         string
	KeyName          string
	KeyData          string
	UserData         string
	RootDeviceName   string
	DisplayName      string
	AvailabilityZone string
	SecurityGroupIDs []int64
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EC2ID renders the external instance identifier.
func (i *Instance) EC2ID() string {
	return FormatEC2ID("i", i.ID)
}

// BlockDeviceMapping source kinds.
const (
	SourceSnapshot  = "snapshot"
	SourceVolume    = "volume"
	SourceBlank     = "blank"
	SourceEphemeral = "ephemeral"
	SourceSwap      = "swap"
	SourceNoDevice  = "no_device"
)

// BlockDeviceMapping attaches a block device source to a device name on one
// instance. The instance exclusively owns its mappings.
type BlockDeviceMapping struct {
	ID                  int64
	InstanceID          int64
	DeviceName          string
	Source              string
	SizeGB              int64
	DeleteOnTermination bool
	VirtualName         string
	SnapshotID          int64
	VolumeID            int64
}

// InstanceType describes the resource shape of a flavor.
type InstanceType struct {
	Name     string
	VCPUs    int64
	MemoryMB int64
	DiskGB   int64
}

// InstanceTypes is the closed flavor set.
var InstanceTypes = map[string]InstanceType{
	"m1.tiny":   {Name: "m1.tiny", VCPUs: 1, MemoryMB: 512, DiskGB: 0},
	"m1.small":  {Name: "m1.small", VCPUs: 1, MemoryMB: 2048, DiskGB: 20},
	"m1.medium": {Name: "m1.medium", VCPUs: 2, MemoryMB: 4096, DiskGB: 40},
	"m1.large":  {Name: "m1.large", VCPUs: 4, MemoryMB: 8192, DiskGB: 80},
	"m1.xlarge": {Name: "m1.xlarge", VCPUs: 8, MemoryMB: 16384, DiskGB: 160},
}

// transitions lists the allowed state moves initiated by workers or the
// controller. Terminating and error are reachable from anywhere.
var transitions = map[string][]string{
	StatePending:    {StateScheduling},
	StateScheduling: {StateNetworking, StateBuilding, StateRunning},
	StateNetworking: {StateBuilding},
	StateBuilding:   {StateRunning},
	StateRunning:    {StateRebooting, StateStopping, StateRescued},
	StateRebooting:  {StateRunning},
	StateStopping:   {StateStopped},
	StateStopped:    {StateStarting},
	StateStarting:   {StateRunning},
	StateRescued:    {StateRunning},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch to {
	case StateTerminating, StateError:
		// error is terminal unless an admin resets it; terminating is
		// reachable from every live state.
		return from != StateDeleted
	case StateDeleted:
		return from == StateTerminating
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FormatEC2ID renders an integer id in EC2 form, e.g. i-00000001.
func FormatEC2ID(prefix string, id int64) string {
	return fmt.Sprintf("%s-%08x", prefix, id)
}

// ParseEC2ID extracts the integer id from an EC2 identifier, accepting any
// prefix ("i-", "vol-", "snap-").
func ParseEC2ID(ec2ID string) (int64, error) {
	_, hexPart, ok := strings.Cut(ec2ID, "-")
	if !ok {
		return 0, fmt.Errorf("malformed id %q", ec2ID)
	}
	id, err := strconv.ParseInt(hexPart, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed id %q: %w", ec2ID, err)
	}
	return id, nil
}
