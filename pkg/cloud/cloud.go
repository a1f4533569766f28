// Package cloud is the EC2 verb surface: it turns validated API calls into
// database mutations and asynchronous work for the compute, volume and
// network hosts.
package cloud

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/firewall"
	"github.com/wisbric/cumulus/pkg/identity"
	"github.com/wisbric/cumulus/pkg/image"
	"github.com/wisbric/cumulus/pkg/network"
	"github.com/wisbric/cumulus/pkg/quota"
	"github.com/wisbric/cumulus/pkg/rpc"
	"github.com/wisbric/cumulus/pkg/service"
	"github.com/wisbric/cumulus/pkg/volume"
)

// TopicCompute is the RPC topic the scheduler and compute hosts consume.
const TopicCompute = "compute"

// InstanceStore is the instance persistence surface the controller uses;
// implemented by compute.Store.
type InstanceStore interface {
	Create(ctx context.Context, inst *compute.Instance) error
	Get(ctx context.Context, id int64) (*compute.Instance, error)
	GetByFixedIP(ctx context.Context, addr string) (*compute.Instance, error)
	ListByProject(ctx context.Context, projectID string) ([]compute.Instance, error)
	ListByReservation(ctx context.Context, reservationID string) ([]compute.Instance, error)
	ListBySecurityGroup(ctx context.Context, groupID int64) ([]compute.Instance, error)
	SetState(ctx context.Context, id int64, state, description string) error
	SetHost(ctx context.Context, id int64, host string) error
	SetPrivateIP(ctx context.Context, id int64, addr string) error
	SetPublicIP(ctx context.Context, id int64, addr string) error
	MarkDeleted(ctx context.Context, id int64) error
	BindSecurityGroups(ctx context.Context, instanceID int64, groupIDs []int64) error
	CreateBDM(ctx context.Context, bdm *compute.BlockDeviceMapping) error
	ListBDMs(ctx context.Context, instanceID int64) ([]compute.BlockDeviceMapping, error)
	DeleteBDMs(ctx context.Context, instanceID int64) error
}

// GroupStore is the security-group persistence surface; implemented by
// firewall.Store.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *firewall.SecurityGroup) error
	EnsureDefaultGroup(ctx context.Context, projectID string) (*firewall.SecurityGroup, error)
	GetGroup(ctx context.Context, id int64) (*firewall.SecurityGroup, error)
	GetGroupByName(ctx context.Context, projectID, name string) (*firewall.SecurityGroup, error)
	ListGroups(ctx context.Context, projectID string) ([]firewall.SecurityGroup, error)
	DeleteGroup(ctx context.Context, id int64) error
	AddRule(ctx context.Context, r *firewall.StoredRule) error
	RemoveRule(ctx context.Context, r firewall.StoredRule) (int, error)
	ListProviderRules(ctx context.Context) ([]firewall.ProviderRule, error)
}

// NetworkService is the address-allocation surface; implemented by
// network.Allocator.
type NetworkService interface {
	AllocateFixedIP(ctx context.Context, projectID string, instanceID int64, vpn bool) (*network.FixedIP, *network.Network, error)
	DeallocateFixedIP(ctx context.Context, addr string) error
	AllocateFloatingIP(ctx context.Context, projectID string) (*network.FloatingIP, error)
	AssociateFloatingIP(ctx context.Context, addr, fixedAddr, projectID string) error
	DisassociateFloatingIP(ctx context.Context, addr string) error
	ReleaseFloatingIP(ctx context.Context, addr string) error
	GetFloatingIP(ctx context.Context, addr string) (*network.FloatingIP, error)
	ListFloatingIPs(ctx context.Context, projectID string) ([]network.FloatingIP, error)
}

// VolumeService is the volume lifecycle surface; implemented by
// volume.Controller.
type VolumeService interface {
	Create(ctx context.Context, rc *auth.RequestContext, sizeGB int64, snapshotID int64, displayName string) (*volume.Volume, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*volume.Volume, error)
	List(ctx context.Context, projectID string) ([]volume.Volume, error)
	ListByInstance(ctx context.Context, instanceUUID uuid.UUID) ([]volume.Volume, error)
	BeginAttach(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error
	BeginDetach(ctx context.Context, id int64) error
	Detached(ctx context.Context, id int64) error
	StashAttachment(ctx context.Context, id int64) error
	CreateSnapshot(ctx context.Context, rc *auth.RequestContext, volumeID int64, force bool) (*volume.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id int64) error
	GetSnapshot(ctx context.Context, id int64) (*volume.Snapshot, error)
	ListSnapshots(ctx context.Context, projectID string) ([]volume.Snapshot, error)
}

// ServiceDirectory answers liveness questions about worker services;
// implemented by service.Registry.
type ServiceDirectory interface {
	Zones(ctx context.Context) (map[string][]service.Service, error)
	IsUp(s *service.Service) bool
}

// Settings carries the controller's deployment parameters.
type Settings struct {
	Region           string
	RegionEndpoint   string
	AvailabilityZone string
	VPNImageID       string
	UseIPv6          bool
}

// Controller dispatches the EC2 verbs.
type Controller struct {
	identity  *identity.Manager
	instances InstanceStore
	groups    GroupStore
	netsvc    NetworkService
	volumes   VolumeService
	images    image.Service
	quota     quota.Engine
	services  ServiceDirectory
	bus       rpc.Bus
	logger    *slog.Logger
	settings  Settings
}

// NewController wires the cloud controller from its collaborators.
func NewController(
	idm *identity.Manager,
	instances InstanceStore,
	groups GroupStore,
	netsvc NetworkService,
	volumes VolumeService,
	images image.Service,
	q quota.Engine,
	services ServiceDirectory,
	bus rpc.Bus,
	logger *slog.Logger,
	settings Settings,
) *Controller {
	return &Controller{
		identity:  idm,
		instances: instances,
		groups:    groups,
		netsvc:    netsvc,
		volumes:   volumes,
		images:    images,
		quota:     q,
		services:  services,
		bus:       bus,
		logger:    logger,
		settings:  settings,
	}
}

// newReservationID generates an EC2-style reservation id.
func newReservationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return fmt.Sprintf("r-%02x%02x%02x%02x", b[0], b[1], b[2], b[3])
}

// newMAC generates a locally administered unicast MAC address.
func newMAC() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return fmt.Sprintf("02:16:3e:%02x:%02x:%02x", b[0], b[1], b[2])
}
