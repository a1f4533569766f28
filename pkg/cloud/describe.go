package cloud

import (
	"context"
	"sort"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/identity"
	"github.com/wisbric/cumulus/pkg/image"
	"github.com/wisbric/cumulus/pkg/network"
	"github.com/wisbric/cumulus/pkg/volume"
)

// DescribeInstances groups the caller's instances by reservation. Admins
// see every project. A project with no instances yields an empty set.
func (c *Controller) DescribeInstances(ctx context.Context, rc *auth.RequestContext, ids []int64) ([]Reservation, error) {
	projectID := rc.ProjectID
	if rc.IsAdmin {
		projectID = ""
	}
	instances, err := c.instances.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	byReservation := make(map[string]*Reservation)
	for _, inst := range instances {
		if len(ids) > 0 && !wanted[inst.ID] {
			continue
		}
		r, ok := byReservation[inst.ReservationID]
		if !ok {
			r = &Reservation{
				ReservationID: inst.ReservationID,
				OwnerID:       inst.ProjectID,
			}
			byReservation[inst.ReservationID] = r
		}
		r.Instances = append(r.Instances, inst)
	}

	out := make([]Reservation, 0, len(byReservation))
	for _, r := range byReservation {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservationID < out[j].ReservationID })
	return out, nil
}

// DescribeVolumes lists the caller's volumes, optionally filtered by id.
func (c *Controller) DescribeVolumes(ctx context.Context, rc *auth.RequestContext, ids []int64) ([]volume.Volume, error) {
	vols, err := c.volumes.List(ctx, rc.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return vols, nil
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []volume.Volume
	for _, v := range vols {
		if wanted[v.ID] {
			out = append(out, v)
		}
	}
	return out, nil
}

// DescribeSnapshots lists the caller's snapshots, optionally filtered by
// id.
func (c *Controller) DescribeSnapshots(ctx context.Context, rc *auth.RequestContext, ids []int64) ([]volume.Snapshot, error) {
	snaps, err := c.volumes.ListSnapshots(ctx, rc.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return snaps, nil
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []volume.Snapshot
	for _, s := range snaps {
		if wanted[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

// DescribeAddresses lists the project's floating addresses.
func (c *Controller) DescribeAddresses(ctx context.Context, rc *auth.RequestContext) ([]network.FloatingIP, error) {
	projectID := rc.ProjectID
	if rc.IsAdmin {
		projectID = ""
	}
	return c.netsvc.ListFloatingIPs(ctx, projectID)
}

// AvailabilityZone is one zone row of DescribeAvailabilityZones.
type AvailabilityZone struct {
	Name  string
	State string
	// Hosts maps host name to its service liveness lines, only populated
	// in verbose mode.
	Hosts map[string][]ServiceStatus
}

// ServiceStatus is one service's liveness line.
type ServiceStatus struct {
	Binary  string
	Topic   string
	Up      bool
	Enabled bool
}

// DescribeAvailabilityZones lists zones; verbose (admin) mode includes
// per-host service liveness.
func (c *Controller) DescribeAvailabilityZones(ctx context.Context, rc *auth.RequestContext, verbose bool) ([]AvailabilityZone, error) {
	zones, err := c.services.Zones(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(zones))
	for name := range zones {
		names = append(names, name)
	}
	if len(names) == 0 {
		names = append(names, c.settings.AvailabilityZone)
	}
	sort.Strings(names)

	var out []AvailabilityZone
	for _, name := range names {
		az := AvailabilityZone{Name: name, State: "available"}
		if verbose && rc.IsAdmin {
			az.Hosts = make(map[string][]ServiceStatus)
			for _, s := range zones[name] {
				az.Hosts[s.Host] = append(az.Hosts[s.Host], ServiceStatus{
					Binary:  s.Binary,
					Topic:   s.Topic,
					Up:      c.services.IsUp(&s),
					Enabled: !s.Disabled,
				})
			}
		}
		out = append(out, az)
	}
	return out, nil
}

// Region is one row of DescribeRegions.
type Region struct {
	Name     string
	Endpoint string
}

// DescribeRegions reports this control plane's region.
func (c *Controller) DescribeRegions(ctx context.Context, rc *auth.RequestContext) ([]Region, error) {
	return []Region{{Name: c.settings.Region, Endpoint: c.settings.RegionEndpoint}}, nil
}

// ---- key pairs ----

// DescribeKeyPairs lists the caller's key pairs, optionally filtered by
// name.
func (c *Controller) DescribeKeyPairs(ctx context.Context, rc *auth.RequestContext, names []string) ([]identity.KeyPair, error) {
	pairs, err := c.identity.GetKeyPairs(ctx, rc.UserID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return pairs, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []identity.KeyPair
	for _, kp := range pairs {
		if wanted[kp.Name] {
			out = append(out, kp)
		}
	}
	return out, nil
}

// CreateKeyPair generates a key pair, returning the private key once.
func (c *Controller) CreateKeyPair(ctx context.Context, rc *auth.RequestContext, name string) (*identity.GeneratedKeyPair, error) {
	if name == "" {
		return nil, apierr.API("key pair name is required")
	}
	return c.identity.GenerateKeyPair(ctx, rc.UserID, name)
}

// ImportKeyPair registers an externally generated public key.
func (c *Controller) ImportKeyPair(ctx context.Context, rc *auth.RequestContext, name, material string) (*identity.KeyPair, error) {
	if name == "" {
		return nil, apierr.API("key pair name is required")
	}
	return c.identity.ImportKeyPair(ctx, rc.UserID, name, material)
}

// DeleteKeyPair removes a key pair; removing a missing one succeeds.
func (c *Controller) DeleteKeyPair(ctx context.Context, rc *auth.RequestContext, name string) error {
	return c.identity.DeleteKeyPair(ctx, rc.UserID, name)
}

// ---- images ----

// DescribeImages lists accessible images, optionally filtered by id.
func (c *Controller) DescribeImages(ctx context.Context, rc *auth.RequestContext, ids []string) ([]image.Image, error) {
	images, err := c.images.List(ctx, rc)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return images, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []image.Image
	for _, img := range images {
		if wanted[img.ID] {
			out = append(out, img)
		}
	}
	return out, nil
}

// RegisterImage registers a manifest location as a machine image.
func (c *Controller) RegisterImage(ctx context.Context, rc *auth.RequestContext, location string) (*image.Image, error) {
	if location == "" {
		return nil, apierr.API("image location is required")
	}
	return c.images.Register(ctx, rc, location, image.ContainerMachine)
}

// DeregisterImage removes a machine image. Only ami containers may be
// deregistered through this path; anything else reads as missing.
func (c *Controller) DeregisterImage(ctx context.Context, rc *auth.RequestContext, id string) error {
	img, err := c.images.Get(ctx, rc, id)
	if err != nil {
		return err
	}
	if img.Container != image.ContainerMachine {
		return apierr.NotFound("InvalidAMIID.NotFound", "image %s not found", id)
	}
	return c.images.Deregister(ctx, rc, id)
}

// ModifyImageAttribute supports launchPermission with group "all" only.
func (c *Controller) ModifyImageAttribute(ctx context.Context, rc *auth.RequestContext, id, attribute, operationType string, userGroups []string) error {
	if attribute != "launchPermission" {
		return apierr.API("only launchPermission is supported")
	}
	if len(userGroups) != 1 || userGroups[0] != "all" {
		return apierr.API("only group \"all\" is supported")
	}
	switch operationType {
	case "add":
		return c.images.SetPublic(ctx, rc, id, true)
	case "remove", "delete":
		return c.images.SetPublic(ctx, rc, id, false)
	default:
		return apierr.API("operation type must be add or remove")
	}
}
