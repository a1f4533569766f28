package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/wisbric/cumulus/internal/telemetry"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// TopicNetwork is the RPC topic network hosts consume.
const TopicNetwork = "network"

// Settings carries the allocator's deployment configuration.
type Settings struct {
	Mode           Mode
	FlatBridge     string
	VlanStart      int
	UseIPv6        bool
	DHCPLeaseGrace time.Duration
}

// Allocator implements fixed and floating IP lifecycle over a Storage
// backend, dispatching host-side work through the bus.
type Allocator struct {
	store    Storage
	bus      rpc.Bus
	logger   *slog.Logger
	settings Settings
}

// NewAllocator creates an allocator; the mode must already be validated
// with ParseMode.
func NewAllocator(store Storage, bus rpc.Bus, logger *slog.Logger, settings Settings) *Allocator {
	return &Allocator{store: store, bus: bus, logger: logger, settings: settings}
}

// usesDHCP reports whether leases matter in the configured mode.
func (a *Allocator) usesDHCP() bool {
	return a.settings.Mode == ModeFlatDHCP || a.settings.Mode == ModeVLAN
}

// networkForProject resolves which network the project allocates from. In
// vlan mode a project claims a dedicated network on first use; the flat
// modes share one network.
func (a *Allocator) networkForProject(ctx context.Context, projectID string) (*Network, error) {
	if a.settings.Mode != ModeVLAN {
		return a.store.GetNetworkByProject(ctx, "")
	}
	n, err := a.store.GetNetworkByProject(ctx, projectID)
	if err == nil {
		return n, nil
	}
	if !apierr.IsNotFound(err) {
		return nil, err
	}
	n, err = a.store.ClaimNetworkForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("claimed network for project",
		"project_id", projectID, "network_id", n.ID, "vlan", n.VLAN, "cidr", n.CIDR)
	return n, nil
}

// AllocateFixedIP claims a private address for the instance. With vpn set
// (vlan mode) the network's reserved VPN slot is claimed instead of a pool
// address.
func (a *Allocator) AllocateFixedIP(ctx context.Context, projectID string, instanceID int64, vpn bool) (*FixedIP, *Network, error) {
	n, err := a.networkForProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}

	var ip *FixedIP
	if vpn && n.VPNAddress != "" {
		ip, err = a.store.AllocateSpecificFixedIP(ctx, n.ID, n.VPNAddress, instanceID)
	} else {
		ip, err = a.store.AllocateFixedIP(ctx, n.ID, instanceID)
	}
	if err != nil {
		return nil, nil, err
	}
	telemetry.FixedIPAllocationsTotal.WithLabelValues("allocate").Inc()

	if n.Host != "" && a.usesDHCP() {
		err := a.bus.Cast(ctx, rpc.Dest(TopicNetwork, n.Host), rpc.Envelope{
			Method: "setup_fixed_ip",
			Args:   map[string]any{"address": ip.Address, "network_id": n.ID},
		})
		if err != nil {
			a.logger.Warn("casting setup_fixed_ip", "address", ip.Address, "error", err)
		}
	}
	return ip, n, nil
}

// DeallocateFixedIP returns an address to the pool. A leased address is
// only marked for release; it is freed when the DHCP lease goes away or
// the grace timer expires.
func (a *Allocator) DeallocateFixedIP(ctx context.Context, addr string) error {
	ip, err := a.store.GetFixedIP(ctx, addr)
	if err != nil {
		return err
	}
	if !ip.Allocated {
		return nil
	}

	if a.usesDHCP() && ip.Leased {
		if err := a.store.MarkFixedIPPendingRelease(ctx, addr); err != nil {
			return err
		}
		n, err := a.store.GetNetwork(ctx, ip.NetworkID)
		if err == nil && n.Host != "" {
			if err := a.bus.Cast(ctx, rpc.Dest(TopicNetwork, n.Host), rpc.Envelope{
				Method: "release_fixed_ip",
				Args:   map[string]any{"address": addr},
			}); err != nil {
				a.logger.Warn("casting release_fixed_ip", "address", addr, "error", err)
			}
		}
		return nil
	}

	telemetry.FixedIPAllocationsTotal.WithLabelValues("deallocate").Inc()
	return a.store.FreeFixedIP(ctx, addr)
}

// LeaseFixedIP records a DHCP lease event from the network host.
func (a *Allocator) LeaseFixedIP(ctx context.Context, addr string) error {
	ip, err := a.store.GetFixedIP(ctx, addr)
	if err != nil {
		return err
	}
	if !ip.Allocated {
		a.logger.Warn("lease event for unallocated address", "address", addr)
	}
	return a.store.SetFixedIPLeased(ctx, addr, true)
}

// ReleaseFixedIPLease records a DHCP release event, completing any pending
// deallocation.
func (a *Allocator) ReleaseFixedIPLease(ctx context.Context, addr string) error {
	ip, err := a.store.GetFixedIP(ctx, addr)
	if err != nil {
		return err
	}
	if err := a.store.SetFixedIPLeased(ctx, addr, false); err != nil {
		return err
	}
	if ip.PendingRelease {
		telemetry.FixedIPAllocationsTotal.WithLabelValues("deallocate").Inc()
		return a.store.FreeFixedIP(ctx, addr)
	}
	return nil
}

// ReapStaleLeases force-frees addresses whose DHCP release never arrived
// within the grace window. Run periodically from the worker.
func (a *Allocator) ReapStaleLeases(ctx context.Context) error {
	pending, err := a.store.PendingReleaseFixedIPs(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-a.settings.DHCPLeaseGrace)
	for _, ip := range pending {
		if ip.UpdatedAt.After(cutoff) {
			continue
		}
		a.logger.Warn("force-freeing fixed ip: lease release timed out",
			"address", ip.Address, "grace", a.settings.DHCPLeaseGrace)
		if err := a.store.FreeFixedIP(ctx, ip.Address); err != nil {
			return err
		}
		telemetry.FixedIPAllocationsTotal.WithLabelValues("force_free").Inc()
	}
	return nil
}

// ---- floating IPs ----

// AllocateFloatingIP claims a pool address for the project.
func (a *Allocator) AllocateFloatingIP(ctx context.Context, projectID string) (*FloatingIP, error) {
	return a.store.AllocateFloatingIP(ctx, projectID)
}

// AssociateFloatingIP binds a public address to a fixed address after
// validating project ownership, then updates NAT on the hosting network
// node.
func (a *Allocator) AssociateFloatingIP(ctx context.Context, addr, fixedAddr, projectID string) error {
	fip, err := a.store.GetFloatingIP(ctx, addr)
	if err != nil {
		return err
	}
	if fip.ProjectID != projectID {
		return apierr.Unauthorized("address %s is not allocated to project %s", addr, projectID)
	}
	if fip.FixedAddress != "" {
		return apierr.API("address %s is already associated with %s", addr, fip.FixedAddress)
	}
	if err := a.store.AssociateFloatingIP(ctx, addr, fixedAddr); err != nil {
		return err
	}
	if err := a.bus.Cast(ctx, rpc.Dest(TopicNetwork, fip.Host), rpc.Envelope{
		Method: "associate_floating_ip",
		Args:   map[string]any{"floating_address": addr, "fixed_address": fixedAddr},
	}); err != nil {
		a.logger.Warn("casting associate_floating_ip", "address", addr, "error", err)
	}
	return nil
}

// DisassociateFloatingIP removes the NAT binding.
func (a *Allocator) DisassociateFloatingIP(ctx context.Context, addr string) error {
	fip, err := a.store.GetFloatingIP(ctx, addr)
	if err != nil {
		return err
	}
	if fip.FixedAddress == "" {
		return nil
	}
	if err := a.store.DisassociateFloatingIP(ctx, addr); err != nil {
		return err
	}
	if err := a.bus.Cast(ctx, rpc.Dest(TopicNetwork, fip.Host), rpc.Envelope{
		Method: "disassociate_floating_ip",
		Args:   map[string]any{"floating_address": addr, "fixed_address": fip.FixedAddress},
	}); err != nil {
		a.logger.Warn("casting disassociate_floating_ip", "address", addr, "error", err)
	}
	return nil
}

// ReleaseFloatingIP returns a disassociated address to the pool.
func (a *Allocator) ReleaseFloatingIP(ctx context.Context, addr string) error {
	fip, err := a.store.GetFloatingIP(ctx, addr)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if fip.FixedAddress != "" {
		return apierr.API("address %s is still associated with %s", addr, fip.FixedAddress)
	}
	return a.store.ReleaseFloatingIP(ctx, addr)
}

// GetFloatingIP fetches one pool entry.
func (a *Allocator) GetFloatingIP(ctx context.Context, addr string) (*FloatingIP, error) {
	return a.store.GetFloatingIP(ctx, addr)
}

// ListFloatingIPs returns a project's pool entries; empty project lists
// all.
func (a *Allocator) ListFloatingIPs(ctx context.Context, projectID string) ([]FloatingIP, error) {
	return a.store.ListFloatingIPs(ctx, projectID)
}

// ---- provisioning ----

// CreateNetworks carves the fixed range into count subnets of size
// addresses each and fills their address pools. In vlan mode each subnet
// gets a VLAN tag and bridge of its own; the flat modes create exactly one
// shared network on the configured bridge.
func (a *Allocator) CreateNetworks(ctx context.Context, fixedRange string, count, size int, host string) error {
	prefix, err := netip.ParsePrefix(fixedRange)
	if err != nil {
		return fmt.Errorf("parsing fixed range: %w", err)
	}
	prefix = prefix.Masked()

	subnetBits := 32
	for 1<<(32-subnetBits) < size {
		subnetBits--
	}

	if a.settings.Mode != ModeVLAN {
		count = 1
	}

	base := prefix.Addr()
	for i := 0; i < count; i++ {
		cidr := netip.PrefixFrom(base, subnetBits)
		if !prefix.Contains(base) {
			return fmt.Errorf("fixed range %s exhausted after %d networks", fixedRange, i)
		}
		if err := a.createOneNetwork(ctx, cidr.String(), i, host); err != nil {
			return err
		}
		base = addOffset(base, uint32(size))
	}
	return nil
}

func (a *Allocator) createOneNetwork(ctx context.Context, cidr string, index int, host string) error {
	gateway, vpn, broadcast, netmask, err := SubnetAddrs(cidr)
	if err != nil {
		return err
	}

	n := &Network{
		CIDR:      cidr,
		Bridge:    a.settings.FlatBridge,
		Gateway:   gateway,
		Broadcast: broadcast,
		Netmask:   netmask,
		Host:      host,
	}
	if a.settings.Mode == ModeVLAN {
		n.VLAN = a.settings.VlanStart + index
		n.Bridge = fmt.Sprintf("br%d", n.VLAN)
		n.VPNAddress = vpn
	}
	if a.settings.UseIPv6 {
		n.CIDRv6 = fmt.Sprintf("fd00:%x::/64", index)
	}
	if err := a.store.CreateNetwork(ctx, n); err != nil {
		return err
	}

	prefix, _ := netip.ParsePrefix(cidr)
	prefix = prefix.Masked()
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		s := addr.String()
		reserved := s == prefix.Addr().String() || s == gateway || s == broadcast ||
			(a.settings.Mode == ModeVLAN && s == vpn)
		ip := FixedIP{Address: s, NetworkID: n.ID, Reserved: reserved}
		if err := a.store.CreateFixedIP(ctx, ip); err != nil {
			return err
		}
	}
	return nil
}

// CreateFloatingRange fills the floating pool from a CIDR, all owned by the
// given network host.
func (a *Allocator) CreateFloatingRange(ctx context.Context, cidr, host string) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("parsing floating range: %w", err)
	}
	prefix = prefix.Masked()
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		if err := a.store.CreateFloatingIP(ctx, addr.String(), host); err != nil {
			return err
		}
	}
	return nil
}

// DisassociateProjectNetworks detaches a deleted project's networks so they
// can be reclaimed.
func (a *Allocator) DisassociateProjectNetworks(ctx context.Context, projectID string) error {
	return a.store.DisassociateProjectNetworks(ctx, projectID)
}

func addOffset(addr netip.Addr, n uint32) netip.Addr {
	raw := addr.As4()
	val := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	val += n
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}
