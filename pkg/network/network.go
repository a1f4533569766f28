// Package network manages fixed and floating IP allocation across the
// three deployment modes (flat, flatdhcp, vlan) and the DHCP lease
// lifecycle.
package network

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// Mode selects the deployment topology. The set is sealed; anything else is
// rejected at construction.
type Mode string

const (
	// ModeFlat uses a single bridge with a pre-filled address list and no
	// DHCP.
	ModeFlat Mode = "flat"
	// ModeFlatDHCP uses a single bridge with one host running DHCP from a
	// reserved pool.
	ModeFlatDHCP Mode = "flatdhcp"
	// ModeVLAN gives each project a dedicated VLAN and subnet, with the
	// .2 address reserved for the project VPN instance.
	ModeVLAN Mode = "vlan"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFlat, ModeFlatDHCP, ModeVLAN:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown network manager %q", s)
}

// Network is one allocatable subnet. In vlan mode a network belongs to at
// most one project; in the flat modes a single shared network carries
// everything.
type Network struct {
	ID         int64
	ProjectID  string
	CIDR       string
	CIDRv6     string
	VLAN       int
	Bridge     string
	Gateway    string
	Broadcast  string
	Netmask    string
	DNS        string
	VPNAddress string
	DHCPStart  string
	Host       string
}

// FixedIP is a private address owned by its network. Allocated is a
// control-plane fact; Leased reflects DHCP events from the network host.
type FixedIP struct {
	Address        string
	NetworkID      int64
	InstanceID     int64
	Allocated      bool
	Leased         bool
	Reserved       bool
	PendingRelease bool
	UpdatedAt      time.Time
}

// FloatingIP is a public NAT'd address reassignable across instances.
type FloatingIP struct {
	Address      string
	Host         string
	ProjectID    string
	FixedAddress string
	AutoAssigned bool
}

// Storage is the persistence contract for networks and address pools. The
// production implementation is Store (Postgres); tests supply a fake.
type Storage interface {
	CreateNetwork(ctx context.Context, n *Network) error
	GetNetwork(ctx context.Context, id int64) (*Network, error)
	// GetNetworkByProject returns the project's network, or the shared
	// network when projectID is empty.
	GetNetworkByProject(ctx context.Context, projectID string) (*Network, error)
	// ClaimNetworkForProject assigns the first unclaimed network to the
	// project and returns it.
	ClaimNetworkForProject(ctx context.Context, projectID string) (*Network, error)
	// SetNetworkHost writes the managing host if none is set and returns
	// the winner, so concurrent schedulers elect exactly one.
	SetNetworkHost(ctx context.Context, networkID int64, host string) (string, error)
	DisassociateProjectNetworks(ctx context.Context, projectID string) error

	CreateFixedIP(ctx context.Context, ip FixedIP) error
	GetFixedIP(ctx context.Context, addr string) (*FixedIP, error)
	// AllocateFixedIP claims a free, unreserved, unleased address in the
	// network for the instance. Returns ErrNoMoreAddresses when exhausted.
	AllocateFixedIP(ctx context.Context, networkID, instanceID int64) (*FixedIP, error)
	// AllocateSpecificFixedIP claims one concrete address (the VPN slot).
	AllocateSpecificFixedIP(ctx context.Context, networkID int64, addr string, instanceID int64) (*FixedIP, error)
	SetFixedIPLeased(ctx context.Context, addr string, leased bool) error
	MarkFixedIPPendingRelease(ctx context.Context, addr string) error
	// FreeFixedIP returns the address to the pool, clearing every flag.
	FreeFixedIP(ctx context.Context, addr string) error
	PendingReleaseFixedIPs(ctx context.Context) ([]FixedIP, error)

	CreateFloatingIP(ctx context.Context, addr, host string) error
	GetFloatingIP(ctx context.Context, addr string) (*FloatingIP, error)
	// AllocateFloatingIP claims a free pool entry for the project. Returns
	// ErrNoMoreFloatingIPs when the pool is empty.
	AllocateFloatingIP(ctx context.Context, projectID string) (*FloatingIP, error)
	AssociateFloatingIP(ctx context.Context, addr, fixedAddr string) error
	DisassociateFloatingIP(ctx context.Context, addr string) error
	ReleaseFloatingIP(ctx context.Context, addr string) error
	ListFloatingIPs(ctx context.Context, projectID string) ([]FloatingIP, error)
}

// SubnetAddrs computes the structural addresses of a subnet: network,
// gateway (.1), vpn (.2), broadcast.
func SubnetAddrs(cidr string) (gateway, vpn, broadcast, netmask string, err error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", "", "", "", fmt.Errorf("parsing cidr %s: %w", cidr, err)
	}
	prefix = prefix.Masked()
	base := prefix.Addr()

	gw := base.Next()
	vp := gw.Next()

	// Broadcast is the last address of the prefix.
	bits := prefix.Bits()
	raw := base.As4()
	hostBits := 32 - bits
	val := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	val |= (1 << hostBits) - 1
	bc := netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})

	maskVal := ^uint32(0) << hostBits
	mask := netip.AddrFrom4([4]byte{byte(maskVal >> 24), byte(maskVal >> 16), byte(maskVal >> 8), byte(maskVal)})

	return gw.String(), vp.String(), bc.String(), mask.String(), nil
}
