package network

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// memStorage is a test double implementing Storage.
type memStorage struct {
	mu       sync.Mutex
	nextID   int64
	networks map[int64]*Network
	fixed    map[string]*FixedIP
	floating map[string]*FloatingIP
}

func newMemStorage() *memStorage {
	return &memStorage{
		networks: make(map[int64]*Network),
		fixed:    make(map[string]*FixedIP),
		floating: make(map[string]*FloatingIP),
	}
}

func (m *memStorage) CreateNetwork(_ context.Context, n *Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	n.ID = m.nextID
	copied := *n
	m.networks[n.ID] = &copied
	return nil
}

func (m *memStorage) GetNetwork(_ context.Context, id int64) (*Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[id]
	if !ok {
		return nil, apierr.NotFound("InvalidNetwork.NotFound", "network %d not found", id)
	}
	copied := *n
	return &copied, nil
}

func (m *memStorage) GetNetworkByProject(_ context.Context, projectID string) (*Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sortedNetworkIDs() {
		if m.networks[id].ProjectID == projectID {
			copied := *m.networks[id]
			return &copied, nil
		}
	}
	return nil, apierr.NotFound("InvalidNetwork.NotFound", "no network for project %s", projectID)
}

func (m *memStorage) ClaimNetworkForProject(_ context.Context, projectID string) (*Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sortedNetworkIDs() {
		if m.networks[id].ProjectID == "" {
			m.networks[id].ProjectID = projectID
			copied := *m.networks[id]
			return &copied, nil
		}
	}
	return nil, apierr.ServiceUnavailable("no networks left")
}

func (m *memStorage) SetNetworkHost(_ context.Context, networkID int64, host string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.networks[networkID]
	if n.Host == "" {
		n.Host = host
	}
	return n.Host, nil
}

func (m *memStorage) DisassociateProjectNetworks(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.networks {
		if n.ProjectID == projectID {
			n.ProjectID = ""
		}
	}
	return nil
}

func (m *memStorage) CreateFixedIP(_ context.Context, ip FixedIP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip.UpdatedAt = time.Now()
	m.fixed[ip.Address] = &ip
	return nil
}

func (m *memStorage) GetFixedIP(_ context.Context, addr string) (*FixedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.fixed[addr]
	if !ok {
		return nil, apierr.NotFound("InvalidAddress.NotFound", "fixed ip %s not found", addr)
	}
	copied := *ip
	return &copied, nil
}

func (m *memStorage) AllocateFixedIP(_ context.Context, networkID, instanceID int64) (*FixedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range m.sortedFixedAddrs() {
		ip := m.fixed[addr]
		if ip.NetworkID == networkID && !ip.Allocated && !ip.Reserved && !ip.Leased {
			ip.Allocated = true
			ip.InstanceID = instanceID
			ip.UpdatedAt = time.Now()
			copied := *ip
			return &copied, nil
		}
	}
	return nil, apierr.ErrNoMoreAddresses
}

func (m *memStorage) AllocateSpecificFixedIP(_ context.Context, networkID int64, addr string, instanceID int64) (*FixedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.fixed[addr]
	if !ok || ip.NetworkID != networkID || ip.Allocated || ip.Leased {
		return nil, apierr.API("address %s is not available", addr)
	}
	ip.Allocated = true
	ip.InstanceID = instanceID
	ip.UpdatedAt = time.Now()
	copied := *ip
	return &copied, nil
}

func (m *memStorage) SetFixedIPLeased(_ context.Context, addr string, leased bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[addr].Leased = leased
	m.fixed[addr].UpdatedAt = time.Now()
	return nil
}

func (m *memStorage) MarkFixedIPPendingRelease(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[addr].PendingRelease = true
	m.fixed[addr].UpdatedAt = time.Now()
	return nil
}

func (m *memStorage) FreeFixedIP(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip := m.fixed[addr]
	ip.Allocated = false
	ip.Leased = false
	ip.PendingRelease = false
	ip.InstanceID = 0
	ip.UpdatedAt = time.Now()
	return nil
}

func (m *memStorage) PendingReleaseFixedIPs(_ context.Context) ([]FixedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FixedIP
	for _, addr := range m.sortedFixedAddrs() {
		if m.fixed[addr].PendingRelease {
			out = append(out, *m.fixed[addr])
		}
	}
	return out, nil
}

func (m *memStorage) CreateFloatingIP(_ context.Context, addr, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.floating[addr]; ok {
		return apierr.Duplicate("floating ip %s already exists", addr)
	}
	m.floating[addr] = &FloatingIP{Address: addr, Host: host}
	return nil
}

func (m *memStorage) GetFloatingIP(_ context.Context, addr string) (*FloatingIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fip, ok := m.floating[addr]
	if !ok {
		return nil, apierr.NotFound("InvalidAddress.NotFound", "floating ip %s not found", addr)
	}
	copied := *fip
	return &copied, nil
}

func (m *memStorage) AllocateFloatingIP(_ context.Context, projectID string) (*FloatingIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var addrs []string
	for a := range m.floating {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		if m.floating[a].ProjectID == "" {
			m.floating[a].ProjectID = projectID
			copied := *m.floating[a]
			return &copied, nil
		}
	}
	return nil, apierr.ErrNoMoreFloatingIPs
}

func (m *memStorage) AssociateFloatingIP(_ context.Context, addr, fixedAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.floating[addr].FixedAddress = fixedAddr
	return nil
}

func (m *memStorage) DisassociateFloatingIP(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.floating[addr].FixedAddress = ""
	return nil
}

func (m *memStorage) ReleaseFloatingIP(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.floating[addr].ProjectID = ""
	m.floating[addr].AutoAssigned = false
	return nil
}

func (m *memStorage) ListFloatingIPs(_ context.Context, projectID string) ([]FloatingIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FloatingIP
	for _, fip := range m.floating {
		if projectID == "" || fip.ProjectID == projectID {
			out = append(out, *fip)
		}
	}
	return out, nil
}

func (m *memStorage) sortedNetworkIDs() []int64 {
	var ids []int64
	for id := range m.networks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memStorage) sortedFixedAddrs() []string {
	var addrs []string
	for a := range m.fixed {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

var _ Storage = (*memStorage)(nil)

// ---- tests ----

func vlanAllocator(store Storage) *Allocator {
	return NewAllocator(store, rpc.NewMemoryBus(), slog.Default(), Settings{
		Mode:           ModeVLAN,
		VlanStart:      100,
		DHCPLeaseGrace: time.Minute,
	})
}

func TestParseMode(t *testing.T) {
	for _, good := range []string{"flat", "flatdhcp", "vlan"} {
		if _, err := ParseMode(good); err != nil {
			t.Errorf("ParseMode(%s): %v", good, err)
		}
	}
	if _, err := ParseMode("tunnel"); err == nil {
		t.Error("ParseMode should reject unknown modes")
	}
}

func TestSubnetAddrs(t *testing.T) {
	gw, vpn, bc, mask, err := SubnetAddrs("10.0.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if gw != "10.0.0.1" || vpn != "10.0.0.2" || bc != "10.0.0.255" || mask != "255.255.255.0" {
		t.Errorf("SubnetAddrs = %s %s %s %s", gw, vpn, bc, mask)
	}
}

func TestVLANCreateNetworks(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()

	if err := a.CreateNetworks(ctx, "10.0.0.0/22", 2, 256, "nethost"); err != nil {
		t.Fatalf("CreateNetworks: %v", err)
	}

	n1, err := store.GetNetwork(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n1.VLAN != 100 || n1.Bridge != "br100" || n1.CIDR != "10.0.0.0/24" {
		t.Errorf("first network = %+v", n1)
	}
	n2, _ := store.GetNetwork(ctx, 2)
	if n2.VLAN != 101 || n2.CIDR != "10.0.1.0/24" {
		t.Errorf("second network = %+v", n2)
	}

	// The VPN slot is reserved and never handed out as a pool address.
	vpnIP, err := store.GetFixedIP(ctx, n1.VPNAddress)
	if err != nil || !vpnIP.Reserved {
		t.Errorf("vpn address %s reserved = %v, %v", n1.VPNAddress, vpnIP != nil && vpnIP.Reserved, err)
	}
}

func TestProjectClaimsDedicatedNetwork(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()
	if err := a.CreateNetworks(ctx, "10.0.0.0/22", 2, 256, "nethost"); err != nil {
		t.Fatal(err)
	}

	ip1, n1, err := a.AllocateFixedIP(ctx, "proj-a", 1, false)
	if err != nil {
		t.Fatalf("AllocateFixedIP: %v", err)
	}
	_, n2, err := a.AllocateFixedIP(ctx, "proj-b", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if n1.ID == n2.ID {
		t.Error("projects must not share a vlan network")
	}

	// Same project keeps its network.
	_, n1again, err := a.AllocateFixedIP(ctx, "proj-a", 3, false)
	if err != nil || n1again.ID != n1.ID {
		t.Errorf("second allocation moved networks: %v, %v", n1again, err)
	}
	if ip1.Address == n1.Gateway || ip1.Address == n1.VPNAddress {
		t.Errorf("allocated a reserved address %s", ip1.Address)
	}
}

func TestVPNSlotAllocation(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()
	if err := a.CreateNetworks(ctx, "10.0.0.0/23", 1, 256, "nethost"); err != nil {
		t.Fatal(err)
	}

	ip, n, err := a.AllocateFixedIP(ctx, "proj", 1, true)
	if err != nil {
		t.Fatalf("vpn AllocateFixedIP: %v", err)
	}
	if ip.Address != n.VPNAddress {
		t.Errorf("vpn allocation = %s, want %s", ip.Address, n.VPNAddress)
	}
}

func TestFixedIPExhaustion(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()
	// /29 = 8 addresses; network, gateway, vpn, broadcast reserved → 4 usable.
	if err := a.CreateNetworks(ctx, "10.0.0.0/29", 1, 8, "nethost"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if _, _, err := a.AllocateFixedIP(ctx, "proj", int64(i+1), false); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
	}
	if _, _, err := a.AllocateFixedIP(ctx, "proj", 99, false); !errors.Is(err, apierr.ErrNoMoreAddresses) {
		t.Errorf("exhausted pool error = %v, want ErrNoMoreAddresses", err)
	}
}

func TestDeallocateWaitsForLeaseRelease(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()
	if err := a.CreateNetworks(ctx, "10.0.0.0/24", 1, 256, "nethost"); err != nil {
		t.Fatal(err)
	}

	ip, _, err := a.AllocateFixedIP(ctx, "proj", 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.LeaseFixedIP(ctx, ip.Address); err != nil {
		t.Fatal(err)
	}

	if err := a.DeallocateFixedIP(ctx, ip.Address); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetFixedIP(ctx, ip.Address)
	if !got.Allocated || !got.PendingRelease {
		t.Errorf("leased address freed early: %+v", got)
	}

	// DHCP release completes the deallocation.
	if err := a.ReleaseFixedIPLease(ctx, ip.Address); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetFixedIP(ctx, ip.Address)
	if got.Allocated || got.Leased || got.PendingRelease || got.InstanceID != 0 {
		t.Errorf("address not fully freed: %+v", got)
	}
}

func TestReapStaleLeases(t *testing.T) {
	store := newMemStorage()
	a := NewAllocator(store, rpc.NewMemoryBus(), slog.Default(), Settings{
		Mode:           ModeVLAN,
		VlanStart:      100,
		DHCPLeaseGrace: 0, // everything pending is immediately stale
	})
	ctx := context.Background()
	if err := a.CreateNetworks(ctx, "10.0.0.0/24", 1, 256, "nethost"); err != nil {
		t.Fatal(err)
	}

	ip, _, _ := a.AllocateFixedIP(ctx, "proj", 1, false)
	_ = a.LeaseFixedIP(ctx, ip.Address)
	_ = a.DeallocateFixedIP(ctx, ip.Address)

	if err := a.ReapStaleLeases(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetFixedIP(ctx, ip.Address)
	if got.Allocated || got.PendingRelease {
		t.Errorf("stale lease not force-freed: %+v", got)
	}
}

func TestFloatingPoolRoundTrip(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()

	if err := store.CreateFloatingIP(ctx, "10.10.10.10", "nethost"); err != nil {
		t.Fatal(err)
	}

	fip, err := a.AllocateFloatingIP(ctx, "proj")
	if err != nil || fip.Address != "10.10.10.10" {
		t.Fatalf("AllocateFloatingIP = %v, %v", fip, err)
	}

	if _, err := a.AllocateFloatingIP(ctx, "proj"); !errors.Is(err, apierr.ErrNoMoreFloatingIPs) {
		t.Errorf("empty pool error = %v, want ErrNoMoreFloatingIPs", err)
	}

	if err := a.ReleaseFloatingIP(ctx, "10.10.10.10"); err != nil {
		t.Fatal(err)
	}
	fip, err = a.AllocateFloatingIP(ctx, "proj")
	if err != nil || fip.Address != "10.10.10.10" {
		t.Errorf("re-allocation after release = %v, %v", fip, err)
	}
}

func TestAssociateValidatesOwnership(t *testing.T) {
	store := newMemStorage()
	a := vlanAllocator(store)
	ctx := context.Background()
	_ = store.CreateFloatingIP(ctx, "10.10.10.10", "nethost")
	if _, err := a.AllocateFloatingIP(ctx, "proj-a"); err != nil {
		t.Fatal(err)
	}

	if err := a.AssociateFloatingIP(ctx, "10.10.10.10", "10.0.0.3", "proj-b"); err == nil {
		t.Error("association across projects must be rejected")
	}
	if err := a.AssociateFloatingIP(ctx, "10.10.10.10", "10.0.0.3", "proj-a"); err != nil {
		t.Errorf("owner association failed: %v", err)
	}

	// Releasing while associated is refused.
	if err := a.ReleaseFloatingIP(ctx, "10.10.10.10"); err == nil {
		t.Error("release of an associated address must fail")
	}
	if err := a.DisassociateFloatingIP(ctx, "10.10.10.10"); err != nil {
		t.Fatal(err)
	}
	if err := a.ReleaseFloatingIP(ctx, "10.10.10.10"); err != nil {
		t.Errorf("release after disassociate: %v", err)
	}
}

func TestNetworkHostElection(t *testing.T) {
	store := newMemStorage()
	ctx := context.Background()
	_ = store.CreateNetwork(ctx, &Network{CIDR: "10.0.0.0/24"})

	winner, err := store.SetNetworkHost(ctx, 1, "host-a")
	if err != nil || winner != "host-a" {
		t.Fatalf("first SetNetworkHost = %s, %v", winner, err)
	}
	winner, err = store.SetNetworkHost(ctx, 1, "host-b")
	if err != nil || winner != "host-a" {
		t.Errorf("second SetNetworkHost = %s, %v; want host-a", winner, err)
	}
}
