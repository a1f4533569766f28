package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// Store is the Postgres Storage implementation. Pool claims use single
// UPDATE ... RETURNING statements so concurrent allocators never hand out
// the same address.
type Store struct {
	db db.DBTX
}

// NewStore creates a network Store backed by the given database.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

const networkColumns = `
	id, project_id, cidr, cidr_v6, vlan, bridge, gateway, broadcast,
	netmask, dns, vpn_address, dhcp_start, host`

func (s *Store) CreateNetwork(ctx context.Context, n *Network) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO networks (project_id, cidr, cidr_v6, vlan, bridge, gateway,
			broadcast, netmask, dns, vpn_address, dhcp_start, host)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		n.ProjectID, n.CIDR, n.CIDRv6, n.VLAN, n.Bridge, n.Gateway,
		n.Broadcast, n.Netmask, n.DNS, n.VPNAddress, n.DHCPStart, n.Host)
	if err := row.Scan(&n.ID); err != nil {
		return fmt.Errorf("inserting network: %w", err)
	}
	return nil
}

func (s *Store) GetNetwork(ctx context.Context, id int64) (*Network, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+networkColumns+` FROM networks WHERE id = $1`, id)
	return scanNetwork(row, fmt.Sprintf("%d", id))
}

func (s *Store) GetNetworkByProject(ctx context.Context, projectID string) (*Network, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+networkColumns+` FROM networks WHERE project_id = $1 ORDER BY id LIMIT 1`,
		projectID)
	return scanNetwork(row, projectID)
}

func (s *Store) ClaimNetworkForProject(ctx context.Context, projectID string) (*Network, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE networks SET project_id = $1
		WHERE id = (
			SELECT id FROM networks WHERE project_id = ''
			ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+networkColumns, projectID)
	n, err := scanNetwork(row, projectID)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil, apierr.ServiceUnavailable("no networks left to assign to project %s", projectID)
		}
		return nil, err
	}
	return n, nil
}

func (s *Store) SetNetworkHost(ctx context.Context, networkID int64, host string) (string, error) {
	// First writer wins; everybody reads back the winner.
	if _, err := s.db.Exec(ctx,
		`UPDATE networks SET host = $2 WHERE id = $1 AND host = ''`, networkID, host); err != nil {
		return "", fmt.Errorf("electing network host: %w", err)
	}
	var winner string
	if err := s.db.QueryRow(ctx,
		`SELECT host FROM networks WHERE id = $1`, networkID).Scan(&winner); err != nil {
		return "", fmt.Errorf("reading network host: %w", err)
	}
	return winner, nil
}

func (s *Store) DisassociateProjectNetworks(ctx context.Context, projectID string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE networks SET project_id = '' WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("disassociating networks: %w", err)
	}
	return nil
}

// ---- fixed IPs ----

const fixedIPColumns = `
	address, network_id, instance_id, allocated, leased, reserved,
	pending_release, updated_at`

func (s *Store) CreateFixedIP(ctx context.Context, ip FixedIP) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO fixed_ips (address, network_id, instance_id, allocated,
			leased, reserved, pending_release)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (address) DO NOTHING`,
		ip.Address, ip.NetworkID, ip.InstanceID, ip.Allocated, ip.Leased,
		ip.Reserved, ip.PendingRelease)
	if err != nil {
		return fmt.Errorf("inserting fixed ip: %w", err)
	}
	return nil
}

func (s *Store) GetFixedIP(ctx context.Context, addr string) (*FixedIP, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+fixedIPColumns+` FROM fixed_ips WHERE address = $1`, addr)
	return scanFixedIP(row, addr)
}

func (s *Store) AllocateFixedIP(ctx context.Context, networkID, instanceID int64) (*FixedIP, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE fixed_ips
		SET allocated = TRUE, instance_id = $2, updated_at = now()
		WHERE address = (
			SELECT address FROM fixed_ips
			WHERE network_id = $1 AND NOT allocated AND NOT reserved AND NOT leased
			ORDER BY address LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+fixedIPColumns, networkID, instanceID)
	ip, err := scanFixedIP(row, "")
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil, apierr.ErrNoMoreAddresses
		}
		return nil, err
	}
	return ip, nil
}

func (s *Store) AllocateSpecificFixedIP(ctx context.Context, networkID int64, addr string, instanceID int64) (*FixedIP, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE fixed_ips
		SET allocated = TRUE, instance_id = $3, updated_at = now()
		WHERE network_id = $1 AND address = $2 AND NOT allocated AND NOT leased
		RETURNING `+fixedIPColumns, networkID, addr, instanceID)
	ip, err := scanFixedIP(row, addr)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil, apierr.API("address %s is not available", addr)
		}
		return nil, err
	}
	return ip, nil
}

func (s *Store) SetFixedIPLeased(ctx context.Context, addr string, leased bool) error {
	_, err := s.db.Exec(ctx,
		`UPDATE fixed_ips SET leased = $2, updated_at = now() WHERE address = $1`,
		addr, leased)
	if err != nil {
		return fmt.Errorf("updating lease: %w", err)
	}
	return nil
}

func (s *Store) MarkFixedIPPendingRelease(ctx context.Context, addr string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE fixed_ips SET pending_release = TRUE, updated_at = now() WHERE address = $1`,
		addr)
	if err != nil {
		return fmt.Errorf("marking pending release: %w", err)
	}
	return nil
}

func (s *Store) FreeFixedIP(ctx context.Context, addr string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE fixed_ips
		SET allocated = FALSE, leased = FALSE, pending_release = FALSE,
			instance_id = 0, updated_at = now()
		WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("freeing fixed ip: %w", err)
	}
	return nil
}

func (s *Store) PendingReleaseFixedIPs(ctx context.Context) ([]FixedIP, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+fixedIPColumns+` FROM fixed_ips WHERE pending_release ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("listing pending releases: %w", err)
	}
	defer rows.Close()
	var ips []FixedIP
	for rows.Next() {
		ip, err := scanFixedIP(rows, "")
		if err != nil {
			return nil, err
		}
		ips = append(ips, *ip)
	}
	return ips, rows.Err()
}

// ---- floating IPs ----

func (s *Store) CreateFloatingIP(ctx context.Context, addr, host string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO floating_ips (address, host) VALUES ($1, $2)`, addr, host)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apierr.Duplicate("floating ip %s already exists", addr)
		}
		return fmt.Errorf("inserting floating ip: %w", err)
	}
	return nil
}

func (s *Store) GetFloatingIP(ctx context.Context, addr string) (*FloatingIP, error) {
	row := s.db.QueryRow(ctx, `
		SELECT address, host, project_id, fixed_address, auto_assigned
		FROM floating_ips WHERE address = $1`, addr)
	return scanFloatingIP(row, addr)
}

func (s *Store) AllocateFloatingIP(ctx context.Context, projectID string) (*FloatingIP, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE floating_ips SET project_id = $1
		WHERE address = (
			SELECT address FROM floating_ips WHERE project_id = ''
			ORDER BY address LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING address, host, project_id, fixed_address, auto_assigned`, projectID)
	fip, err := scanFloatingIP(row, "")
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil, apierr.ErrNoMoreFloatingIPs
		}
		return nil, err
	}
	return fip, nil
}

func (s *Store) AssociateFloatingIP(ctx context.Context, addr, fixedAddr string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE floating_ips SET fixed_address = $2 WHERE address = $1`, addr, fixedAddr)
	if err != nil {
		return fmt.Errorf("associating floating ip: %w", err)
	}
	return nil
}

func (s *Store) DisassociateFloatingIP(ctx context.Context, addr string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE floating_ips SET fixed_address = '' WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("disassociating floating ip: %w", err)
	}
	return nil
}

func (s *Store) ReleaseFloatingIP(ctx context.Context, addr string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE floating_ips SET project_id = '', auto_assigned = FALSE
		WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("releasing floating ip: %w", err)
	}
	return nil
}

func (s *Store) ListFloatingIPs(ctx context.Context, projectID string) ([]FloatingIP, error) {
	query := `SELECT address, host, project_id, fixed_address, auto_assigned
		FROM floating_ips ORDER BY address`
	args := []any{}
	if projectID != "" {
		query = `SELECT address, host, project_id, fixed_address, auto_assigned
			FROM floating_ips WHERE project_id = $1 ORDER BY address`
		args = append(args, projectID)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing floating ips: %w", err)
	}
	defer rows.Close()
	var ips []FloatingIP
	for rows.Next() {
		fip, err := scanFloatingIP(rows, "")
		if err != nil {
			return nil, err
		}
		ips = append(ips, *fip)
	}
	return ips, rows.Err()
}

// ---- scanning ----

type scannable interface {
	Scan(dest ...any) error
}

func scanNetwork(row scannable, ref string) (*Network, error) {
	var n Network
	err := row.Scan(&n.ID, &n.ProjectID, &n.CIDR, &n.CIDRv6, &n.VLAN, &n.Bridge,
		&n.Gateway, &n.Broadcast, &n.Netmask, &n.DNS, &n.VPNAddress,
		&n.DHCPStart, &n.Host)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidNetwork.NotFound", "network %s not found", ref)
		}
		return nil, fmt.Errorf("scanning network: %w", err)
	}
	return &n, nil
}

func scanFixedIP(row scannable, ref string) (*FixedIP, error) {
	var ip FixedIP
	err := row.Scan(&ip.Address, &ip.NetworkID, &ip.InstanceID, &ip.Allocated,
		&ip.Leased, &ip.Reserved, &ip.PendingRelease, &ip.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidAddress.NotFound", "fixed ip %s not found", ref)
		}
		return nil, fmt.Errorf("scanning fixed ip: %w", err)
	}
	return &ip, nil
}

func scanFloatingIP(row scannable, ref string) (*FloatingIP, error) {
	var fip FloatingIP
	err := row.Scan(&fip.Address, &fip.Host, &fip.ProjectID, &fip.FixedAddress,
		&fip.AutoAssigned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidAddress.NotFound", "floating ip %s not found", ref)
		}
		return nil, fmt.Errorf("scanning floating ip: %w", err)
	}
	return &fip, nil
}
