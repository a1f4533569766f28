package firewall

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// SecurityGroup is the stored form of a group; rules are loaded separately.
type SecurityGroup struct {
	ID          int64
	ProjectID   string
	Name        string
	Description string
	Rules       []StoredRule
}

// StoredRule is one persisted ingress rule.
type StoredRule struct {
	ID            int64
	GroupID       int64
	Protocol      string
	FromPort      int
	ToPort        int
	CIDR          string
	SourceGroupID int64
}

// Store provides database operations for security groups and provider
// rules.
type Store struct {
	db db.DBTX
}

// NewStore creates a security-group Store backed by the given database.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

// CreateGroup inserts a group; (project, name) collisions yield Duplicate.
func (s *Store) CreateGroup(ctx context.Context, g *SecurityGroup) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO security_groups (project_id, name, description)
		VALUES ($1, $2, $3) RETURNING id`,
		g.ProjectID, g.Name, g.Description)
	if err := row.Scan(&g.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apierr.Duplicate("security group %s already exists", g.Name)
		}
		return fmt.Errorf("inserting security group: %w", err)
	}
	return nil
}

// EnsureDefaultGroup creates the project's default group if it is missing.
func (s *Store) EnsureDefaultGroup(ctx context.Context, projectID string) (*SecurityGroup, error) {
	g, err := s.GetGroupByName(ctx, projectID, "default")
	if err == nil {
		return g, nil
	}
	if !apierr.IsNotFound(err) {
		return nil, err
	}
	g = &SecurityGroup{ProjectID: projectID, Name: "default", Description: "default"}
	if err := s.CreateGroup(ctx, g); err != nil {
		if apierr.IsDuplicate(err) {
			return s.GetGroupByName(ctx, projectID, "default")
		}
		return nil, err
	}
	return g, nil
}

// GetGroup fetches one group with its rules.
func (s *Store) GetGroup(ctx context.Context, id int64) (*SecurityGroup, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, project_id, name, description FROM security_groups WHERE id = $1`, id)
	return s.scanGroup(ctx, row, fmt.Sprintf("%d", id))
}

// GetGroupByName fetches one group by its (project, name) key.
func (s *Store) GetGroupByName(ctx context.Context, projectID, name string) (*SecurityGroup, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, project_id, name, description FROM security_groups
		WHERE project_id = $1 AND name = $2`, projectID, name)
	return s.scanGroup(ctx, row, name)
}

// ListGroups returns a project's groups with rules.
func (s *Store) ListGroups(ctx context.Context, projectID string) ([]SecurityGroup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, name, description FROM security_groups
		WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing security groups: %w", err)
	}
	defer rows.Close()

	var groups []SecurityGroup
	for rows.Next() {
		var g SecurityGroup
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Name, &g.Description); err != nil {
			return nil, fmt.Errorf("scanning security group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range groups {
		rules, err := s.ListRules(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Rules = rules
	}
	return groups, nil
}

// DeleteGroup removes a group and its rules.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM security_group_rules WHERE group_id = $1 OR source_group_id = $1`, id); err != nil {
		return fmt.Errorf("deleting group rules: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM security_groups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting security group: %w", err)
	}
	return nil
}

// AddRule appends one rule to a group.
func (s *Store) AddRule(ctx context.Context, r *StoredRule) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO security_group_rules (group_id, protocol, from_port, to_port, cidr, source_group_id)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		r.GroupID, r.Protocol, r.FromPort, r.ToPort, r.CIDR, r.SourceGroupID)
	if err := row.Scan(&r.ID); err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// RemoveRule deletes the rules matching the given shape, returning how many
// were removed.
func (s *Store) RemoveRule(ctx context.Context, r StoredRule) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM security_group_rules
		WHERE group_id = $1 AND protocol = $2 AND from_port = $3 AND to_port = $4
			AND cidr = $5 AND source_group_id = $6`,
		r.GroupID, r.Protocol, r.FromPort, r.ToPort, r.CIDR, r.SourceGroupID)
	if err != nil {
		return 0, fmt.Errorf("deleting rule: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListRules returns a group's rules in deterministic order.
func (s *Store) ListRules(ctx context.Context, groupID int64) ([]StoredRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, group_id, protocol, from_port, to_port, cidr, source_group_id
		FROM security_group_rules WHERE group_id = $1
		ORDER BY protocol, from_port, to_port, cidr, source_group_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()
	var rules []StoredRule
	for rows.Next() {
		var r StoredRule
		if err := rows.Scan(&r.ID, &r.GroupID, &r.Protocol, &r.FromPort,
			&r.ToPort, &r.CIDR, &r.SourceGroupID); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GroupNames resolves group ids to names, preserving order.
func (s *Store) GroupNames(ctx context.Context, ids []int64) ([]string, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		var name string
		err := s.db.QueryRow(ctx,
			`SELECT name FROM security_groups WHERE id = $1`, id).Scan(&name)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("resolving group %d: %w", id, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// ---- provider rules ----

// AddProviderRule appends a global pre-group rule. Admin only; enforced at
// the API layer.
func (s *Store) AddProviderRule(ctx context.Context, r ProviderRule) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO provider_fw_rules (protocol, from_port, to_port, cidr)
		VALUES ($1,$2,$3,$4)`,
		r.Protocol, r.FromPort, r.ToPort, r.CIDR); err != nil {
		return fmt.Errorf("inserting provider rule: %w", err)
	}
	return nil
}

// ListProviderRules returns the global rules in deterministic order.
func (s *Store) ListProviderRules(ctx context.Context) ([]ProviderRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT protocol, from_port, to_port, cidr FROM provider_fw_rules
		ORDER BY protocol, from_port, cidr`)
	if err != nil {
		return nil, fmt.Errorf("listing provider rules: %w", err)
	}
	defer rows.Close()
	var rules []ProviderRule
	for rows.Next() {
		var r ProviderRule
		if err := rows.Scan(&r.Protocol, &r.FromPort, &r.ToPort, &r.CIDR); err != nil {
			return nil, fmt.Errorf("scanning provider rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) scanGroup(ctx context.Context, row pgx.Row, ref string) (*SecurityGroup, error) {
	var g SecurityGroup
	if err := row.Scan(&g.ID, &g.ProjectID, &g.Name, &g.Description); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidGroup.NotFound", "security group %s not found", ref)
		}
		return nil, fmt.Errorf("scanning security group: %w", err)
	}
	rules, err := s.ListRules(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	g.Rules = rules
	return &g, nil
}
