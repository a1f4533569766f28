package cloud

import (
	"context"
	"net/netip"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/firewall"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// RuleInput is one requested ingress rule.
type RuleInput struct {
	Protocol        string
	FromPort        int
	ToPort          int
	CIDR            string
	SourceGroupName string
}

// CreateSecurityGroup creates a named group in the caller's project.
func (c *Controller) CreateSecurityGroup(ctx context.Context, rc *auth.RequestContext, name, description string) (*firewall.SecurityGroup, error) {
	if name == "" {
		return nil, apierr.API("group name is required")
	}
	g := &firewall.SecurityGroup{ProjectID: rc.ProjectID, Name: name, Description: description}
	if err := c.groups.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteSecurityGroup removes a group. The default group is permanent and
// groups still bound to instances are refused; deleting a missing group
// succeeds.
func (c *Controller) DeleteSecurityGroup(ctx context.Context, rc *auth.RequestContext, name string) error {
	if name == "default" {
		return apierr.API("the default group cannot be deleted")
	}
	g, err := c.groups.GetGroupByName(ctx, rc.ProjectID, name)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil
		}
		return err
	}
	bound, err := c.instances.ListBySecurityGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	if len(bound) > 0 {
		return apierr.API("group %s is in use by %d instances", name, len(bound))
	}
	return c.groups.DeleteGroup(ctx, g.ID)
}

// DescribeSecurityGroups lists the project's groups, optionally filtered by
// name.
func (c *Controller) DescribeSecurityGroups(ctx context.Context, rc *auth.RequestContext, names []string) ([]firewall.SecurityGroup, error) {
	if _, err := c.groups.EnsureDefaultGroup(ctx, rc.ProjectID); err != nil {
		return nil, err
	}
	groups, err := c.groups.ListGroups(ctx, rc.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return groups, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []firewall.SecurityGroup
	for _, g := range groups {
		if wanted[g.Name] {
			out = append(out, g)
		}
	}
	return out, nil
}

// AuthorizeSecurityGroupIngress adds a rule to a group and recompiles the
// firewall on every host running a member instance.
func (c *Controller) AuthorizeSecurityGroupIngress(ctx context.Context, rc *auth.RequestContext, groupName string, in RuleInput) error {
	g, err := c.groups.GetGroupByName(ctx, rc.ProjectID, groupName)
	if err != nil {
		return err
	}
	rule, err := c.validateRule(ctx, rc, g, in)
	if err != nil {
		return err
	}
	if err := c.groups.AddRule(ctx, rule); err != nil {
		return err
	}
	return c.refreshGroupHosts(ctx, g.ID)
}

// RevokeSecurityGroupIngress removes matching rules and recompiles.
func (c *Controller) RevokeSecurityGroupIngress(ctx context.Context, rc *auth.RequestContext, groupName string, in RuleInput) error {
	g, err := c.groups.GetGroupByName(ctx, rc.ProjectID, groupName)
	if err != nil {
		return err
	}
	rule, err := c.validateRule(ctx, rc, g, in)
	if err != nil {
		return err
	}
	n, err := c.groups.RemoveRule(ctx, *rule)
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.NotFound("InvalidPermission.NotFound", "no matching rule in group %s", groupName)
	}
	return c.refreshGroupHosts(ctx, g.ID)
}

// validateRule normalizes and checks a requested rule. A source group must
// live in the same project.
func (c *Controller) validateRule(ctx context.Context, rc *auth.RequestContext, g *firewall.SecurityGroup, in RuleInput) (*firewall.StoredRule, error) {
	switch in.Protocol {
	case "tcp", "udp":
		if in.FromPort < 1 || in.ToPort > 65535 || in.FromPort > in.ToPort {
			return nil, apierr.API("invalid port range %d-%d", in.FromPort, in.ToPort)
		}
	case "icmp":
		if in.FromPort < -1 || in.ToPort < -1 {
			return nil, apierr.API("invalid icmp type range %d-%d", in.FromPort, in.ToPort)
		}
	default:
		return nil, apierr.API("unsupported protocol %s", in.Protocol)
	}

	rule := &firewall.StoredRule{
		GroupID:  g.ID,
		Protocol: in.Protocol,
		FromPort: in.FromPort,
		ToPort:   in.ToPort,
	}
	switch {
	case in.SourceGroupName != "":
		src, err := c.groups.GetGroupByName(ctx, rc.ProjectID, in.SourceGroupName)
		if err != nil {
			return nil, err
		}
		rule.SourceGroupID = src.ID
	case in.CIDR != "":
		if _, err := netip.ParsePrefix(in.CIDR); err != nil {
			return nil, apierr.API("malformed cidr %s", in.CIDR)
		}
		rule.CIDR = in.CIDR
	default:
		return nil, apierr.API("either a cidr or a source group is required")
	}
	return rule, nil
}

// refreshGroupHosts tells every compute host running an instance bound to
// the group to recompile its firewall chains.
func (c *Controller) refreshGroupHosts(ctx context.Context, groupID int64) error {
	instances, err := c.instances.ListBySecurityGroup(ctx, groupID)
	if err != nil {
		return err
	}
	hosts := make(map[string]bool)
	for _, inst := range instances {
		if inst.Host != "" {
			hosts[inst.Host] = true
		}
	}
	for host := range hosts {
		if err := c.bus.Cast(ctx, rpc.Dest(TopicCompute, host), rpc.Envelope{
			Method: "refresh_security_group",
			Args:   map[string]any{"security_group_id": groupID},
		}); err != nil {
			return err
		}
	}
	return nil
}
