package cloud

import (
	"context"

	"github.com/wisbric/cumulus/pkg/firewall"
)

// CompileFirewall materializes the desired packet-filter chain set for one
// instance: its bound groups, the closure of source-group member addresses,
// and the global provider rules. Compute hosts run the same compilation;
// this entry point lets operators inspect what a host should be enforcing.
func (c *Controller) CompileFirewall(ctx context.Context, instanceID int64) (*firewall.RuleSet, error) {
	inst, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	input := firewall.Instance{
		ID:             inst.ID,
		IPv4:           []string{inst.PrivateIP},
		GroupMemberIPs: make(map[int64][]string),
	}

	for _, gid := range inst.SecurityGroupIDs {
		g, err := c.groups.GetGroup(ctx, gid)
		if err != nil {
			return nil, err
		}
		fg := firewall.Group{ID: g.ID, Name: g.Name}
		for _, r := range g.Rules {
			fg.Rules = append(fg.Rules, firewall.Rule{
				Protocol:      r.Protocol,
				FromPort:      r.FromPort,
				ToPort:        r.ToPort,
				CIDR:          r.CIDR,
				SourceGroupID: r.SourceGroupID,
			})
			if r.SourceGroupID == 0 {
				continue
			}
			// Materialize the source group's member addresses once.
			if _, done := input.GroupMemberIPs[r.SourceGroupID]; done {
				continue
			}
			members, err := c.instances.ListBySecurityGroup(ctx, r.SourceGroupID)
			if err != nil {
				return nil, err
			}
			var ips []string
			for _, m := range members {
				if m.PrivateIP != "" {
					ips = append(ips, m.PrivateIP)
				}
			}
			input.GroupMemberIPs[r.SourceGroupID] = ips
		}
		input.Groups = append(input.Groups, fg)
	}

	providerRules, err := c.groups.ListProviderRules(ctx)
	if err != nil {
		return nil, err
	}

	rs := firewall.Compile([]firewall.Instance{input}, providerRules, c.settings.UseIPv6)
	return &rs, nil
}
