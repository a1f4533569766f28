// Package firewall compiles security-group graphs into per-instance
// packet-filter chains and applies them to hosts through a driver. The
// compiler is pure: the same inputs always produce byte-identical rule
// text.
package firewall

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wisbric/cumulus/internal/telemetry"
)

// Rule is one ingress rule of a security group. Exactly one of CIDR and
// SourceGroupID is set.
type Rule struct {
	Protocol      string // tcp, udp, icmp
	FromPort      int
	ToPort        int
	CIDR          string
	SourceGroupID int64
}

// Group is a security group with its rule set.
type Group struct {
	ID    int64
	Name  string
	Rules []Rule
}

// ProviderRule is a global rule evaluated before any security group.
type ProviderRule struct {
	Protocol string
	FromPort int
	ToPort   int
	CIDR     string
}

// Instance is the compiler input for one instance: its addresses, bound
// groups, and the materialized member addresses of any source groups.
type Instance struct {
	ID             int64
	IPv4           []string
	IPv6           []string
	NetworkCIDRsV6 []string
	Groups         []Group
	// GroupMemberIPs maps a source group id to its member instance
	// addresses, materialized once per compile.
	GroupMemberIPs map[int64][]string
}

// RuleSet is the compiled output: ordered rule text for each family.
type RuleSet struct {
	V4 []string
	V6 []string
}

// Text renders one family's rules as a single restore payload.
func (rs RuleSet) Text() string {
	return strings.Join(rs.V4, "\n") + "\n"
}

// TextV6 renders the IPv6 payload.
func (rs RuleSet) TextV6() string {
	return strings.Join(rs.V6, "\n") + "\n"
}

// Driver applies compiled chains to a host's kernel. Implementations own
// only the chains the compiler generates and never touch others.
type Driver interface {
	// CurrentRules returns the rule text currently applied for the family
	// ("v4" or "v6").
	CurrentRules(ctx context.Context, family string) ([]string, error)
	// Restore atomically replaces the compiler-owned chains.
	Restore(ctx context.Context, family string, rules []string) error
}

// Compiler builds and applies instance chains.
type Compiler struct {
	driver  Driver
	useIPv6 bool
}

// NewCompiler creates a compiler over the given driver.
func NewCompiler(driver Driver, useIPv6 bool) *Compiler {
	return &Compiler{driver: driver, useIPv6: useIPv6}
}

// InstanceChain names the per-instance chain.
func InstanceChain(instanceID int64) string {
	return fmt.Sprintf("inst-%d", instanceID)
}

// GroupChain names the per-security-group chain.
func GroupChain(groupID int64) string {
	return fmt.Sprintf("sg-%d", groupID)
}

const providerChain = "provider"

// Compile produces the chain sets for a host's instances and the global
// provider rules. Output ordering is fully deterministic.
func Compile(instances []Instance, providerRules []ProviderRule, useIPv6 bool) RuleSet {
	telemetry.FirewallCompilesTotal.Inc()
	instances = append([]Instance(nil), instances...)
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	var rs RuleSet
	rs.V4 = compileFamily(instances, providerRules, false)
	if useIPv6 {
		rs.V6 = compileFamily(instances, providerRules, true)
	}
	return rs
}

func compileFamily(instances []Instance, providerRules []ProviderRule, v6 bool) []string {
	var lines []string

	// Chain declarations first: provider, every group chain, every
	// instance chain.
	lines = append(lines, ":"+providerChain+" - [0:0]")
	for _, g := range collectGroups(instances) {
		lines = append(lines, ":"+GroupChain(g.ID)+" - [0:0]")
	}
	for _, inst := range instances {
		lines = append(lines, ":"+InstanceChain(inst.ID)+" - [0:0]")
	}

	// Provider rules are evaluated before any security group.
	for _, pr := range sortedProviderRules(providerRules) {
		if v6 != isV6CIDR(pr.CIDR) {
			continue
		}
		lines = append(lines, fmt.Sprintf("-A %s %s -j ACCEPT",
			providerChain, matchClause(pr.Protocol, pr.FromPort, pr.ToPort, pr.CIDR)))
	}

	// One chain per security group, one ACCEPT per rule. Rules sourcing
	// another group expand to one ACCEPT per member address.
	memberIPs := mergeMemberIPs(instances)
	for _, g := range collectGroups(instances) {
		for _, r := range sortedRules(g.Rules) {
			if r.SourceGroupID != 0 {
				for _, ip := range sortedAddrs(memberIPs[r.SourceGroupID], v6) {
					lines = append(lines, fmt.Sprintf("-A %s %s -j ACCEPT",
						GroupChain(g.ID), matchClause(r.Protocol, r.FromPort, r.ToPort, ip+hostBits(v6))))
				}
				continue
			}
			if v6 != isV6CIDR(r.CIDR) {
				continue
			}
			lines = append(lines, fmt.Sprintf("-A %s %s -j ACCEPT",
				GroupChain(g.ID), matchClause(r.Protocol, r.FromPort, r.ToPort, r.CIDR)))
		}
	}

	// Per-instance chains: provider first, then the bound groups, then the
	// default drop.
	for _, inst := range instances {
		chain := InstanceChain(inst.ID)
		lines = append(lines, fmt.Sprintf("-A %s -j %s", chain, providerChain))
		if v6 {
			for _, cidr := range sortedStrings(inst.NetworkCIDRsV6) {
				lines = append(lines, fmt.Sprintf("-A %s -s %s -m state --state RELATED,ESTABLISHED -j ACCEPT", chain, cidr))
			}
		}
		groups := append([]Group(nil), inst.Groups...)
		sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
		for _, g := range groups {
			lines = append(lines, fmt.Sprintf("-A %s -j %s", chain, GroupChain(g.ID)))
		}
		lines = append(lines, fmt.Sprintf("-A %s -j DROP", chain))
	}

	return lines
}

// Apply compiles the desired chain set, diffs it against what the host
// currently runs, and replaces it atomically when they differ.
func (c *Compiler) Apply(ctx context.Context, instances []Instance, providerRules []ProviderRule) error {
	desired := Compile(instances, providerRules, c.useIPv6)

	if err := c.applyFamily(ctx, "v4", desired.V4); err != nil {
		return err
	}
	if c.useIPv6 {
		if err := c.applyFamily(ctx, "v6", desired.V6); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) applyFamily(ctx context.Context, family string, desired []string) error {
	current, err := c.driver.CurrentRules(ctx, family)
	if err != nil {
		return fmt.Errorf("reading %s rules: %w", family, err)
	}
	if equalLines(current, desired) {
		return nil
	}
	if err := c.driver.Restore(ctx, family, desired); err != nil {
		return fmt.Errorf("restoring %s rules: %w", family, err)
	}
	return nil
}

// ---- helpers ----

func matchClause(protocol string, fromPort, toPort int, cidr string) string {
	src := ""
	if cidr != "" {
		src = fmt.Sprintf("-s %s ", cidr)
	}
	switch protocol {
	case "icmp":
		if fromPort == -1 {
			return fmt.Sprintf("%s-p icmp", src)
		}
		return fmt.Sprintf("%s-p icmp -m icmp --icmp-type %d", src, fromPort)
	default:
		return fmt.Sprintf("%s-p %s -m %s --dport %d:%d", src, protocol, protocol, fromPort, toPort)
	}
}

func hostBits(v6 bool) string {
	if v6 {
		return "/128"
	}
	return "/32"
}

func isV6CIDR(cidr string) bool {
	return strings.Contains(cidr, ":")
}

func collectGroups(instances []Instance) []Group {
	seen := make(map[int64]Group)
	for _, inst := range instances {
		for _, g := range inst.Groups {
			seen[g.ID] = g
		}
	}
	out := make([]Group, 0, len(seen))
	for _, g := range seen {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func mergeMemberIPs(instances []Instance) map[int64][]string {
	merged := make(map[int64][]string)
	for _, inst := range instances {
		for gid, ips := range inst.GroupMemberIPs {
			merged[gid] = append(merged[gid], ips...)
		}
	}
	for gid := range merged {
		merged[gid] = dedupe(merged[gid])
	}
	return merged
}

func sortedRules(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		if a.FromPort != b.FromPort {
			return a.FromPort < b.FromPort
		}
		if a.ToPort != b.ToPort {
			return a.ToPort < b.ToPort
		}
		if a.CIDR != b.CIDR {
			return a.CIDR < b.CIDR
		}
		return a.SourceGroupID < b.SourceGroupID
	})
	return out
}

func sortedProviderRules(rules []ProviderRule) []ProviderRule {
	out := append([]ProviderRule(nil), rules...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		if a.FromPort != b.FromPort {
			return a.FromPort < b.FromPort
		}
		return a.CIDR < b.CIDR
	})
	return out
}

func sortedAddrs(addrs []string, v6 bool) []string {
	var out []string
	for _, a := range addrs {
		if isV6CIDR(a) == v6 {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	var last string
	for i, s := range in {
		if i == 0 || s != last {
			out = append(out, s)
		}
		last = s
	}
	return out
}
