package firewall

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func webGroup() Group {
	return Group{
		ID:   1,
		Name: "web",
		Rules: []Rule{
			{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "0.0.0.0/0"},
			{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: "0.0.0.0/0"},
		},
	}
}

func oneInstance() []Instance {
	return []Instance{{
		ID:     7,
		IPv4:   []string{"10.0.0.5"},
		Groups: []Group{webGroup()},
	}}
}

func TestCompileChainStructure(t *testing.T) {
	rs := Compile(oneInstance(), nil, false)
	text := rs.Text()

	for _, want := range []string{
		":provider - [0:0]",
		":sg-1 - [0:0]",
		":inst-7 - [0:0]",
		"-A inst-7 -j provider",
		"-A inst-7 -j sg-1",
		"-A inst-7 -j DROP",
		"-A sg-1 -s 0.0.0.0/0 -p tcp -m tcp --dport 80:81 -j ACCEPT",
		"-A sg-1 -s 0.0.0.0/0 -p icmp -j ACCEPT",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("compiled rules missing %q:\n%s", want, text)
		}
	}
}

func TestInstanceChainOrdering(t *testing.T) {
	rs := Compile(oneInstance(), nil, false)
	text := rs.Text()

	provider := strings.Index(text, "-A inst-7 -j provider")
	group := strings.Index(text, "-A inst-7 -j sg-1")
	drop := strings.Index(text, "-A inst-7 -j DROP")
	if !(provider < group && group < drop) {
		t.Errorf("instance chain order wrong: provider=%d group=%d drop=%d", provider, group, drop)
	}
}

func TestICMPTypeRule(t *testing.T) {
	inst := []Instance{{
		ID: 1,
		Groups: []Group{{
			ID:    2,
			Rules: []Rule{{Protocol: "icmp", FromPort: 8, ToPort: -1, CIDR: "0.0.0.0/0"}},
		}},
	}}
	text := Compile(inst, nil, false).Text()
	if !strings.Contains(text, "--icmp-type 8") {
		t.Errorf("icmp type rule missing:\n%s", text)
	}
}

func TestSourceGroupExpansion(t *testing.T) {
	inst := []Instance{{
		ID: 1,
		Groups: []Group{{
			ID:    3,
			Rules: []Rule{{Protocol: "tcp", FromPort: 22, ToPort: 22, SourceGroupID: 9}},
		}},
		GroupMemberIPs: map[int64][]string{9: {"10.0.0.8", "10.0.0.7"}},
	}}
	text := Compile(inst, nil, false).Text()

	seven := strings.Index(text, "-s 10.0.0.7/32 -p tcp -m tcp --dport 22:22")
	eight := strings.Index(text, "-s 10.0.0.8/32 -p tcp -m tcp --dport 22:22")
	if seven < 0 || eight < 0 {
		t.Fatalf("member expansion missing:\n%s", text)
	}
	if seven > eight {
		t.Error("member addresses must be emitted in sorted order")
	}
}

func TestProviderRulesComeFirst(t *testing.T) {
	providers := []ProviderRule{{Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"}}
	text := Compile(oneInstance(), providers, false).Text()

	provRule := strings.Index(text, "-A provider -s 0.0.0.0/0 -p tcp -m tcp --dport 443:443 -j ACCEPT")
	groupRule := strings.Index(text, "-A sg-1")
	if provRule < 0 {
		t.Fatalf("provider rule missing:\n%s", text)
	}
	if provRule > groupRule {
		t.Error("provider rules must precede group rules")
	}
}

func TestCompileDeterminism(t *testing.T) {
	instances := []Instance{
		{
			ID:     2,
			Groups: []Group{webGroup(), {ID: 5, Rules: []Rule{{Protocol: "udp", FromPort: 53, ToPort: 53, CIDR: "10.0.0.0/8"}}}},
			GroupMemberIPs: map[int64][]string{
				5: {"10.1.1.1", "10.1.1.2"},
			},
		},
		{ID: 1, Groups: []Group{webGroup()}},
	}
	providers := []ProviderRule{
		{Protocol: "udp", FromPort: 67, ToPort: 68, CIDR: "0.0.0.0/0"},
		{Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"},
	}

	first := Compile(instances, providers, true)
	for i := 0; i < 10; i++ {
		// Shuffle input ordering: reversed slices must not change output.
		reversed := []Instance{instances[1], instances[0]}
		again := Compile(reversed, []ProviderRule{providers[1], providers[0]}, true)
		if first.Text() != again.Text() || first.TextV6() != again.TextV6() {
			t.Fatal("compilation is not deterministic across input orderings")
		}
	}
}

func TestIPv6OnlyWhenEnabled(t *testing.T) {
	rs := Compile(oneInstance(), nil, false)
	if len(rs.V6) != 0 {
		t.Error("v6 rules generated with use_ipv6 disabled")
	}
	rs = Compile(oneInstance(), nil, true)
	if len(rs.V6) == 0 {
		t.Error("no v6 rules generated with use_ipv6 enabled")
	}
}

func TestIPv6ChainsScaleLinearlyWithNetworks(t *testing.T) {
	lineCount := func(networks int) int {
		var cidrs []string
		for i := 0; i < networks; i++ {
			cidrs = append(cidrs, fmt.Sprintf("fd00:%x::/64", i))
		}
		inst := []Instance{{ID: 1, NetworkCIDRsV6: cidrs, Groups: []Group{webGroup()}}}
		return len(Compile(inst, nil, true).V6)
	}

	base := lineCount(1)
	delta := lineCount(2) - base
	if delta <= 0 {
		t.Fatal("adding a network must add v6 rules")
	}
	for n := 3; n <= 6; n++ {
		if got := lineCount(n) - lineCount(n-1); got != delta {
			t.Errorf("v6 growth from %d to %d networks = %d lines, want %d", n-1, n, got, delta)
		}
	}
}

// recordingDriver records restores for Apply tests.
type recordingDriver struct {
	current  map[string][]string
	restores int
}

func (d *recordingDriver) CurrentRules(_ context.Context, family string) ([]string, error) {
	return d.current[family], nil
}

func (d *recordingDriver) Restore(_ context.Context, family string, rules []string) error {
	if d.current == nil {
		d.current = make(map[string][]string)
	}
	d.current[family] = rules
	d.restores++
	return nil
}

func TestApplyIsIdempotent(t *testing.T) {
	driver := &recordingDriver{}
	c := NewCompiler(driver, false)
	ctx := context.Background()

	if err := c.Apply(ctx, oneInstance(), nil); err != nil {
		t.Fatal(err)
	}
	if driver.restores != 1 {
		t.Fatalf("first apply restores = %d, want 1", driver.restores)
	}

	// Identical desired state must not touch the kernel again.
	if err := c.Apply(ctx, oneInstance(), nil); err != nil {
		t.Fatal(err)
	}
	if driver.restores != 1 {
		t.Errorf("unchanged apply restores = %d, want 1", driver.restores)
	}
}

func equalLinesTestHelper(a, b []string) bool { return equalLines(a, b) }

func TestEqualLines(t *testing.T) {
	if !equalLinesTestHelper([]string{"a", "b"}, []string{"a", "b"}) {
		t.Error("identical slices must compare equal")
	}
	if equalLinesTestHelper([]string{"a"}, []string{"a", "b"}) {
		t.Error("different lengths must compare unequal")
	}
}
