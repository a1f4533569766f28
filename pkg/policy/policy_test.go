package policy

import (
	"context"
	"testing"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/identity"
)

type fakeChecker struct {
	// roles maps "uid/role/pid" to membership.
	roles map[string]bool
}

func (f *fakeChecker) HasRole(_ context.Context, uid, role, pid string) (bool, error) {
	return f.roles[uid+"/"+role+"/"+pid], nil
}

func caller(uid, pid string, admin bool) *auth.RequestContext {
	return &auth.RequestContext{RequestID: "req-1", UserID: uid, ProjectID: pid, IsAdmin: admin}
}

func TestAdminBypass(t *testing.T) {
	p := New(&fakeChecker{roles: map[string]bool{}}, DefaultGates)
	if err := p.Authorize(context.Background(), caller("root", "proj", true), "RunInstances"); err != nil {
		t.Errorf("admin should bypass role checks: %v", err)
	}
}

func TestAllRoleAdmitsAnyone(t *testing.T) {
	p := New(&fakeChecker{roles: map[string]bool{}}, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "DescribeInstances"); err != nil {
		t.Errorf("DescribeInstances should admit any caller: %v", err)
	}
}

func TestRoleGateDenies(t *testing.T) {
	p := New(&fakeChecker{roles: map[string]bool{}}, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "RunInstances"); err == nil {
		t.Error("RunInstances should deny a caller with no roles")
	}
}

func TestRoleGateAllows(t *testing.T) {
	p := New(&fakeChecker{roles: map[string]bool{
		"alice/sysadmin/proj": true,
	}}, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "RunInstances"); err != nil {
		t.Errorf("sysadmin should pass RunInstances: %v", err)
	}
}

func TestNetadminRequiresBothScopes(t *testing.T) {
	projectOnly := &fakeChecker{roles: map[string]bool{
		"alice/netadmin/proj": true,
	}}
	p := New(projectOnly, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "AllocateAddress"); err == nil {
		t.Error("AllocateAddress should require the global netadmin binding too")
	}

	both := &fakeChecker{roles: map[string]bool{
		"alice/netadmin/proj": true,
		"alice/netadmin/":     true,
	}}
	p = New(both, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "AllocateAddress"); err != nil {
		t.Errorf("AllocateAddress with both bindings: %v", err)
	}
}

func TestUnregisteredVerbDenied(t *testing.T) {
	p := New(&fakeChecker{roles: map[string]bool{}}, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "LaunchRockets"); err == nil {
		t.Error("unregistered verbs must be denied")
	}
}

func TestProjectManagerGate(t *testing.T) {
	p := New(&fakeChecker{roles: map[string]bool{
		"alice/" + identity.RoleProjectManager + "/proj": true,
	}}, DefaultGates)
	if err := p.Authorize(context.Background(), caller("alice", "proj", false), "TerminateInstances"); err != nil {
		t.Errorf("project manager should pass TerminateInstances: %v", err)
	}
}
