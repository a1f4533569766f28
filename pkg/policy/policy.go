// Package policy gates API verbs on role membership. Each verb declares the
// role set allowed to invoke it; evaluation is uniform across the API.
package policy

import (
	"context"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/identity"
)

// RoleAll admits any authenticated caller.
const RoleAll = "all"

// Gate declares who may invoke a verb.
type Gate struct {
	// Roles is the any-of set; RoleAll admits everyone.
	Roles []string
	// NetadminBothScopes requires the netadmin role to be held both
	// globally and in the current project.
	NetadminBothScopes bool
}

// Checker answers role-membership questions; implemented by
// identity.Manager.
type Checker interface {
	HasRole(ctx context.Context, uid, role, pid string) (bool, error)
}

// Policy evaluates verb gates against the registered table.
type Policy struct {
	checker Checker
	gates   map[string]Gate
}

// New creates a Policy over the given gate table.
func New(checker Checker, gates map[string]Gate) *Policy {
	return &Policy{checker: checker, gates: gates}
}

// Authorize checks that the caller may invoke the verb. Admin callers
// bypass role checks; otherwise any allowed role held by the caller in the
// request's project grants access.
func (p *Policy) Authorize(ctx context.Context, rc *auth.RequestContext, verb string) error {
	if rc == nil {
		return apierr.AuthFailure("missing request context")
	}
	if rc.IsAdmin {
		return nil
	}
	gate, ok := p.gates[verb]
	if !ok {
		return apierr.Unauthorized("no policy registered for %s", verb)
	}

	for _, role := range gate.Roles {
		if role == RoleAll {
			return nil
		}
		ok, err := p.checker.HasRole(ctx, rc.UserID, role, rc.ProjectID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if role == identity.RoleNetadmin && gate.NetadminBothScopes {
			global, err := p.checker.HasRole(ctx, rc.UserID, identity.RoleNetadmin, "")
			if err != nil {
				return err
			}
			if !global {
				continue
			}
		}
		return nil
	}
	return apierr.Unauthorized("user %s is not allowed to invoke %s in project %s",
		rc.UserID, verb, rc.ProjectID)
}

// DefaultGates is the verb table for the EC2 surface.
var DefaultGates = map[string]Gate{
	"DescribeAvailabilityZones": {Roles: []string{RoleAll}},
	"DescribeRegions":           {Roles: []string{RoleAll}},
	"DescribeInstances":         {Roles: []string{RoleAll}},
	"DescribeImages":            {Roles: []string{RoleAll}},
	"DescribeKeyPairs":          {Roles: []string{RoleAll}},
	"DescribeSecurityGroups":    {Roles: []string{RoleAll}},
	"DescribeVolumes":           {Roles: []string{RoleAll}},
	"DescribeSnapshots":         {Roles: []string{RoleAll}},
	"DescribeAddresses":         {Roles: []string{RoleAll}},
	"GetConsoleOutput":          {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"GetPasswordData":           {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},

	"CreateKeyPair": {Roles: []string{RoleAll}},
	"ImportKeyPair": {Roles: []string{RoleAll}},
	"DeleteKeyPair": {Roles: []string{RoleAll}},

	"RunInstances":       {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"TerminateInstances": {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"RebootInstances":    {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"StartInstances":     {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"StopInstances":      {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},

	"CreateVolume":   {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"DeleteVolume":   {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"AttachVolume":   {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"DetachVolume":   {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"CreateSnapshot": {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"DeleteSnapshot": {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},

	"CreateSecurityGroup":          {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin, identity.RoleNetadmin}},
	"DeleteSecurityGroup":          {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin, identity.RoleNetadmin}},
	"AuthorizeSecurityGroupIngress": {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin, identity.RoleNetadmin}},
	"RevokeSecurityGroupIngress":    {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin, identity.RoleNetadmin}},

	"AllocateAddress":     {Roles: []string{identity.RoleNetadmin}, NetadminBothScopes: true},
	"ReleaseAddress":      {Roles: []string{identity.RoleNetadmin}, NetadminBothScopes: true},
	"AssociateAddress":    {Roles: []string{identity.RoleNetadmin}, NetadminBothScopes: true},
	"DisassociateAddress": {Roles: []string{identity.RoleNetadmin}, NetadminBothScopes: true},

	"RegisterImage":        {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"DeregisterImage":      {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
	"ModifyImageAttribute": {Roles: []string{identity.RoleProjectManager, identity.RoleSysadmin}},
}
