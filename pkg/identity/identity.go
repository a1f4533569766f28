// Package identity manages users, projects, roles and credentials against a
// directory backend. Two driver variants implement the same contract: an
// LDAP driver for production directories and an in-memory driver for tests
// and single-node deployments.
package identity

import "context"

// Role names form a closed set.
const (
	RoleCloudadmin     = "cloudadmin"
	RoleITSec          = "itsec"
	RoleSysadmin       = "sysadmin"
	RoleNetadmin       = "netadmin"
	RoleDeveloper      = "developer"
	RoleProjectManager = "projectmanager"
)

// AllowedRoles lists the roles that may be bound through the directory.
// The projectmanager role is derived from project ownership, not stored.
var AllowedRoles = []string{
	RoleCloudadmin,
	RoleITSec,
	RoleSysadmin,
	RoleNetadmin,
	RoleDeveloper,
}

// User is a directory user.
type User struct {
	ID        string
	Name      string
	AccessKey string
	SecretKey string
	Admin     bool
}

// Project is a directory group of users with a manager.
type Project struct {
	ID          string
	Name        string
	ManagerID   string
	Description string
	MemberIDs   []string
}

// KeyPair is a named SSH public key owned by a user. Key pairs are unique
// per (owner, name).
type KeyPair struct {
	OwnerID     string
	Name        string
	PublicKey   string
	Fingerprint string
}

// Driver is the directory contract. Both variants return apierr.NotFound
// and apierr.Duplicate for missing entries and unique-key collisions.
type Driver interface {
	GetUser(ctx context.Context, uid string) (*User, error)
	GetUserByAccessKey(ctx context.Context, accessKey string) (*User, error)
	GetUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, name, accessKey, secretKey string, admin bool) (*User, error)
	ModifyUser(ctx context.Context, uid string, accessKey, secretKey *string, admin *bool) error
	DeleteUser(ctx context.Context, uid string) error

	GetProject(ctx context.Context, pid string) (*Project, error)
	// GetProjects lists projects; with a non-empty uid, only those the user
	// is a member of.
	GetProjects(ctx context.Context, uid string) ([]Project, error)
	CreateProject(ctx context.Context, name, managerUID, description string, memberUIDs []string) (*Project, error)
	ModifyProject(ctx context.Context, pid, managerUID, description string) error
	DeleteProject(ctx context.Context, pid string) error

	AddToProject(ctx context.Context, uid, pid string) error
	RemoveFromProject(ctx context.Context, uid, pid string) error
	IsInProject(ctx context.Context, uid, pid string) (bool, error)

	// Role bindings. An empty pid addresses the global role group.
	HasRole(ctx context.Context, uid, role, pid string) (bool, error)
	AddRole(ctx context.Context, uid, role, pid string) error
	RemoveRole(ctx context.Context, uid, role, pid string) error
	GetUserRoles(ctx context.Context, uid, pid string) ([]string, error)
}
