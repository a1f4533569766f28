package identity

import (
	"context"
	"sync"

	"github.com/wisbric/cumulus/pkg/apierr"
)

// MemoryDriver is the in-memory directory variant. It keeps the same
// observable semantics as the LDAP driver, including role groups that
// disappear when their last member is removed.
type MemoryDriver struct {
	mu       sync.Mutex
	users    map[string]*User
	projects map[string]*memProject
	// globalRoles maps role name to member uid set.
	globalRoles map[string]map[string]bool
}

type memProject struct {
	project Project
	// roles maps role name to member uid set, nested under the project.
	roles map[string]map[string]bool
}

// NewMemoryDriver creates an empty in-memory directory.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		users:       make(map[string]*User),
		projects:    make(map[string]*memProject),
		globalRoles: make(map[string]map[string]bool),
	}
}

func (d *MemoryDriver) GetUser(_ context.Context, uid string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[uid]
	if !ok {
		return nil, apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	out := *u
	return &out, nil
}

func (d *MemoryDriver) GetUserByAccessKey(_ context.Context, accessKey string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.AccessKey == accessKey {
			out := *u
			return &out, nil
		}
	}
	return nil, apierr.NotFound("AuthFailure.NotFound", "no user with access key %s", accessKey)
}

func (d *MemoryDriver) GetUsers(_ context.Context) ([]User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	users := make([]User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, *u)
	}
	return users, nil
}

func (d *MemoryDriver) CreateUser(_ context.Context, name, accessKey, secretKey string, admin bool) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[name]; ok {
		return nil, apierr.Duplicate("user %s already exists", name)
	}
	u := &User{ID: name, Name: name, AccessKey: accessKey, SecretKey: secretKey, Admin: admin}
	d.users[name] = u
	out := *u
	return &out, nil
}

func (d *MemoryDriver) ModifyUser(_ context.Context, uid string, accessKey, secretKey *string, admin *bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[uid]
	if !ok {
		return apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	if accessKey != nil {
		u.AccessKey = *accessKey
	}
	if secretKey != nil {
		u.SecretKey = *secretKey
	}
	if admin != nil {
		u.Admin = *admin
	}
	return nil
}

func (d *MemoryDriver) DeleteUser(_ context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[uid]; !ok {
		return apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	// Remove from all projects and roles first.
	for _, p := range d.projects {
		d.removeMemberLocked(p, uid)
	}
	for role, members := range d.globalRoles {
		delete(members, uid)
		if len(members) == 0 {
			delete(d.globalRoles, role)
		}
	}
	delete(d.users, uid)
	return nil
}

func (d *MemoryDriver) GetProject(_ context.Context, pid string) (*Project, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[pid]
	if !ok {
		return nil, apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	return copyProject(&p.project), nil
}

func (d *MemoryDriver) GetProjects(_ context.Context, uid string) ([]Project, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var projects []Project
	for _, p := range d.projects {
		if uid == "" || contains(p.project.MemberIDs, uid) {
			projects = append(projects, *copyProject(&p.project))
		}
	}
	return projects, nil
}

func (d *MemoryDriver) CreateProject(_ context.Context, name, managerUID, description string, memberUIDs []string) (*Project, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.projects[name]; ok {
		return nil, apierr.Duplicate("project %s already exists", name)
	}
	if _, ok := d.users[managerUID]; !ok {
		return nil, apierr.NotFound("InvalidUser.NotFound", "manager %s not found", managerUID)
	}
	if description == "" {
		description = name
	}
	members := make([]string, 0, len(memberUIDs)+1)
	for _, uid := range memberUIDs {
		if _, ok := d.users[uid]; !ok {
			return nil, apierr.NotFound("InvalidUser.NotFound", "member %s not found", uid)
		}
		members = append(members, uid)
	}
	if !contains(members, managerUID) {
		members = append(members, managerUID)
	}
	p := &memProject{
		project: Project{ID: name, Name: name, ManagerID: managerUID, Description: description, MemberIDs: members},
		roles:   make(map[string]map[string]bool),
	}
	d.projects[name] = p
	return copyProject(&p.project), nil
}

func (d *MemoryDriver) ModifyProject(_ context.Context, pid, managerUID, description string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[pid]
	if !ok {
		return apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	if managerUID != "" {
		if _, ok := d.users[managerUID]; !ok {
			return apierr.NotFound("InvalidUser.NotFound", "manager %s not found", managerUID)
		}
		p.project.ManagerID = managerUID
	}
	if description != "" {
		p.project.Description = description
	}
	return nil
}

func (d *MemoryDriver) DeleteProject(_ context.Context, pid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.projects[pid]; !ok {
		return apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	delete(d.projects, pid)
	return nil
}

func (d *MemoryDriver) AddToProject(_ context.Context, uid, pid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[pid]
	if !ok {
		return apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	if _, ok := d.users[uid]; !ok {
		return apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	if contains(p.project.MemberIDs, uid) {
		return apierr.Duplicate("user %s is already a member of %s", uid, pid)
	}
	p.project.MemberIDs = append(p.project.MemberIDs, uid)
	return nil
}

func (d *MemoryDriver) RemoveFromProject(_ context.Context, uid, pid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[pid]
	if !ok {
		return apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	if !contains(p.project.MemberIDs, uid) {
		return apierr.NotFound("InvalidGroup.NotFound", "user %s is not a member of %s", uid, pid)
	}
	d.removeMemberLocked(p, uid)
	return nil
}

// removeMemberLocked drops uid from the project and from every role group
// nested under it.
func (d *MemoryDriver) removeMemberLocked(p *memProject, uid string) {
	p.project.MemberIDs = remove(p.project.MemberIDs, uid)
	for role, members := range p.roles {
		delete(members, uid)
		if len(members) == 0 {
			delete(p.roles, role)
		}
	}
}

func (d *MemoryDriver) IsInProject(_ context.Context, uid, pid string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[pid]
	if !ok {
		return false, nil
	}
	return contains(p.project.MemberIDs, uid), nil
}

func (d *MemoryDriver) HasRole(_ context.Context, uid, role, pid string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[uid]; !ok {
		return false, apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	members, err := d.roleMembersLocked(role, pid, false)
	if err != nil || members == nil {
		return false, err
	}
	return members[uid], nil
}

func (d *MemoryDriver) AddRole(_ context.Context, uid, role, pid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[uid]; !ok {
		return apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	members, err := d.roleMembersLocked(role, pid, true)
	if err != nil {
		return err
	}
	if members[uid] {
		return apierr.Duplicate("user %s already has role %s", uid, role)
	}
	members[uid] = true
	return nil
}

func (d *MemoryDriver) RemoveRole(_ context.Context, uid, role, pid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, err := d.roleMembersLocked(role, pid, false)
	if err != nil {
		return err
	}
	if members == nil || !members[uid] {
		return apierr.NotFound("InvalidGroup.NotFound", "user %s does not have role %s", uid, role)
	}
	delete(members, uid)
	// Structural rule: a group with no members does not exist.
	if len(members) == 0 {
		if pid == "" {
			delete(d.globalRoles, role)
		} else {
			delete(d.projects[pid].roles, role)
		}
	}
	return nil
}

func (d *MemoryDriver) GetUserRoles(_ context.Context, uid, pid string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var roles []string
	if pid == "" {
		for _, role := range AllowedRoles {
			if d.globalRoles[role][uid] {
				roles = append(roles, role)
			}
		}
		return roles, nil
	}
	p, ok := d.projects[pid]
	if !ok {
		return nil, apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	for _, role := range AllowedRoles {
		if p.roles[role][uid] {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// roleMembersLocked resolves the member set backing a role binding. With
// create set, a missing role group is created on the fly.
func (d *MemoryDriver) roleMembersLocked(role, pid string, create bool) (map[string]bool, error) {
	if pid == "" {
		members, ok := d.globalRoles[role]
		if !ok {
			if !create {
				return nil, nil
			}
			members = make(map[string]bool)
			d.globalRoles[role] = members
		}
		return members, nil
	}
	p, ok := d.projects[pid]
	if !ok {
		return nil, apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	members, ok := p.roles[role]
	if !ok {
		if !create {
			return nil, nil
		}
		members = make(map[string]bool)
		p.roles[role] = members
	}
	return members, nil
}

func copyProject(p *Project) *Project {
	c := *p
	c.MemberIDs = append([]string(nil), p.MemberIDs...)
	return &c
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

var _ Driver = (*MemoryDriver)(nil)
