package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/wisbric/cumulus/pkg/apierr"
)

// Directory schema constants. The project attribute names follow the v2
// schema; list-valued manager attributes written by older tools are
// tolerated on read.
const (
	userObjectClass    = "cumulusUser"
	projectObjectClass = "groupOfNames"
	projectPattern     = "(owner=*)"
	managerAttribute   = "owner"
	adminAttribute     = "isCloudAdmin"
	accessKeyAttribute = "accessKey"
	secretKeyAttribute = "secretKey"
)

// LDAPConfig carries the directory connection and layout settings.
type LDAPConfig struct {
	URL             string
	BindDN          string
	Password        string
	UserSubtree     string
	ProjectSubtree  string
	UserIDAttribute string
	// ModifyOnly makes user create/delete operate on attributes of
	// pre-provisioned entries instead of adding and removing entries.
	ModifyOnly bool
	// GlobalRoleDNs maps each global role name onto its well-known group DN
	// in the existing directory schema.
	GlobalRoleDNs map[string]string
}

type ldapConn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Del(req *ldap.DelRequest) error
	Modify(req *ldap.ModifyRequest) error
	Close() error
}

// LDAPDriver implements Driver against an LDAP directory.
type LDAPDriver struct {
	cfg  LDAPConfig
	conn ldapConn
}

// DialLDAP connects and binds to the directory.
func DialLDAP(cfg LDAPConfig) (*LDAPDriver, error) {
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing ldap %s: %w", cfg.URL, err)
	}
	if err := conn.Bind(cfg.BindDN, cfg.Password); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("binding as %s: %w", cfg.BindDN, err)
	}
	return &LDAPDriver{cfg: cfg, conn: conn}, nil
}

// Close releases the directory connection.
func (d *LDAPDriver) Close() error {
	return d.conn.Close()
}

func (d *LDAPDriver) GetUser(_ context.Context, uid string) (*User, error) {
	entry, err := d.findUserEntry(uid)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	u := d.entryToUser(entry)
	if u == nil {
		return nil, apierr.NotFound("InvalidUser.NotFound", "user %s entry is malformed", uid)
	}
	return u, nil
}

func (d *LDAPDriver) GetUserByAccessKey(_ context.Context, accessKey string) (*User, error) {
	entries, err := d.search(d.cfg.UserSubtree,
		fmt.Sprintf("(%s=%s)", accessKeyAttribute, ldap.EscapeFilter(accessKey)))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if u := d.entryToUser(e); u != nil {
			return u, nil
		}
	}
	return nil, apierr.NotFound("AuthFailure.NotFound", "no user with access key %s", accessKey)
}

func (d *LDAPDriver) GetUsers(_ context.Context) ([]User, error) {
	entries, err := d.search(d.cfg.UserSubtree, fmt.Sprintf("(objectclass=%s)", userObjectClass))
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(entries))
	for _, e := range entries {
		if u := d.entryToUser(e); u != nil {
			users = append(users, *u)
		}
	}
	return users, nil
}

func (d *LDAPDriver) CreateUser(ctx context.Context, name, accessKey, secretKey string, admin bool) (*User, error) {
	if existing, _ := d.findUserEntry(name); existing != nil && d.entryToUser(existing) != nil {
		return nil, apierr.Duplicate("user %s already exists", name)
	}

	if d.cfg.ModifyOnly {
		// The entry is pre-provisioned by an external system; write our
		// attributes onto it. A malformed entry (partial attributes from a
		// crashed earlier write) is repaired by replacing what exists and
		// adding what does not.
		entry, err := d.findUserEntry(name)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, apierr.NotFound("InvalidUser.NotFound", "directory entry for %s does not exist", name)
		}
		mod := ldap.NewModifyRequest(entry.DN, nil)
		replaceOrAdd(mod, entry, secretKeyAttribute, secretKey)
		replaceOrAdd(mod, entry, accessKeyAttribute, accessKey)
		replaceOrAdd(mod, entry, adminAttribute, boolAttr(admin))
		if err := d.conn.Modify(mod); err != nil {
			return nil, fmt.Errorf("modifying user %s: %w", name, err)
		}
		return d.GetUser(ctx, name)
	}

	add := ldap.NewAddRequest(d.userDN(name, false), nil)
	add.Attribute("objectclass", []string{"person", "organizationalPerson", "inetOrgPerson", userObjectClass})
	add.Attribute(d.cfg.UserIDAttribute, []string{name})
	add.Attribute("sn", []string{name})
	add.Attribute("cn", []string{name})
	add.Attribute(secretKeyAttribute, []string{secretKey})
	add.Attribute(accessKeyAttribute, []string{accessKey})
	add.Attribute(adminAttribute, []string{boolAttr(admin)})
	if err := d.conn.Add(add); err != nil {
		return nil, fmt.Errorf("adding user %s: %w", name, err)
	}
	return &User{ID: name, Name: name, AccessKey: accessKey, SecretKey: secretKey, Admin: admin}, nil
}

func (d *LDAPDriver) ModifyUser(_ context.Context, uid string, accessKey, secretKey *string, admin *bool) error {
	if accessKey == nil && secretKey == nil && admin == nil {
		return nil
	}
	mod := ldap.NewModifyRequest(d.userDN(uid, true), nil)
	if accessKey != nil {
		mod.Replace(accessKeyAttribute, []string{*accessKey})
	}
	if secretKey != nil {
		mod.Replace(secretKeyAttribute, []string{*secretKey})
	}
	if admin != nil {
		mod.Replace(adminAttribute, []string{boolAttr(*admin)})
	}
	if err := d.conn.Modify(mod); err != nil {
		return fmt.Errorf("modifying user %s: %w", uid, err)
	}
	return nil
}

func (d *LDAPDriver) DeleteUser(ctx context.Context, uid string) error {
	entry, err := d.findUserEntry(uid)
	if err != nil {
		return err
	}
	if entry == nil {
		return apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	if err := d.removeFromAll(uid); err != nil {
		return err
	}

	if d.cfg.ModifyOnly {
		mod := ldap.NewModifyRequest(entry.DN, nil)
		for _, attr := range []string{secretKeyAttribute, accessKeyAttribute, adminAttribute} {
			if vals := entry.GetAttributeValues(attr); len(vals) > 0 {
				mod.Delete(attr, vals)
			}
		}
		if err := d.conn.Modify(mod); err != nil {
			return fmt.Errorf("deleting attributes of %s: %w", uid, err)
		}
		return nil
	}

	if err := d.conn.Del(ldap.NewDelRequest(entry.DN, nil)); err != nil {
		return fmt.Errorf("deleting user %s: %w", uid, err)
	}
	return nil
}

func (d *LDAPDriver) GetProject(_ context.Context, pid string) (*Project, error) {
	entry, err := d.findObject(d.projectDN(pid, true), projectPattern)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, apierr.NotFound("InvalidProject.NotFound", "project %s not found", pid)
	}
	return d.entryToProject(entry), nil
}

func (d *LDAPDriver) GetProjects(_ context.Context, uid string) ([]Project, error) {
	pattern := projectPattern
	if uid != "" {
		pattern = fmt.Sprintf("(&%s(member=%s))", projectPattern, d.userDN(uid, true))
	}
	entries, err := d.search(d.cfg.ProjectSubtree, pattern)
	if err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(entries))
	for _, e := range entries {
		projects = append(projects, *d.entryToProject(e))
	}
	return projects, nil
}

func (d *LDAPDriver) CreateProject(_ context.Context, name, managerUID, description string, memberUIDs []string) (*Project, error) {
	if existing, _ := d.findObject(d.projectDN(name, true), projectPattern); existing != nil {
		return nil, apierr.Duplicate("project %s already exists", name)
	}
	managerDN, err := d.mustUserDN(managerUID)
	if err != nil {
		return nil, err
	}
	// description is a required attribute
	if description == "" {
		description = name
	}
	members := make([]string, 0, len(memberUIDs)+1)
	for _, uid := range memberUIDs {
		dn, err := d.mustUserDN(uid)
		if err != nil {
			return nil, err
		}
		members = append(members, dn)
	}
	// always add the manager because the member attribute is required
	if !containsFold(members, managerDN) {
		members = append(members, managerDN)
	}

	add := ldap.NewAddRequest(d.projectDN(name, false), nil)
	add.Attribute("objectclass", []string{projectObjectClass})
	add.Attribute("cn", []string{name})
	add.Attribute("description", []string{description})
	add.Attribute(managerAttribute, []string{managerDN})
	add.Attribute("member", members)
	if err := d.conn.Add(add); err != nil {
		return nil, fmt.Errorf("adding project %s: %w", name, err)
	}

	memberIDs := make([]string, len(members))
	for i, dn := range members {
		memberIDs[i] = dnToUID(dn)
	}
	return &Project{ID: name, Name: name, ManagerID: managerUID, Description: description, MemberIDs: memberIDs}, nil
}

func (d *LDAPDriver) ModifyProject(_ context.Context, pid, managerUID, description string) error {
	if managerUID == "" && description == "" {
		return nil
	}
	mod := ldap.NewModifyRequest(d.projectDN(pid, true), nil)
	if managerUID != "" {
		managerDN, err := d.mustUserDN(managerUID)
		if err != nil {
			return err
		}
		mod.Replace(managerAttribute, []string{managerDN})
	}
	if description != "" {
		mod.Replace("description", []string{description})
	}
	if err := d.conn.Modify(mod); err != nil {
		return fmt.Errorf("modifying project %s: %w", pid, err)
	}
	return nil
}

func (d *LDAPDriver) DeleteProject(_ context.Context, pid string) error {
	projectDN := d.projectDN(pid, true)
	// Role groups nested under the project go first.
	roleDNs, err := d.findRoleDNs(projectDN)
	if err != nil {
		return err
	}
	for _, dn := range roleDNs {
		if err := d.deleteGroup(dn); err != nil {
			return err
		}
	}
	return d.deleteGroup(projectDN)
}

func (d *LDAPDriver) AddToProject(_ context.Context, uid, pid string) error {
	return d.addToGroup(uid, d.projectDN(pid, true))
}

// RemoveFromProject removes the user from the project group and from every
// role group nested under the project.
func (d *LDAPDriver) RemoveFromProject(_ context.Context, uid, pid string) error {
	return d.removeFromGroup(uid, d.projectDN(pid, true))
}

func (d *LDAPDriver) IsInProject(_ context.Context, uid, pid string) (bool, error) {
	return d.isInGroup(uid, d.projectDN(pid, true))
}

func (d *LDAPDriver) HasRole(_ context.Context, uid, role, pid string) (bool, error) {
	dn, err := d.roleDN(role, pid)
	if err != nil {
		return false, err
	}
	return d.isInGroup(uid, dn)
}

// AddRole binds a role to a user, creating the role group on first use.
func (d *LDAPDriver) AddRole(_ context.Context, uid, role, pid string) error {
	dn, err := d.roleDN(role, pid)
	if err != nil {
		return err
	}
	exists, err := d.groupExists(dn)
	if err != nil {
		return err
	}
	if !exists {
		description := fmt.Sprintf("%s role for %s", role, pid)
		if pid == "" {
			description = fmt.Sprintf("global %s role", role)
		}
		return d.createGroup(dn, role, uid, description)
	}
	return d.addToGroup(uid, dn)
}

func (d *LDAPDriver) RemoveRole(_ context.Context, uid, role, pid string) error {
	dn, err := d.roleDN(role, pid)
	if err != nil {
		return err
	}
	return d.removeFromGroup(uid, dn)
}

func (d *LDAPDriver) GetUserRoles(_ context.Context, uid, pid string) ([]string, error) {
	if pid == "" {
		// Global role groups are not guaranteed to share a subtree, so each
		// well-known DN is probed individually.
		var roles []string
		for _, role := range AllowedRoles {
			dn, err := d.roleDN(role, "")
			if err != nil {
				return nil, err
			}
			in, err := d.isInGroup(uid, dn)
			if err != nil {
				return nil, err
			}
			if in {
				roles = append(roles, role)
			}
		}
		return roles, nil
	}

	projectDN := d.projectDN(pid, true)
	filter := fmt.Sprintf("(&(objectclass=%s)(!%s)(member=%s))",
		projectObjectClass, projectPattern, d.userDN(uid, true))
	entries, err := d.search(projectDN, filter)
	if err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(entries))
	for _, e := range entries {
		roles = append(roles, e.GetAttributeValue("cn"))
	}
	return roles, nil
}

// ---- group plumbing ----

func (d *LDAPDriver) createGroup(groupDN, name, uid, description string) error {
	memberDN, err := d.mustUserDN(uid)
	if err != nil {
		return err
	}
	add := ldap.NewAddRequest(groupDN, nil)
	add.Attribute("objectclass", []string{projectObjectClass})
	add.Attribute("cn", []string{name})
	add.Attribute("description", []string{description})
	add.Attribute("member", []string{memberDN})
	if err := d.conn.Add(add); err != nil {
		return fmt.Errorf("adding group %s: %w", groupDN, err)
	}
	return nil
}

func (d *LDAPDriver) groupExists(dn string) (bool, error) {
	entry, err := d.findObject(dn, fmt.Sprintf("(objectclass=%s)", projectObjectClass))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func (d *LDAPDriver) isInGroup(uid, groupDN string) (bool, error) {
	userDN, err := d.mustUserDN(uid)
	if err != nil {
		return false, err
	}
	exists, err := d.groupExists(groupDN)
	if err != nil || !exists {
		return false, err
	}
	entries, err := d.searchScoped(groupDN, fmt.Sprintf("(member=%s)", ldap.EscapeFilter(userDN)), ldap.ScopeBaseObject)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (d *LDAPDriver) addToGroup(uid, groupDN string) error {
	userDN, err := d.mustUserDN(uid)
	if err != nil {
		return err
	}
	exists, err := d.groupExists(groupDN)
	if err != nil {
		return err
	}
	if !exists {
		return apierr.NotFound("InvalidGroup.NotFound", "group %s does not exist", groupDN)
	}
	in, err := d.isInGroup(uid, groupDN)
	if err != nil {
		return err
	}
	if in {
		return apierr.Duplicate("user %s is already a member of %s", uid, groupDN)
	}
	mod := ldap.NewModifyRequest(groupDN, nil)
	mod.Add("member", []string{userDN})
	if err := d.conn.Modify(mod); err != nil {
		return fmt.Errorf("adding %s to %s: %w", uid, groupDN, err)
	}
	return nil
}

// removeFromGroup removes the user from the group and from any sub-groups
// nested under it.
func (d *LDAPDriver) removeFromGroup(uid, groupDN string) error {
	exists, err := d.groupExists(groupDN)
	if err != nil {
		return err
	}
	if !exists {
		return apierr.NotFound("InvalidGroup.NotFound", "group %s does not exist", groupDN)
	}
	in, err := d.isInGroup(uid, groupDN)
	if err != nil {
		return err
	}
	if !in {
		return apierr.NotFound("InvalidGroup.NotFound", "user %s is not a member of %s", uid, groupDN)
	}
	subDNs, err := d.findGroupDNsWithMember(groupDN, uid)
	if err != nil {
		return err
	}
	for _, dn := range subDNs {
		if err := d.safeRemoveFromGroup(uid, dn); err != nil {
			return err
		}
	}
	return nil
}

// safeRemoveFromGroup removes the user, deleting the group when the
// directory refuses to drop the last member of a groupOfNames.
func (d *LDAPDriver) safeRemoveFromGroup(uid, groupDN string) error {
	mod := ldap.NewModifyRequest(groupDN, nil)
	mod.Delete("member", []string{d.userDN(uid, true)})
	err := d.conn.Modify(mod)
	if err == nil {
		return nil
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation) {
		return d.deleteGroup(groupDN)
	}
	return fmt.Errorf("removing %s from %s: %w", uid, groupDN, err)
}

func (d *LDAPDriver) removeFromAll(uid string) error {
	roleDNs, err := d.findGroupDNsWithMember(d.cfg.ProjectSubtree, uid)
	if err != nil {
		return err
	}
	for _, dn := range roleDNs {
		if err := d.safeRemoveFromGroup(uid, dn); err != nil {
			return err
		}
	}
	for _, dn := range d.cfg.GlobalRoleDNs {
		in, err := d.isInGroup(uid, dn)
		if err != nil {
			return err
		}
		if in {
			if err := d.safeRemoveFromGroup(uid, dn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *LDAPDriver) deleteGroup(groupDN string) error {
	exists, err := d.groupExists(groupDN)
	if err != nil {
		return err
	}
	if !exists {
		return apierr.NotFound("InvalidGroup.NotFound", "group %s does not exist", groupDN)
	}
	if err := d.conn.Del(ldap.NewDelRequest(groupDN, nil)); err != nil {
		return fmt.Errorf("deleting group %s: %w", groupDN, err)
	}
	return nil
}

func (d *LDAPDriver) findRoleDNs(tree string) ([]string, error) {
	filter := fmt.Sprintf("(&(objectclass=%s)(!%s))", projectObjectClass, projectPattern)
	entries, err := d.search(tree, filter)
	if err != nil {
		return nil, err
	}
	dns := make([]string, 0, len(entries))
	for _, e := range entries {
		dns = append(dns, e.DN)
	}
	return dns, nil
}

func (d *LDAPDriver) findGroupDNsWithMember(tree, uid string) ([]string, error) {
	filter := fmt.Sprintf("(&(objectclass=%s)(member=%s))",
		projectObjectClass, ldap.EscapeFilter(d.userDN(uid, true)))
	entries, err := d.search(tree, filter)
	if err != nil {
		return nil, err
	}
	dns := make([]string, 0, len(entries))
	for _, e := range entries {
		dns = append(dns, e.DN)
	}
	return dns, nil
}

// ---- search plumbing ----

func (d *LDAPDriver) findUserEntry(uid string) (*ldap.Entry, error) {
	filter := fmt.Sprintf("(&(%s=%s)(objectclass=%s))",
		d.cfg.UserIDAttribute, ldap.EscapeFilter(uid), userObjectClass)
	return d.findObject(d.cfg.UserSubtree, filter)
}

func (d *LDAPDriver) findObject(baseDN, filter string) (*ldap.Entry, error) {
	entries, err := d.search(baseDN, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (d *LDAPDriver) search(baseDN, filter string) ([]*ldap.Entry, error) {
	return d.searchScoped(baseDN, filter, ldap.ScopeWholeSubtree)
}

func (d *LDAPDriver) searchScoped(baseDN, filter string, scope int) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(baseDN, scope, ldap.NeverDerefAliases,
		0, 0, false, filter, nil, nil)
	res, err := d.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("searching %s with %s: %w", baseDN, filter, err)
	}
	return res.Entries, nil
}

// ---- DN mapping ----

// userDN maps a uid onto its DN. The deterministic mapping is
// <id-attr>=<uid>,<user-subtree>; with search enabled a scoped subtree
// search overrides it, covering directories whose naming attribute differs
// from the id attribute.
func (d *LDAPDriver) userDN(uid string, search bool) string {
	dn := fmt.Sprintf("%s=%s,%s", d.cfg.UserIDAttribute, uid, d.cfg.UserSubtree)
	if search {
		filter := fmt.Sprintf("(%s=%s)", d.cfg.UserIDAttribute, ldap.EscapeFilter(uid))
		if entries, err := d.search(d.cfg.UserSubtree, filter); err == nil && len(entries) > 0 {
			dn = entries[0].DN
		}
	}
	return dn
}

// mustUserDN resolves a uid to a DN, failing when the user does not exist.
func (d *LDAPDriver) mustUserDN(uid string) (string, error) {
	entry, err := d.findUserEntry(uid)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", apierr.NotFound("InvalidUser.NotFound", "user %s not found", uid)
	}
	return entry.DN, nil
}

// projectDN maps a project id onto its DN, same deterministic-then-search
// scheme as userDN.
func (d *LDAPDriver) projectDN(pid string, search bool) string {
	dn := fmt.Sprintf("cn=%s,%s", pid, d.cfg.ProjectSubtree)
	if search {
		filter := fmt.Sprintf("(&(cn=%s)%s)", ldap.EscapeFilter(pid), projectPattern)
		if entries, err := d.search(d.cfg.ProjectSubtree, filter); err == nil && len(entries) > 0 {
			dn = entries[0].DN
		}
	}
	return dn
}

// roleDN maps a role binding onto its group DN: the well-known global DN
// when no project is given, else cn=<role> nested under the project.
func (d *LDAPDriver) roleDN(role, pid string) (string, error) {
	if pid == "" {
		dn, ok := d.cfg.GlobalRoleDNs[role]
		if !ok {
			return "", apierr.API("unknown global role %s", role)
		}
		return dn, nil
	}
	return fmt.Sprintf("cn=%s,%s", role, d.projectDN(pid, true)), nil
}

// ---- entry conversion ----

// entryToUser converts a directory entry to a User, or nil when the entry
// is malformed (missing credential attributes). Malformed entries are
// repaired on the next write in modify-only mode.
func (d *LDAPDriver) entryToUser(entry *ldap.Entry) *User {
	access := entry.GetAttributeValue(accessKeyAttribute)
	secret := entry.GetAttributeValue(secretKeyAttribute)
	admin := entry.GetAttributeValue(adminAttribute)
	if access == "" || secret == "" || admin == "" {
		return nil
	}
	return &User{
		ID:        entry.GetAttributeValue(d.cfg.UserIDAttribute),
		Name:      entry.GetAttributeValue("cn"),
		AccessKey: access,
		SecretKey: secret,
		Admin:     strings.EqualFold(admin, "TRUE"),
	}
}

func (d *LDAPDriver) entryToProject(entry *ldap.Entry) *Project {
	memberDNs := entry.GetAttributeValues("member")
	memberIDs := make([]string, len(memberDNs))
	for i, dn := range memberDNs {
		memberIDs[i] = dnToUID(dn)
	}
	return &Project{
		ID:          entry.GetAttributeValue("cn"),
		Name:        entry.GetAttributeValue("cn"),
		ManagerID:   dnToUID(entry.GetAttributeValue(managerAttribute)),
		Description: entry.GetAttributeValue("description"),
		MemberIDs:   memberIDs,
	}
}

// dnToUID extracts the value of the first RDN: the uid for user DNs.
func dnToUID(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	_, value, ok := strings.Cut(first, "=")
	if !ok {
		return dn
	}
	return value
}

func replaceOrAdd(mod *ldap.ModifyRequest, entry *ldap.Entry, attr, value string) {
	if len(entry.GetAttributeValues(attr)) > 0 {
		mod.Replace(attr, []string{value})
	} else {
		mod.Add(attr, []string{value})
	}
}

func boolAttr(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

var _ Driver = (*LDAPDriver)(nil)
