package identity

import (
	"context"
	"log/slog"
	"testing"

	"github.com/wisbric/cumulus/pkg/apierr"
)

type fakeKeyPairStorage struct {
	pairs map[string]KeyPair
}

func newFakeKeyPairStorage() *fakeKeyPairStorage {
	return &fakeKeyPairStorage{pairs: make(map[string]KeyPair)}
}

func (f *fakeKeyPairStorage) key(owner, name string) string { return owner + "/" + name }

func (f *fakeKeyPairStorage) Create(_ context.Context, kp KeyPair) error {
	k := f.key(kp.OwnerID, kp.Name)
	if _, ok := f.pairs[k]; ok {
		return apierr.Duplicate("key pair %s already exists", kp.Name)
	}
	f.pairs[k] = kp
	return nil
}

func (f *fakeKeyPairStorage) Get(_ context.Context, owner, name string) (*KeyPair, error) {
	kp, ok := f.pairs[f.key(owner, name)]
	if !ok {
		return nil, apierr.NotFound("InvalidKeyPair.NotFound", "key pair %s not found", name)
	}
	return &kp, nil
}

func (f *fakeKeyPairStorage) List(_ context.Context, owner string) ([]KeyPair, error) {
	var out []KeyPair
	for _, kp := range f.pairs {
		if kp.OwnerID == owner {
			out = append(out, kp)
		}
	}
	return out, nil
}

func (f *fakeKeyPairStorage) Delete(_ context.Context, owner, name string) error {
	delete(f.pairs, f.key(owner, name))
	return nil
}

func newTestManager(t *testing.T) (*Manager, *MemoryDriver) {
	t.Helper()
	driver := NewMemoryDriver()
	return NewManager(driver, newFakeKeyPairStorage(), nil, slog.Default()), driver
}

func mustCreateUser(t *testing.T, m *Manager, name string) *User {
	t.Helper()
	u, err := m.CreateUser(context.Background(), name, "", "", false)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u
}

func TestCreateUserGeneratesCredentials(t *testing.T) {
	m, _ := newTestManager(t)
	u := mustCreateUser(t, m, "alice")
	if u.AccessKey == "" || u.SecretKey == "" {
		t.Errorf("generated credentials missing: %+v", u)
	}

	got, err := m.GetUserByAccessKey(context.Background(), u.AccessKey)
	if err != nil {
		t.Fatalf("GetUserByAccessKey: %v", err)
	}
	if got.ID != "alice" {
		t.Errorf("GetUserByAccessKey returned %s, want alice", got.ID)
	}
}

func TestCreateDuplicateUser(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	if _, err := m.CreateUser(context.Background(), "alice", "", "", false); !apierr.IsDuplicate(err) {
		t.Errorf("duplicate CreateUser error = %v, want Duplicate", err)
	}
}

func TestProjectManagerIsAlwaysMember(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	mustCreateUser(t, m, "bob")

	p, err := m.CreateProject(context.Background(), "proj", "alice", "", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if !contains(p.MemberIDs, "alice") {
		t.Error("manager must be a project member")
	}
	if p.Description != "proj" {
		t.Errorf("description = %q, want default to project name", p.Description)
	}
}

func TestProjectManagerRole(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	mustCreateUser(t, m, "bob")
	if _, err := m.CreateProject(context.Background(), "proj", "alice", "", []string{"bob"}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	has, err := m.HasRole(ctx, "alice", RoleProjectManager, "proj")
	if err != nil || !has {
		t.Errorf("HasRole(alice, projectmanager) = %v, %v; want true", has, err)
	}
	has, err = m.HasRole(ctx, "bob", RoleProjectManager, "proj")
	if err != nil || has {
		t.Errorf("HasRole(bob, projectmanager) = %v, %v; want false", has, err)
	}
}

func TestAddRoleRequiresMembership(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	mustCreateUser(t, m, "carol")
	if _, err := m.CreateProject(context.Background(), "proj", "alice", "", nil); err != nil {
		t.Fatal(err)
	}

	err := m.AddRole(context.Background(), "carol", RoleSysadmin, "proj")
	if err == nil {
		t.Error("AddRole should fail for a non-member")
	}
}

func TestRemoveLastRoleMemberDeletesGroup(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	if _, err := m.CreateProject(context.Background(), "proj", "alice", "", nil); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := m.AddRole(ctx, "alice", RoleSysadmin, "proj"); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if err := m.RemoveRole(ctx, "alice", RoleSysadmin, "proj"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}

	// The group is gone; the check must report false without error.
	has, err := m.HasRole(ctx, "alice", RoleSysadmin, "proj")
	if err != nil {
		t.Fatalf("HasRole after group deletion: %v", err)
	}
	if has {
		t.Error("HasRole = true after removing last member")
	}
}

func TestRemoveFromProjectRemovesNestedRoles(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	mustCreateUser(t, m, "bob")
	ctx := context.Background()
	if _, err := m.CreateProject(ctx, "proj", "alice", "", []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRole(ctx, "bob", RoleNetadmin, "proj"); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveFromProject(ctx, "bob", "proj"); err != nil {
		t.Fatalf("RemoveFromProject: %v", err)
	}
	has, err := m.HasRole(ctx, "bob", RoleNetadmin, "proj")
	if err != nil || has {
		t.Errorf("HasRole after project removal = %v, %v; want false", has, err)
	}
}

func TestDeleteUserCleansBindings(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	mustCreateUser(t, m, "bob")
	ctx := context.Background()
	if _, err := m.CreateProject(ctx, "proj", "alice", "", []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRole(ctx, "bob", RoleDeveloper, ""); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteUser(ctx, "bob"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	p, err := m.GetProject(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if contains(p.MemberIDs, "bob") {
		t.Error("deleted user still a project member")
	}
}

func TestGenerateKeyPair(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	ctx := context.Background()

	generated, err := m.GenerateKeyPair(ctx, "alice", "mykey")
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if generated.PrivateKeyPEM == "" || generated.PublicKey == "" || generated.Fingerprint == "" {
		t.Errorf("incomplete generated key pair: %+v", generated)
	}

	if _, err := m.GenerateKeyPair(ctx, "alice", "mykey"); !apierr.IsDuplicate(err) {
		t.Errorf("duplicate GenerateKeyPair error = %v, want Duplicate", err)
	}

	// Delete is idempotent.
	if err := m.DeleteKeyPair(ctx, "alice", "mykey"); err != nil {
		t.Fatalf("DeleteKeyPair: %v", err)
	}
	if err := m.DeleteKeyPair(ctx, "alice", "mykey"); err != nil {
		t.Errorf("second DeleteKeyPair: %v", err)
	}
}

func TestImportKeyPairRejectsGarbage(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreateUser(t, m, "alice")
	if _, err := m.ImportKeyPair(context.Background(), "alice", "bad", "not a key"); err == nil {
		t.Error("ImportKeyPair should reject malformed material")
	}
}
