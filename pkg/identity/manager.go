package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/wisbric/cumulus/pkg/apierr"
)

// KeyPairStorage is the persistence contract for key pairs. The production
// implementation is KeyPairStore; tests supply an in-memory fake.
type KeyPairStorage interface {
	Create(ctx context.Context, kp KeyPair) error
	Get(ctx context.Context, ownerID, name string) (*KeyPair, error)
	List(ctx context.Context, ownerID string) ([]KeyPair, error)
	Delete(ctx context.Context, ownerID, name string) error
}

// Manager is the identity facade: directory-backed users, projects and
// roles plus key-pair and certificate credentials.
type Manager struct {
	driver   Driver
	keypairs KeyPairStorage
	ca       *CertAuthority
	logger   *slog.Logger
}

// NewManager wires the identity manager from its collaborators. ca may be
// nil when certificate issuance is not configured.
func NewManager(driver Driver, keypairs KeyPairStorage, ca *CertAuthority, logger *slog.Logger) *Manager {
	return &Manager{driver: driver, keypairs: keypairs, ca: ca, logger: logger}
}

// ---- users ----

// CreateUser creates a directory user, generating access and secret keys
// when the caller does not supply them.
func (m *Manager) CreateUser(ctx context.Context, name, accessKey, secretKey string, admin bool) (*User, error) {
	if accessKey == "" {
		accessKey = randomToken(16)
	}
	if secretKey == "" {
		secretKey = randomToken(32)
	}
	return m.driver.CreateUser(ctx, name, accessKey, secretKey, admin)
}

func (m *Manager) GetUser(ctx context.Context, uid string) (*User, error) {
	return m.driver.GetUser(ctx, uid)
}

func (m *Manager) GetUserByAccessKey(ctx context.Context, accessKey string) (*User, error) {
	return m.driver.GetUserByAccessKey(ctx, accessKey)
}

func (m *Manager) GetUsers(ctx context.Context) ([]User, error) {
	return m.driver.GetUsers(ctx)
}

func (m *Manager) ModifyUser(ctx context.Context, uid string, accessKey, secretKey *string, admin *bool) error {
	return m.driver.ModifyUser(ctx, uid, accessKey, secretKey, admin)
}

// DeleteUser removes the user from every project and role binding, then
// destroys the entry and the user's key pairs.
func (m *Manager) DeleteUser(ctx context.Context, uid string) error {
	if err := m.driver.DeleteUser(ctx, uid); err != nil {
		return err
	}
	pairs, err := m.keypairs.List(ctx, uid)
	if err != nil {
		return err
	}
	for _, kp := range pairs {
		if err := m.keypairs.Delete(ctx, uid, kp.Name); err != nil {
			return err
		}
	}
	return nil
}

// ---- projects ----

// CreateProject creates a project; the manager is always a member and the
// description defaults to the project name.
func (m *Manager) CreateProject(ctx context.Context, name, managerUID, description string, memberUIDs []string) (*Project, error) {
	return m.driver.CreateProject(ctx, name, managerUID, description, memberUIDs)
}

func (m *Manager) GetProject(ctx context.Context, pid string) (*Project, error) {
	return m.driver.GetProject(ctx, pid)
}

func (m *Manager) GetProjects(ctx context.Context, uid string) ([]Project, error) {
	return m.driver.GetProjects(ctx, uid)
}

func (m *Manager) ModifyProject(ctx context.Context, pid, managerUID, description string) error {
	return m.driver.ModifyProject(ctx, pid, managerUID, description)
}

// DeleteProject destroys the project and its nested role groups.
func (m *Manager) DeleteProject(ctx context.Context, pid string) error {
	return m.driver.DeleteProject(ctx, pid)
}

func (m *Manager) AddToProject(ctx context.Context, uid, pid string) error {
	return m.driver.AddToProject(ctx, uid, pid)
}

func (m *Manager) RemoveFromProject(ctx context.Context, uid, pid string) error {
	return m.driver.RemoveFromProject(ctx, uid, pid)
}

func (m *Manager) IsInProject(ctx context.Context, uid, pid string) (bool, error) {
	return m.driver.IsInProject(ctx, uid, pid)
}

// ---- roles ----

// HasRole reports whether the user holds the role. The projectmanager role
// is derived: it is held exactly by the project's manager.
func (m *Manager) HasRole(ctx context.Context, uid, role, pid string) (bool, error) {
	if role == RoleProjectManager {
		if pid == "" {
			return false, nil
		}
		project, err := m.driver.GetProject(ctx, pid)
		if err != nil {
			return false, err
		}
		return project.ManagerID == uid, nil
	}
	if !validRole(role) {
		return false, apierr.API("unknown role %s", role)
	}
	return m.driver.HasRole(ctx, uid, role, pid)
}

// AddRole binds a role to a user. Project-scoped bindings require project
// membership.
func (m *Manager) AddRole(ctx context.Context, uid, role, pid string) error {
	if !validRole(role) {
		return apierr.API("unknown role %s", role)
	}
	if pid != "" {
		in, err := m.driver.IsInProject(ctx, uid, pid)
		if err != nil {
			return err
		}
		if !in {
			return apierr.API("user %s is not a member of project %s", uid, pid)
		}
	}
	return m.driver.AddRole(ctx, uid, role, pid)
}

func (m *Manager) RemoveRole(ctx context.Context, uid, role, pid string) error {
	if !validRole(role) {
		return apierr.API("unknown role %s", role)
	}
	return m.driver.RemoveRole(ctx, uid, role, pid)
}

func (m *Manager) GetUserRoles(ctx context.Context, uid, pid string) ([]string, error) {
	return m.driver.GetUserRoles(ctx, uid, pid)
}

// ---- key pairs ----

// GenerateKeyPair creates and persists a named key pair, returning the
// private key material exactly once.
func (m *Manager) GenerateKeyPair(ctx context.Context, uid, name string) (*GeneratedKeyPair, error) {
	generated, err := generateSSHKeyPair()
	if err != nil {
		return nil, err
	}
	kp := KeyPair{
		OwnerID:     uid,
		Name:        name,
		PublicKey:   generated.PublicKey,
		Fingerprint: generated.Fingerprint,
	}
	if err := m.keypairs.Create(ctx, kp); err != nil {
		return nil, err
	}
	return generated, nil
}

// ImportKeyPair registers an externally generated public key.
func (m *Manager) ImportKeyPair(ctx context.Context, uid, name, material string) (*KeyPair, error) {
	publicKey, fp, err := parsePublicKey(material)
	if err != nil {
		return nil, err
	}
	kp := KeyPair{OwnerID: uid, Name: name, PublicKey: publicKey, Fingerprint: fp}
	if err := m.keypairs.Create(ctx, kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (m *Manager) GetKeyPair(ctx context.Context, uid, name string) (*KeyPair, error) {
	return m.keypairs.Get(ctx, uid, name)
}

func (m *Manager) GetKeyPairs(ctx context.Context, uid string) ([]KeyPair, error) {
	return m.keypairs.List(ctx, uid)
}

// DeleteKeyPair removes a key pair; removing a missing one succeeds.
func (m *Manager) DeleteKeyPair(ctx context.Context, uid, name string) error {
	return m.keypairs.Delete(ctx, uid, name)
}

// ---- certificates ----

// GenerateX509Cert issues a client certificate for the user in the given
// project.
func (m *Manager) GenerateX509Cert(ctx context.Context, uid, pid string) (certPEM, keyPEM string, err error) {
	if m.ca == nil {
		return "", "", apierr.API("certificate authority is not configured")
	}
	if _, err := m.driver.GetUser(ctx, uid); err != nil {
		return "", "", err
	}
	return m.ca.IssueUserCert(uid, pid)
}

func validRole(role string) bool {
	for _, r := range AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
