package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "cacert.pem"
	caKeyFile  = "cakey.pem"

	caValidity   = 10 * 365 * 24 * time.Hour
	certValidity = 2 * 365 * 24 * time.Hour
)

// CertAuthority issues per-user X.509 certificates from a root CA kept on
// the local filesystem under caPath.
type CertAuthority struct {
	caPath string
	cert   *x509.Certificate
	key    *rsa.PrivateKey
}

// OpenCertAuthority loads the root CA from caPath, generating a self-signed
// root on first use.
func OpenCertAuthority(caPath string) (*CertAuthority, error) {
	if err := os.MkdirAll(caPath, 0o700); err != nil {
		return nil, fmt.Errorf("creating ca dir: %w", err)
	}

	certPath := filepath.Join(caPath, caCertFile)
	keyPath := filepath.Join(caPath, caKeyFile)

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		if err := generateRootCA(certPath, keyPath); err != nil {
			return nil, err
		}
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ca key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	keyBlock, _ := pem.Decode(keyPEM)
	if certBlock == nil || keyBlock == nil {
		return nil, fmt.Errorf("malformed PEM in %s", caPath)
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ca cert: %w", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ca key: %w", err)
	}

	return &CertAuthority{caPath: caPath, cert: cert, key: key}, nil
}

// IssueUserCert issues a certificate for the given user and project. The
// subject encodes both so host-side tooling can map certs back to callers.
func (ca *CertAuthority) IssueUserCert(userID, projectID string) (certPEM, keyPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("generating user key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", "", fmt.Errorf("generating serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         fmt.Sprintf("%s/%s", projectID, userID),
			Organization:       []string{projectID},
			OrganizationalUnit: []string{userID},
		},
		NotBefore:   time.Now().Add(-5 * time.Minute),
		NotAfter:    time.Now().Add(certValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return "", "", fmt.Errorf("signing user cert: %w", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	return certPEM, keyPEM, nil
}

// RootCertPEM returns the root certificate for distribution to guests.
func (ca *CertAuthority) RootCertPEM() (string, error) {
	data, err := os.ReadFile(filepath.Join(ca.caPath, caCertFile))
	if err != nil {
		return "", fmt.Errorf("reading ca cert: %w", err)
	}
	return string(data), nil
}

func generateRootCA(certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generating ca key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return fmt.Errorf("generating ca serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "cumulus-root-ca"},
		NotBefore:             time.Now().Add(-5 * time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-signing root ca: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("writing ca cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing ca key: %w", err)
	}
	return nil
}
