package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/wisbric/cumulus/pkg/apierr"
)

const rsaKeyBits = 2048

// GeneratedKeyPair is the result of generating a new SSH key pair. The
// private key is returned once and never stored.
type GeneratedKeyPair struct {
	PrivateKeyPEM string
	PublicKey     string
	Fingerprint   string
}

// generateSSHKeyPair creates an RSA key pair in OpenSSH public-key format
// with the legacy MD5 colon fingerprint EC2 clients expect.
func generateSSHKeyPair() (*GeneratedKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	return &GeneratedKeyPair{
		PrivateKeyPEM: string(privPEM),
		PublicKey:     strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		Fingerprint:   fingerprint(pub),
	}, nil
}

// parsePublicKey validates an imported OpenSSH public key and computes its
// fingerprint.
func parsePublicKey(material string) (publicKey, fp string, err error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material))
	if err != nil {
		return "", "", apierr.API("malformed public key: %v", err)
	}
	return strings.TrimSpace(material), fingerprint(pub), nil
}

func fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintLegacyMD5(pub)
}
