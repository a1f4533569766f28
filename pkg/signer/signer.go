// Package signer implements EC2-style request signing and verification for
// signature versions 0, 1, and 2.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"sort"
	"strings"

	"github.com/wisbric/cumulus/pkg/apierr"
)

// Methods accepted in the SignatureMethod parameter.
const (
	MethodHmacSHA1   = "HmacSHA1"
	MethodHmacSHA256 = "HmacSHA256"
)

// Signer computes request signatures with a user's secret key.
type Signer struct {
	secret []byte
}

// New creates a Signer for the given secret key.
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the signature for the given request parameters. The
// SignatureVersion parameter selects the algorithm; the Signature parameter
// itself is never part of the signed material. For version 2 the verb, host
// and path are included in the string to sign.
func (s *Signer) Sign(params map[string]string, verb, host, path string) (string, error) {
	switch params["SignatureVersion"] {
	case "0":
		return s.signV0(params), nil
	case "1":
		return s.signV1(params), nil
	case "2":
		return s.signV2(params, verb, host, path), nil
	}
	return "", apierr.ErrUnknownSignature
}

// Verify recomputes the signature for params and compares it with the
// presented one in constant time. A missing or mismatched signature yields
// AuthFailure; a SignatureVersion outside {0,1,2} yields
// ErrUnknownSignature.
func Verify(params map[string]string, presented, secret, verb, host, path string) error {
	expected, err := New(secret).Sign(params, verb, host, path)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return apierr.AuthFailure("signature does not match")
	}
	return nil
}

func (s *Signer) signV0(params map[string]string) string {
	mac := hmac.New(sha1.New, s.secret)
	mac.Write([]byte(params["Action"] + params["Timestamp"]))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) signV1(params map[string]string) string {
	keys := signedKeys(params)
	// Sort by lowercased key.
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	mac := hmac.New(sha1.New, s.secret)
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) signV2(params map[string]string, verb, host, path string) string {
	var newHash func() hash.Hash
	if params["SignatureMethod"] == MethodHmacSHA1 {
		newHash = sha1.New
	} else {
		newHash = sha256.New
	}
	mac := hmac.New(newHash, s.secret)
	mac.Write([]byte(StringToSignV2(params, verb, host, path)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StringToSignV2 builds the canonical version-2 string to sign:
// VERB, host, path and the sorted percent-encoded query, newline-joined.
func StringToSignV2(params map[string]string, verb, host, path string) string {
	keys := signedKeys(params)
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}
	return verb + "\n" + host + "\n" + path + "\n" + strings.Join(pairs, "&")
}

// signedKeys returns the parameter names included in the signed material,
// which is everything except the Signature parameter itself.
func signedKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "Signature" {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

const upperhex = "0123456789ABCDEF"

// percentEncode applies strict RFC 3986 encoding: unreserved characters
// pass through, everything else becomes %XX.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		}
	}
	return b.String()
}
