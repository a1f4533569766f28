package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/wisbric/cumulus/pkg/apierr"
)

func v2Params(t string) map[string]string {
	return map[string]string{
		"SignatureMethod":  MethodHmacSHA256,
		"SignatureVersion": "2",
		"Action":           "Foo",
		"Timestamp":        t,
	}
}

func TestStringToSignV2Canonical(t *testing.T) {
	got := StringToSignV2(v2Params("T"), "GET", "host", "/p")
	want := "GET\nhost\n/p\nAction=Foo&SignatureMethod=HmacSHA256&SignatureVersion=2&Timestamp=T"
	if got != want {
		t.Errorf("StringToSignV2() = %q, want %q", got, want)
	}
}

func TestStringToSignV2ExcludesSignature(t *testing.T) {
	params := v2Params("T")
	params["Signature"] = "already-present"
	got := StringToSignV2(params, "GET", "host", "/p")
	if strings.Contains(got, "Signature=") {
		t.Errorf("string to sign must not contain the Signature parameter: %q", got)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, version := range []string{"0", "1", "2"} {
		params := v2Params("2011-04-22T11:29:49")
		params["SignatureVersion"] = version

		sig, err := New("secret").Sign(params, "GET", "host", "/p")
		if err != nil {
			t.Fatalf("Sign(v%s): %v", version, err)
		}
		if err := Verify(params, sig, "secret", "GET", "host", "/p"); err != nil {
			t.Errorf("Verify(v%s) after Sign: %v", version, err)
		}
	}
}

func TestVerifyRejectsMutatedTimestamp(t *testing.T) {
	params := v2Params("T")
	sig, err := New("secret").Sign(params, "GET", "host", "/p")
	if err != nil {
		t.Fatal(err)
	}

	params["Timestamp"] = "T2"
	if err := Verify(params, sig, "secret", "GET", "host", "/p"); err == nil {
		t.Error("Verify should fail after Timestamp mutation")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	params := v2Params("T")
	sig, err := New("secret").Sign(params, "GET", "host", "/p")
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(params, sig, "other", "GET", "host", "/p"); err == nil {
		t.Error("Verify should fail with a different secret")
	}
}

func TestUnknownSignatureVersion(t *testing.T) {
	params := v2Params("T")
	params["SignatureVersion"] = "3"
	if _, err := New("secret").Sign(params, "GET", "host", "/p"); err != apierr.ErrUnknownSignature {
		t.Errorf("Sign(v3) error = %v, want ErrUnknownSignature", err)
	}
}

func TestV1SortsCaseInsensitively(t *testing.T) {
	// "banana" sorts between "Apple" and "Cherry" only under lowercase
	// ordering; byte ordering would put it last. The signature must match
	// the HMAC over the lowercase-ordered key/value sequence.
	p1 := map[string]string{"SignatureVersion": "1", "Apple": "1", "banana": "2", "Cherry": "3"}
	sig1, err := New("k").Sign(p1, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha1.New, []byte("k"))
	mac.Write([]byte("Apple1banana2Cherry3SignatureVersion1"))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); sig1 != want {
		t.Errorf("Sign(v1) = %q, want %q (lowercase key order)", sig1, want)
	}
	if err := Verify(p1, sig1, "k", "", "", ""); err != nil {
		t.Errorf("Verify(v1): %v", err)
	}
}

func TestV2PercentEncoding(t *testing.T) {
	params := map[string]string{
		"SignatureVersion": "2",
		"SignatureMethod":  MethodHmacSHA256,
		"Key With Space":   "a/b~c",
	}
	got := StringToSignV2(params, "GET", "h", "/")
	want := "GET\nh\n/\nKey%20With%20Space=a%2Fb~c&SignatureMethod=HmacSHA256&SignatureVersion=2"
	if got != want {
		t.Errorf("StringToSignV2() = %q, want %q", got, want)
	}
}
