package cloud

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/wisbric/cumulus/pkg/policy"
	"github.com/wisbric/cumulus/pkg/signer"
)

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	p := policy.New(f.controller.identity, policy.DefaultGates)
	h := NewHandler(f.controller, p, nil, f.controller.logger)
	return h, f
}

// signedQuery builds a signed V2 query string for the test user.
func signedQuery(t *testing.T, params map[string]string, secret, host, path string) string {
	t.Helper()
	params["SignatureVersion"] = "2"
	params["SignatureMethod"] = signer.MethodHmacSHA256
	params["AWSAccessKeyId"] = "access:proj"
	params["Timestamp"] = "2011-04-22T11:29:49Z"
	params["Version"] = "2010-08-31"

	sig, err := signer.New(secret).Sign(params, http.MethodGet, host, path)
	if err != nil {
		t.Fatal(err)
	}
	params["Signature"] = sig

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func doRequest(t *testing.T, h *Handler, params map[string]string, secret string) (int, string) {
	t.Helper()
	query := signedQuery(t, params, secret, "api.example.com", "/")
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandlerDescribeInstancesEmptySet(t *testing.T) {
	h, _ := newTestHandler(t)
	code, body := doRequest(t, h, map[string]string{"Action": "DescribeInstances"}, "secret")
	if code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", code, body)
	}
	if !strings.Contains(body, "DescribeInstancesResponse") ||
		!strings.Contains(body, "reservationSet") {
		t.Errorf("body = %s", body)
	}
}

func TestHandlerRunInstancesEndToEnd(t *testing.T) {
	h, f := newTestHandler(t)
	img := f.registerImage(t)

	code, body := doRequest(t, h, map[string]string{
		"Action":       "RunInstances",
		"ImageId":      img.ID,
		"MinCount":     "1",
		"MaxCount":     "1",
		"InstanceType": "m1.small",
	}, "secret")
	if code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", code, body)
	}
	for _, want := range []string{
		"<instanceId>i-00000001</instanceId>",
		"<name>scheduling</name>",
		"<instanceType>m1.small</instanceType>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if len(f.bus.MessagesTo(TopicCompute)) != 1 {
		t.Error("no run_instance cast emitted")
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(t)
	code, body := doRequest(t, h, map[string]string{"Action": "DescribeInstances"}, "wrong-secret")
	if code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401; body = %s", code, body)
	}
	if !strings.Contains(body, "AuthFailure") {
		t.Errorf("body = %s", body)
	}
}

func TestHandlerRejectsUnknownSignatureVersion(t *testing.T) {
	h, _ := newTestHandler(t)

	params := map[string]string{
		"Action":           "DescribeInstances",
		"AWSAccessKeyId":   "access:proj",
		"SignatureVersion": "9",
		"Signature":        "whatever",
		"Timestamp":        "T",
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+values.Encode(), nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)

	if !strings.Contains(string(body), "UnknownSignatureVersion") {
		t.Errorf("body = %s", body)
	}
}

func TestHandlerRejectsNonMember(t *testing.T) {
	h, f := newTestHandler(t)
	ctx := context.Background()
	if _, err := f.controller.identity.CreateUser(ctx, "mallory", "mk", "ms", false); err != nil {
		t.Fatal(err)
	}

	params := map[string]string{
		"Action":           "DescribeInstances",
		"SignatureVersion": "2",
		"SignatureMethod":  signer.MethodHmacSHA256,
		"AWSAccessKeyId":   "mk:proj",
		"Timestamp":        "T",
	}
	sig, err := signer.New("ms").Sign(params, http.MethodGet, "api.example.com", "/")
	if err != nil {
		t.Fatal(err)
	}
	params["Signature"] = sig
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+values.Encode(), nil)
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", rec.Code)
	}
}

func TestHandlerAuthorizeAndDescribeGroups(t *testing.T) {
	h, _ := newTestHandler(t)

	code, body := doRequest(t, h, map[string]string{
		"Action":     "AuthorizeSecurityGroupIngress",
		"GroupName":  "default",
		"IpProtocol": "tcp",
		"FromPort":   "80",
		"ToPort":     "81",
		"CidrIp":     "0.0.0.0/0",
	}, "secret")
	// The default group is created lazily by Describe; authorize first
	// needs it present.
	if code == http.StatusNotFound {
		_, _ = doRequest(t, h, map[string]string{"Action": "DescribeSecurityGroups"}, "secret")
		code, body = doRequest(t, h, map[string]string{
			"Action":     "AuthorizeSecurityGroupIngress",
			"GroupName":  "default",
			"IpProtocol": "tcp",
			"FromPort":   "80",
			"ToPort":     "81",
			"CidrIp":     "0.0.0.0/0",
		}, "secret")
	}
	if code != http.StatusOK {
		t.Fatalf("authorize code = %d, body = %s", code, body)
	}

	code, body = doRequest(t, h, map[string]string{"Action": "DescribeSecurityGroups"}, "secret")
	if code != http.StatusOK {
		t.Fatalf("describe code = %d", code)
	}
	for _, want := range []string{
		"<fromPort>80</fromPort>",
		"<toPort>81</toPort>",
		"<cidrIp>0.0.0.0/0</cidrIp>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}
