package metadata

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/compute"
)

type fakeSource struct {
	byIP map[string]*compute.Instance
}

func (f *fakeSource) GetByFixedIP(_ context.Context, addr string) (*compute.Instance, error) {
	inst, ok := f.byIP[addr]
	if !ok {
		return nil, apierr.NotFound("InvalidInstanceID.NotFound", "no instance at %s", addr)
	}
	return inst, nil
}

type fakeNamer struct{}

func (fakeNamer) GroupNames(_ context.Context, ids []int64) ([]string, error) {
	names := make([]string, len(ids))
	for i := range ids {
		names[i] = "default"
	}
	return names, nil
}

func testInstance() *compute.Instance {
	return &compute.Instance{
		ID:               1,
		ProjectID:        "proj",
		ImageRef:         "ami-00000001",
		KernelRef:        "aki-00000001",
		RamdiskRef:       "ari-00000001",
		InstanceType:     "m1.small",
		ReservationID:    "r-abc123",
		LaunchTime:       time.Now(),
		State:            compute.StateRunning,
		PrivateIP:        "10.0.0.5",
		PublicIP:         "4.4.4.4",
		KeyName:          "mykey",
		KeyData:          "ssh-rsa AAAA test",
		UserData:         base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\necho hi\n")),
		RootDeviceName:   "/dev/sda1",
		AvailabilityZone: "zone-1",
		SecurityGroupIDs: []int64{1},
	}
}

func get(t *testing.T, h *Handler, path, remote string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote + ":51234"
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func newTestHandler() *Handler {
	return NewHandler(&fakeSource{byIP: map[string]*compute.Instance{
		"10.0.0.5": testInstance(),
	}}, fakeNamer{}, slog.Default())
}

func TestMetadataLeaves(t *testing.T) {
	h := newTestHandler()
	for path, want := range map[string]string{
		"/latest/meta-data/ami-id":                      "ami-00000001",
		"/latest/meta-data/instance-id":                 "i-00000001",
		"/latest/meta-data/instance-type":               "m1.small",
		"/latest/meta-data/local-ipv4":                  "10.0.0.5",
		"/latest/meta-data/public-ipv4":                 "4.4.4.4",
		"/latest/meta-data/reservation-id":              "r-abc123",
		"/latest/meta-data/ami-launch-index":            "0",
		"/latest/meta-data/kernel-id":                   "aki-00000001",
		"/latest/meta-data/ramdisk-id":                  "ari-00000001",
		"/latest/meta-data/security-groups":             "default",
		"/latest/meta-data/placement/availability-zone": "zone-1",
		"/latest/meta-data/public-keys/0/openssh-key":   "ssh-rsa AAAA test",
		"/latest/meta-data/block-device-mapping/root":   "/dev/sda1",
		"/latest/meta-data/block-device-mapping/ami":    "sda1",
	} {
		code, body := get(t, h, path, "10.0.0.5")
		if code != http.StatusOK || body != want {
			t.Errorf("%s = %d %q, want 200 %q", path, code, body, want)
		}
	}
}

func TestMetadataIndex(t *testing.T) {
	h := newTestHandler()
	code, body := get(t, h, "/latest/meta-data", "10.0.0.5")
	if code != http.StatusOK {
		t.Fatalf("index code = %d", code)
	}
	for _, want := range []string{"ami-id", "instance-id", "placement/", "block-device-mapping/", "public-keys/"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q:\n%s", want, body)
		}
	}
}

func TestUserDataDecoded(t *testing.T) {
	h := newTestHandler()
	code, body := get(t, h, "/latest/user-data", "10.0.0.5")
	if code != http.StatusOK || body != "#!/bin/sh\necho hi\n" {
		t.Errorf("user-data = %d %q", code, body)
	}
}

func TestUnknownRequesterGets404(t *testing.T) {
	h := newTestHandler()
	code, _ := get(t, h, "/latest/meta-data/ami-id", "10.0.0.99")
	if code != http.StatusNotFound {
		t.Errorf("unknown requester code = %d, want 404", code)
	}
}
