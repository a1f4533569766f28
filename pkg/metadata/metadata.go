// Package metadata serves the per-instance key/value tree guests read at
// boot. Requests are unauthenticated; the requester's address selects the
// instance, so only the guest holding the fixed IP sees its own data.
package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/compute"
)

// InstanceSource resolves the instance behind a fixed address; implemented
// by compute.Store.
type InstanceSource interface {
	GetByFixedIP(ctx context.Context, addr string) (*compute.Instance, error)
}

// GroupNamer resolves security-group ids to names; implemented by
// firewall.Store.
type GroupNamer interface {
	GroupNames(ctx context.Context, ids []int64) ([]string, error)
}

// Handler serves the metadata tree.
type Handler struct {
	instances InstanceSource
	groups    GroupNamer
	logger    *slog.Logger
}

// NewHandler creates the metadata handler.
func NewHandler(instances InstanceSource, groups GroupNamer, logger *slog.Logger) *Handler {
	return &Handler{instances: instances, groups: groups, logger: logger}
}

// Routes returns the metadata router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleVersions)
	r.Get("/latest/meta-data", h.handleTree)
	r.Get("/latest/meta-data/*", h.handleTree)
	r.Get("/latest/user-data", h.handleUserData)
	return r
}

func (h *Handler) handleVersions(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "latest")
}

// lookup resolves the requesting guest's instance from its address.
func (h *Handler) lookup(r *http.Request) (*compute.Instance, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return h.instances.GetByFixedIP(r.Context(), host)
}

func (h *Handler) handleUserData(w http.ResponseWriter, r *http.Request) {
	inst, err := h.lookup(r)
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(inst.UserData)
	if err != nil {
		// Stored user data is opaque; pass undecodable payloads through.
		decoded = []byte(inst.UserData)
	}
	_, _ = w.Write(decoded)
}

func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	inst, err := h.lookup(r)
	if err != nil {
		h.notFound(w, r, err)
		return
	}

	tree := h.buildTree(r.Context(), inst)
	path := strings.Trim(chi.URLParam(r, "*"), "/")

	node, ok := resolve(tree, path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch v := node.(type) {
	case string:
		fmt.Fprint(w, v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k, child := range v {
			if _, isDir := child.(map[string]any); isDir {
				k += "/"
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprint(w, strings.Join(keys, "\n"))
	}
}

// buildTree assembles the fixed metadata layout for one instance.
func (h *Handler) buildTree(ctx context.Context, inst *compute.Instance) map[string]any {
	groupNames, err := h.groups.GroupNames(ctx, inst.SecurityGroupIDs)
	if err != nil {
		h.logger.Warn("resolving security group names", "error", err)
	}

	tree := map[string]any{
		"ami-id":           inst.ImageRef,
		"ami-launch-index": fmt.Sprintf("%d", inst.LaunchIndex),
		"instance-id":      inst.EC2ID(),
		"instance-type":    inst.InstanceType,
		"hostname":         inst.PrivateIP,
		"local-ipv4":       inst.PrivateIP,
		"public-ipv4":      inst.PublicIP,
		"reservation-id":   inst.ReservationID,
		"kernel-id":        inst.KernelRef,
		"ramdisk-id":       inst.RamdiskRef,
		"security-groups":  strings.Join(groupNames, "\n"),
		"placement": map[string]any{
			"availability-zone": inst.AvailabilityZone,
		},
		"block-device-mapping": map[string]any{
			"ami":        "sda1",
			"root":       inst.RootDeviceName,
			"ephemeral0": "sda2",
			"swap":       "sda3",
		},
	}
	if inst.KeyName != "" {
		tree["public-keys"] = map[string]any{
			"0": map[string]any{
				"openssh-key": inst.KeyData,
			},
		}
	}
	return tree
}

func resolve(tree map[string]any, path string) (any, bool) {
	if path == "" {
		return tree, true
	}
	var node any = tree
	for _, part := range strings.Split(path, "/") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request, err error) {
	if !apierr.IsNotFound(err) {
		h.logger.Error("metadata lookup", "remote", r.RemoteAddr, "error", err)
	}
	http.NotFound(w, r)
}
