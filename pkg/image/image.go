// Package image defines the image-store contract the control plane
// consumes and a local filesystem implementation for single-node
// deployments. The real store is an external service.
package image

import (
	"context"

	"github.com/wisbric/cumulus/internal/auth"
)

// Container formats.
const (
	ContainerMachine = "ami"
	ContainerKernel  = "aki"
	ContainerRamdisk = "ari"
)

// Image states.
const (
	StateAvailable = "available"
	StatePending   = "pending"
	StateFailed    = "failed"
)

// Image is the catalog entry for a machine, kernel or ramdisk image.
type Image struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	OwnerID   string `json:"owner_id"`
	ProjectID string `json:"project_id"`
	Container string `json:"container"`
	State     string `json:"state"`
	Public    bool   `json:"public"`
	KernelID  string `json:"kernel_id,omitempty"`
	RamdiskID string `json:"ramdisk_id,omitempty"`
}

// Accessible reports whether the caller may use the image.
func (i *Image) Accessible(rc *auth.RequestContext) bool {
	if i.Public || rc.IsAdmin {
		return true
	}
	return i.OwnerID == rc.UserID || i.ProjectID == rc.ProjectID
}

// Service is the image-store contract.
type Service interface {
	List(ctx context.Context, rc *auth.RequestContext) ([]Image, error)
	Get(ctx context.Context, rc *auth.RequestContext, id string) (*Image, error)
	Register(ctx context.Context, rc *auth.RequestContext, location, container string) (*Image, error)
	Deregister(ctx context.Context, rc *auth.RequestContext, id string) error
	// SetPublic flips the all-users launch permission.
	SetPublic(ctx context.Context, rc *auth.RequestContext, id string, public bool) error
}
