// Package quota enforces per-project resource limits with a two-phase
// reserve/commit/rollback protocol. Reservations expire after a TTL so a
// crashed handler cannot leak quota.
package quota

import (
	"context"
	"time"
)

// Resource names the counted resources.
type Resource string

const (
	Instances   Resource = "instances"
	Cores       Resource = "cores"
	RAMMB       Resource = "ram_mb"
	Volumes     Resource = "volumes"
	Gigabytes   Resource = "gigabytes"
	FloatingIPs Resource = "floating_ips"
)

// Limits carries the default per-project hard limits and the reservation
// TTL.
type Limits struct {
	Instances   int64
	Cores       int64
	RAMMB       int64
	Volumes     int64
	Gigabytes   int64
	FloatingIPs int64
	TTL         time.Duration
}

// Limit returns the hard limit for a resource.
func (l Limits) Limit(r Resource) int64 {
	switch r {
	case Instances:
		return l.Instances
	case Cores:
		return l.Cores
	case RAMMB:
		return l.RAMMB
	case Volumes:
		return l.Volumes
	case Gigabytes:
		return l.Gigabytes
	case FloatingIPs:
		return l.FloatingIPs
	}
	return 0
}

// Usage is the committed and reserved consumption of one resource.
type Usage struct {
	InUse    int64
	Reserved int64
	Limit    int64
}

// Engine is the quota contract. Reserve checks every requested resource
// against its limit and either claims all deltas under one reservation id
// or fails without claiming anything.
type Engine interface {
	Reserve(ctx context.Context, projectID string, deltas map[Resource]int64) (string, error)
	// Commit folds a reservation into committed usage.
	Commit(ctx context.Context, reservationID string) error
	// Rollback releases a reservation without touching committed usage.
	Rollback(ctx context.Context, reservationID string) error
	// Release decrements committed usage after a resource is destroyed.
	Release(ctx context.Context, projectID string, deltas map[Resource]int64) error
	Usage(ctx context.Context, projectID string) (map[Resource]Usage, error)
	// ReapExpired drops reservations past their TTL, returning the count.
	ReapExpired(ctx context.Context) (int, error)
}
