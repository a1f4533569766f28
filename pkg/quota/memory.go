package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/pkg/apierr"
)

// MemoryEngine is the in-process quota engine used by tests and single-node
// runs.
type MemoryEngine struct {
	mu           sync.Mutex
	limits       Limits
	inUse        map[string]map[Resource]int64
	reservations map[string]*memReservation
	now          func() time.Time
}

type memReservation struct {
	projectID string
	deltas    map[Resource]int64
	expiresAt time.Time
}

// NewMemoryEngine creates an in-process engine with the given limits.
func NewMemoryEngine(limits Limits) *MemoryEngine {
	return &MemoryEngine{
		limits:       limits,
		inUse:        make(map[string]map[Resource]int64),
		reservations: make(map[string]*memReservation),
		now:          time.Now,
	}
}

func (e *MemoryEngine) Reserve(_ context.Context, projectID string, deltas map[Resource]int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for resource, delta := range deltas {
		if delta <= 0 {
			continue
		}
		used := e.inUse[projectID][resource] + e.reservedLocked(projectID, resource)
		limit := e.limits.Limit(resource)
		if used+delta > limit {
			return "", &apierr.QuotaError{
				Resource:  string(resource),
				Requested: delta,
				Used:      used,
				Limit:     limit,
			}
		}
	}

	id := uuid.New().String()
	copied := make(map[Resource]int64, len(deltas))
	for r, d := range deltas {
		if d > 0 {
			copied[r] = d
		}
	}
	e.reservations[id] = &memReservation{
		projectID: projectID,
		deltas:    copied,
		expiresAt: e.now().Add(e.limits.TTL),
	}
	return id, nil
}

func (e *MemoryEngine) Commit(_ context.Context, reservationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.reservations[reservationID]
	if !ok {
		return nil
	}
	usage := e.inUse[res.projectID]
	if usage == nil {
		usage = make(map[Resource]int64)
		e.inUse[res.projectID] = usage
	}
	for r, d := range res.deltas {
		usage[r] += d
	}
	delete(e.reservations, reservationID)
	return nil
}

func (e *MemoryEngine) Rollback(_ context.Context, reservationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reservations, reservationID)
	return nil
}

func (e *MemoryEngine) Release(_ context.Context, projectID string, deltas map[Resource]int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	usage := e.inUse[projectID]
	if usage == nil {
		return nil
	}
	for r, d := range deltas {
		if usage[r] < d {
			usage[r] = 0
		} else {
			usage[r] -= d
		}
	}
	return nil
}

func (e *MemoryEngine) Usage(_ context.Context, projectID string) (map[Resource]Usage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Resource]Usage)
	for _, r := range []Resource{Instances, Cores, RAMMB, Volumes, Gigabytes, FloatingIPs} {
		out[r] = Usage{
			InUse:    e.inUse[projectID][r],
			Reserved: e.reservedLocked(projectID, r),
			Limit:    e.limits.Limit(r),
		}
	}
	return out, nil
}

func (e *MemoryEngine) ReapExpired(_ context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for id, res := range e.reservations {
		if !res.expiresAt.After(now) {
			delete(e.reservations, id)
			n++
		}
	}
	return n, nil
}

func (e *MemoryEngine) reservedLocked(projectID string, resource Resource) int64 {
	now := e.now()
	var sum int64
	for _, res := range e.reservations {
		if res.projectID == projectID && res.expiresAt.After(now) {
			sum += res.deltas[resource]
		}
	}
	return sum
}

var _ Engine = (*MemoryEngine)(nil)
