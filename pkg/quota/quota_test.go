package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/cumulus/pkg/apierr"
)

func testLimits() Limits {
	return Limits{
		Instances:   2,
		Cores:       4,
		RAMMB:       4096,
		Volumes:     2,
		Gigabytes:   10,
		FloatingIPs: 1,
		TTL:         time.Minute,
	}
}

func TestReserveCommit(t *testing.T) {
	e := NewMemoryEngine(testLimits())
	ctx := context.Background()

	id, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 1, Cores: 2})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := e.Commit(ctx, id); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	usage, err := e.Usage(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if usage[Instances].InUse != 1 || usage[Cores].InUse != 2 {
		t.Errorf("usage after commit = %+v", usage)
	}
}

func TestReserveDeniesOverLimit(t *testing.T) {
	e := NewMemoryEngine(testLimits())
	ctx := context.Background()

	if _, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 3}); err == nil {
		t.Fatal("Reserve over limit should fail")
	} else {
		var qe *apierr.QuotaError
		if !errors.As(err, &qe) {
			t.Fatalf("error = %T, want QuotaError", err)
		}
		if qe.Resource != string(Instances) || qe.Limit != 2 {
			t.Errorf("breakdown = %+v", qe)
		}
	}
}

func TestPendingReservationsCount(t *testing.T) {
	e := NewMemoryEngine(testLimits())
	ctx := context.Background()

	if _, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 2}); err != nil {
		t.Fatal(err)
	}
	// The uncommitted reservation still holds the quota.
	if _, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 1}); err == nil {
		t.Error("second Reserve should be denied while first is pending")
	}
}

func TestRollbackFreesQuota(t *testing.T) {
	e := NewMemoryEngine(testLimits())
	ctx := context.Background()

	id, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 2}); err != nil {
		t.Errorf("Reserve after rollback: %v", err)
	}
}

func TestReleaseAfterDestroy(t *testing.T) {
	e := NewMemoryEngine(testLimits())
	ctx := context.Background()

	id, _ := e.Reserve(ctx, "proj", map[Resource]int64{Volumes: 2, Gigabytes: 10})
	if err := e.Commit(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := e.Release(ctx, "proj", map[Resource]int64{Volumes: 1, Gigabytes: 5}); err != nil {
		t.Fatal(err)
	}
	usage, _ := e.Usage(ctx, "proj")
	if usage[Volumes].InUse != 1 || usage[Gigabytes].InUse != 5 {
		t.Errorf("usage after release = %+v", usage)
	}
}

func TestExpiredReservationsAreReaped(t *testing.T) {
	e := NewMemoryEngine(testLimits())
	ctx := context.Background()

	if _, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 2}); err != nil {
		t.Fatal(err)
	}

	// Jump past the TTL.
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	n, err := e.ReapExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReapExpired = %d, %v; want 1", n, err)
	}
	if _, err := e.Reserve(ctx, "proj", map[Resource]int64{Instances: 2}); err != nil {
		t.Errorf("Reserve after reap: %v", err)
	}
}
