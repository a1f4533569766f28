package volume

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/quota"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// memStorage is a test double implementing Storage.
type memStorage struct {
	mu        sync.Mutex
	nextVol   int64
	nextSnap  int64
	volumes   map[int64]*Volume
	snapshots map[int64]*Snapshot
	targets   map[string]map[int]int64 // host → slot → volume id (0 free)
}

func newMemStorage() *memStorage {
	return &memStorage{
		volumes:   make(map[int64]*Volume),
		snapshots: make(map[int64]*Snapshot),
		targets:   make(map[string]map[int]int64),
	}
}

func (m *memStorage) CreateVolume(_ context.Context, v *Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextVol++
	v.ID = m.nextVol
	v.CreatedAt = time.Now()
	copied := *v
	m.volumes[v.ID] = &copied
	return nil
}

func (m *memStorage) GetVolume(_ context.Context, id int64) (*Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[id]
	if !ok || v.Deleted {
		return nil, apierr.NotFound("InvalidVolume.NotFound", "volume %d not found", id)
	}
	copied := *v
	return &copied, nil
}

func (m *memStorage) ListVolumes(_ context.Context, projectID string) ([]Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Volume
	for _, id := range m.sortedVolIDs() {
		v := m.volumes[id]
		if !v.Deleted && (projectID == "" || v.ProjectID == projectID) {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStorage) ListVolumesByInstance(_ context.Context, instanceUUID uuid.UUID) ([]Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Volume
	for _, id := range m.sortedVolIDs() {
		v := m.volumes[id]
		if !v.Deleted && v.InstanceUUID == instanceUUID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStorage) SetVolumeStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[id].Status = status
	return nil
}

func (m *memStorage) SetVolumeHost(_ context.Context, id int64, host string, targetNum int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[id].Host = host
	m.volumes[id].TargetNum = targetNum
	return nil
}

func (m *memStorage) VolumeAttaching(_ context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.volumes[id]
	v.Status = StatusAttaching
	v.AttachStatus = Detached
	v.InstanceUUID = instanceUUID
	v.Mountpoint = mountpoint
	return nil
}

func (m *memStorage) VolumeAttached(_ context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.volumes[id]
	v.Status = StatusInUse
	v.AttachStatus = Attached
	v.InstanceUUID = instanceUUID
	v.Mountpoint = mountpoint
	return nil
}

func (m *memStorage) VolumeDetached(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.volumes[id]
	v.Status = StatusAvailable
	v.AttachStatus = Detached
	v.InstanceUUID = uuid.Nil
	v.Mountpoint = ""
	return nil
}

func (m *memStorage) MarkVolumeDeleted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[id].Deleted = true
	return nil
}

func (m *memStorage) CreateSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSnap++
	s.ID = m.nextSnap
	s.CreatedAt = time.Now()
	copied := *s
	m.snapshots[s.ID] = &copied
	return nil
}

func (m *memStorage) GetSnapshot(_ context.Context, id int64) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok || s.Deleted {
		return nil, apierr.NotFound("InvalidSnapshot.NotFound", "snapshot %d not found", id)
	}
	copied := *s
	return &copied, nil
}

func (m *memStorage) ListSnapshots(_ context.Context, projectID string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.snapshots {
		if !s.Deleted && (projectID == "" || s.ProjectID == projectID) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStorage) SetSnapshotStatus(_ context.Context, id int64, status, progress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id].Status = status
	if progress != "" {
		m.snapshots[id].Progress = progress
	}
	return nil
}

func (m *memStorage) MarkSnapshotDeleted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id].Deleted = true
	return nil
}

func (m *memStorage) CountLiveSnapshots(_ context.Context, volumeID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.snapshots {
		if s.VolumeID == volumeID && !s.Deleted && s.Status != SnapError {
			n++
		}
	}
	return n, nil
}

func (m *memStorage) EnsureTargets(_ context.Context, host string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots := m.targets[host]
	if slots == nil {
		slots = make(map[int]int64)
		m.targets[host] = slots
	}
	for i := 0; i < count; i++ {
		if _, ok := slots[i]; !ok {
			slots[i] = 0
		}
	}
	return nil
}

func (m *memStorage) ClaimTarget(_ context.Context, host string, volumeID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots := m.targets[host]
	var nums []int
	for n := range slots {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		if slots[n] == 0 {
			slots[n] = volumeID
			return n, nil
		}
	}
	return 0, apierr.ErrNoMoreTargets
}

func (m *memStorage) ReleaseTarget(_ context.Context, host string, volumeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range m.targets[host] {
		if v == volumeID {
			m.targets[host][n] = 0
		}
	}
	return nil
}

func (m *memStorage) sortedVolIDs() []int64 {
	var ids []int64
	for id := range m.volumes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var _ Storage = (*memStorage)(nil)

type staticLocator struct{ host string }

func (l staticLocator) FirstUpHost(_ context.Context, _ string) (string, error) {
	return l.host, nil
}

func testController(t *testing.T, slots int) (*Controller, *memStorage, *rpc.MemoryBus) {
	t.Helper()
	store := newMemStorage()
	if err := store.EnsureTargets(context.Background(), "volhost", slots); err != nil {
		t.Fatal(err)
	}
	bus := rpc.NewMemoryBus()
	q := quota.NewMemoryEngine(quota.Limits{
		Volumes: 10, Gigabytes: 100, TTL: time.Minute,
	})
	c := NewController(store, q, bus, staticLocator{host: "volhost"}, slog.Default())
	return c, store, bus
}

func rc() *auth.RequestContext {
	return &auth.RequestContext{RequestID: "req", UserID: "alice", ProjectID: "proj"}
}

func TestCreateVolumeCasts(t *testing.T) {
	c, store, bus := testController(t, 4)
	ctx := context.Background()

	v, err := c.Create(ctx, rc(), 1, 0, "data")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.Status != StatusCreating || v.Host != "volhost" {
		t.Errorf("created volume = %+v", v)
	}
	if v.EC2ID() != "vol-00000001" {
		t.Errorf("EC2ID = %s", v.EC2ID())
	}

	msgs := bus.MessagesTo("volume.volhost")
	if len(msgs) != 1 || msgs[0].Env.Method != "create_volume" {
		t.Fatalf("bus messages = %+v", msgs)
	}

	if err := c.Created(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetVolume(ctx, v.ID)
	if got.Status != StatusAvailable {
		t.Errorf("status after ack = %s", got.Status)
	}
}

func TestTargetSlotExhaustion(t *testing.T) {
	c, _, _ := testController(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Create(ctx, rc(), 1, 0, ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := c.Create(ctx, rc(), 1, 0, ""); !errors.Is(err, apierr.ErrNoMoreTargets) {
		t.Fatalf("third create error = %v, want ErrNoMoreTargets", err)
	}

	// Freeing a slot unblocks the next create.
	if err := c.Created(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Deleted(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, rc(), 1, 0, ""); err != nil {
		t.Errorf("create after slot freed: %v", err)
	}
}

func TestAttachDetachTuple(t *testing.T) {
	c, store, _ := testController(t, 4)
	ctx := context.Background()
	instUUID := uuid.New()

	v, err := c.Create(ctx, rc(), 1, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Created(ctx, v.ID)

	if err := c.BeginAttach(ctx, v.ID, instUUID, "/dev/sdf"); err != nil {
		t.Fatalf("BeginAttach: %v", err)
	}
	got, _ := store.GetVolume(ctx, v.ID)
	if got.Status != StatusAttaching || got.AttachStatus != Detached {
		t.Errorf("attaching tuple = (%s, %s)", got.Status, got.AttachStatus)
	}

	if err := c.Attached(ctx, v.ID, instUUID, "/dev/sdf"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetVolume(ctx, v.ID)
	if got.Status != StatusInUse || got.AttachStatus != Attached ||
		got.InstanceUUID != instUUID || got.Mountpoint != "/dev/sdf" {
		t.Errorf("attached tuple = %+v", got)
	}

	if err := c.BeginDetach(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Detached(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetVolume(ctx, v.ID)
	if got.Status != StatusAvailable || got.AttachStatus != Detached ||
		got.InstanceUUID != uuid.Nil || got.Mountpoint != "" {
		t.Errorf("detached tuple = %+v", got)
	}
}

func TestAttachRequiresAvailable(t *testing.T) {
	c, _, _ := testController(t, 4)
	ctx := context.Background()

	v, _ := c.Create(ctx, rc(), 1, 0, "")
	// Still creating.
	if err := c.BeginAttach(ctx, v.ID, uuid.New(), "/dev/sdf"); err == nil {
		t.Error("BeginAttach on a creating volume must fail")
	}
}

func TestDeleteBusyLeavesAvailable(t *testing.T) {
	c, store, _ := testController(t, 4)
	ctx := context.Background()

	v, _ := c.Create(ctx, rc(), 1, 0, "")
	_ = c.Created(ctx, v.ID)
	if err := c.Delete(ctx, v.ID); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteBusy(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetVolume(ctx, v.ID)
	if got.Status != StatusAvailable {
		t.Errorf("status after busy = %s, want available (never error)", got.Status)
	}
}

func TestDeleteRefusedWithSnapshots(t *testing.T) {
	c, _, _ := testController(t, 4)
	ctx := context.Background()

	v, _ := c.Create(ctx, rc(), 1, 0, "")
	_ = c.Created(ctx, v.ID)
	if _, err := c.CreateSnapshot(ctx, rc(), v.ID, false); err != nil {
		t.Fatal(err)
	}

	if err := c.Delete(ctx, v.ID); err == nil {
		t.Error("delete must be refused while a live snapshot exists")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	c, _, _ := testController(t, 4)
	if err := c.Delete(context.Background(), 404); err != nil {
		t.Errorf("delete of a missing volume = %v, want nil", err)
	}
}

func TestSnapshotRoundTripSize(t *testing.T) {
	c, _, _ := testController(t, 4)
	ctx := context.Background()

	v, _ := c.Create(ctx, rc(), 3, 0, "")
	_ = c.Created(ctx, v.ID)
	snap, err := c.CreateSnapshot(ctx, rc(), v.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SnapshotCreated(ctx, snap.ID)

	// Volume from snapshot defaults to the snapshot size.
	restored, err := c.Create(ctx, rc(), 0, snap.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if restored.SizeGB < snap.VolumeSizeGB {
		t.Errorf("restored size %d < snapshot size %d", restored.SizeGB, snap.VolumeSizeGB)
	}

	// Smaller explicit size is rejected.
	if _, err := c.Create(ctx, rc(), 1, snap.ID, ""); err == nil {
		t.Error("undersized restore must be rejected")
	}
}

func TestSnapshotRequiresAvailableUnlessForced(t *testing.T) {
	c, _, _ := testController(t, 4)
	ctx := context.Background()

	v, _ := c.Create(ctx, rc(), 1, 0, "")
	_ = c.Created(ctx, v.ID)
	_ = c.BeginAttach(ctx, v.ID, uuid.New(), "/dev/sdf")
	_ = c.Attached(ctx, v.ID, uuid.New(), "/dev/sdf")

	if _, err := c.CreateSnapshot(ctx, rc(), v.ID, false); err == nil {
		t.Error("snapshot of an in-use volume must require force")
	}
	if _, err := c.CreateSnapshot(ctx, rc(), v.ID, true); err != nil {
		t.Errorf("forced snapshot: %v", err)
	}
}

func TestSnapshotDeleteBusy(t *testing.T) {
	c, store, _ := testController(t, 4)
	ctx := context.Background()

	v, _ := c.Create(ctx, rc(), 1, 0, "")
	_ = c.Created(ctx, v.ID)
	snap, _ := c.CreateSnapshot(ctx, rc(), v.ID, false)
	_ = c.SnapshotCreated(ctx, snap.ID)

	if err := c.DeleteSnapshot(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.SnapshotDeleteBusy(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetSnapshot(ctx, snap.ID)
	if got.Status != SnapAvailable {
		t.Errorf("snapshot status after busy = %s, want available", got.Status)
	}
}
