package zone

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	zones []Zone
}

func (f *fakeStore) ListZones(_ context.Context) ([]Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Zone(nil), f.zones...), nil
}

type fakePoller struct {
	mu   sync.Mutex
	fail bool
	info Info
}

func (f *fakePoller) Info(_ context.Context, _ Zone) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection refused")
	}
	info := f.info
	return &info, nil
}

func (f *fakePoller) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func newTestManager(store *fakeStore, poller Poller) *Manager {
	return NewManager(store, poller, slog.Default(), Settings{
		DBCheckInterval:   time.Hour, // refresh only when we ask
		PollInterval:      time.Hour,
		FailuresToOffline: 3,
		PollConcurrency:   4,
	})
}

func TestZoneGoesOfflineAfterConsecutiveFailures(t *testing.T) {
	store := &fakeStore{zones: []Zone{{ID: 1, APIURL: "http://child"}}}
	poller := &fakePoller{fail: true}
	m := newTestManager(store, poller)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	states := m.ZoneStates()
	if len(states) != 1 {
		t.Fatalf("zone states = %d, want 1", len(states))
	}
	if !states[0].IsActive {
		t.Error("zone inactive before reaching the failure threshold")
	}

	if err := m.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	states = m.ZoneStates()
	if states[0].IsActive {
		t.Error("zone still active after three consecutive failures")
	}
	if states[0].LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestSuccessfulPollReactivates(t *testing.T) {
	store := &fakeStore{zones: []Zone{{ID: 1, APIURL: "http://child"}}}
	poller := &fakePoller{fail: true}
	m := newTestManager(store, poller)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Tick(ctx)
	}
	if m.ZoneStates()[0].IsActive {
		t.Fatal("precondition: zone should be offline")
	}

	poller.setFail(false)
	poller.info = Info{Name: "child-zone", Capabilities: map[string]float64{"cpu": 4}}
	if err := m.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	s := m.ZoneStates()[0]
	if !s.IsActive || s.Attempt != 0 {
		t.Errorf("state after recovery = %+v", s)
	}
	if s.Name != "child-zone" || s.Capabilities["cpu"] != 4 {
		t.Errorf("metadata not updated: %+v", s)
	}
}

func TestDBReconcileAddsAndRemoves(t *testing.T) {
	store := &fakeStore{zones: []Zone{{ID: 1}, {ID: 2}}}
	m := newTestManager(store, &fakePoller{})
	ctx := context.Background()

	if err := m.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(m.ZoneStates()); got != 2 {
		t.Fatalf("zones after first tick = %d, want 2", got)
	}

	// Drop one zone from the db; the next refresh removes it.
	store.mu.Lock()
	store.zones = store.zones[:1]
	store.mu.Unlock()
	if err := m.refreshFromDB(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(m.ZoneStates()); got != 1 {
		t.Errorf("zones after removal = %d, want 1", got)
	}
}

func TestCapabilityAggregation(t *testing.T) {
	m := newTestManager(&fakeStore{}, &fakePoller{})

	m.UpdateServiceCapabilities("compute", "host-a", map[string]float64{"ram_mb": 1024, "disk_gb": 100})
	m.UpdateServiceCapabilities("compute", "host-b", map[string]float64{"ram_mb": 4096, "disk_gb": 50})
	m.UpdateServiceCapabilities("volume", "host-c", map[string]float64{"disk_gb": 500})

	caps := m.GetZoneCapabilities("")
	if r := caps["compute_ram_mb"]; r.Min != 1024 || r.Max != 4096 {
		t.Errorf("compute_ram_mb = %+v", r)
	}
	if r := caps["compute_disk_gb"]; r.Min != 50 || r.Max != 100 {
		t.Errorf("compute_disk_gb = %+v", r)
	}
	if r := caps["volume_disk_gb"]; r.Min != 500 || r.Max != 500 {
		t.Errorf("volume_disk_gb = %+v", r)
	}

	// Filtered to one service.
	caps = m.GetZoneCapabilities("volume")
	if _, ok := caps["compute_ram_mb"]; ok {
		t.Error("service filter leaked other services")
	}
	if _, ok := caps["volume_disk_gb"]; !ok {
		t.Error("service filter dropped the requested service")
	}
}

func TestLatestCapabilityWins(t *testing.T) {
	m := newTestManager(&fakeStore{}, &fakePoller{})
	m.UpdateServiceCapabilities("compute", "host-a", map[string]float64{"ram_mb": 1024})
	m.UpdateServiceCapabilities("compute", "host-a", map[string]float64{"ram_mb": 2048})

	caps := m.GetZoneCapabilities("compute")
	if r := caps["compute_ram_mb"]; r.Min != 2048 || r.Max != 2048 {
		t.Errorf("compute_ram_mb = %+v, want latest report only", r)
	}
}
