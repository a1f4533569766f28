package zone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/cumulus/internal/telemetry"
)

// Info is what a child zone reports about itself.
type Info struct {
	Name         string             `json:"name"`
	Capabilities map[string]float64 `json:"capabilities"`
}

// Poller fetches a child zone's info endpoint.
type Poller interface {
	Info(ctx context.Context, z Zone) (*Info, error)
}

// State is the manager's view of one child zone.
type State struct {
	Zone         Zone
	Name         string
	Capabilities map[string]float64
	IsActive     bool
	Attempt      int
	LastSeen     time.Time
	LastError    string
}

// CapRange is the (min, max) aggregate of one capability across hosts.
type CapRange struct {
	Min float64
	Max float64
}

// Settings carries the manager's loop configuration.
type Settings struct {
	DBCheckInterval   time.Duration
	PollInterval      time.Duration
	FailuresToOffline int
	PollConcurrency   int
}

// Manager keeps zone states updated and aggregates service capabilities.
// The state maps are guarded by mu; readers get copies.
type Manager struct {
	store    Storage
	poller   Poller
	logger   *slog.Logger
	settings Settings

	mu          sync.Mutex
	zones       map[int64]*State
	services    map[string]map[string]map[string]float64 // service → host → cap → value
	lastDBCheck time.Time
}

// NewManager creates a zone manager.
func NewManager(store Storage, poller Poller, logger *slog.Logger, settings Settings) *Manager {
	if settings.PollConcurrency <= 0 {
		settings.PollConcurrency = 8
	}
	return &Manager{
		store:    store,
		poller:   poller,
		logger:   logger,
		settings: settings,
		zones:    make(map[int64]*State),
		services: make(map[string]map[string]map[string]float64),
	}
}

// Run drives the poll loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("zone manager started",
		"poll_interval", m.settings.PollInterval,
		"db_check_interval", m.settings.DBCheckInterval)

	ticker := time.NewTicker(m.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("zone manager stopped")
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("zone manager tick", "error", err)
			}
		}
	}
}

// Tick refreshes the zone set from the database when due, then polls every
// known zone concurrently.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	due := time.Since(m.lastDBCheck) >= m.settings.DBCheckInterval
	m.mu.Unlock()

	if due {
		if err := m.refreshFromDB(ctx); err != nil {
			return err
		}
	}
	return m.pollZones(ctx)
}

// refreshFromDB reconciles the in-memory state map with the persisted zone
// list: new rows are added, changed credentials updated, removed rows
// dropped.
func (m *Manager) refreshFromDB(ctx context.Context) error {
	zones, err := m.store.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("listing zones: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDBCheck = time.Now()

	seen := make(map[int64]bool, len(zones))
	for _, z := range zones {
		seen[z.ID] = true
		state, ok := m.zones[z.ID]
		if !ok {
			state = &State{IsActive: true}
			m.zones[z.ID] = state
		}
		state.Zone = z
	}
	for id := range m.zones {
		if !seen[id] {
			delete(m.zones, id)
		}
	}
	return nil
}

func (m *Manager) pollZones(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.settings.PollConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			m.pollOne(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.updateOfflineGauge()
	return nil
}

func (m *Manager) pollOne(ctx context.Context, id int64) {
	m.mu.Lock()
	state, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	z := state.Zone
	m.mu.Unlock()

	info, err := m.poller.Info(ctx, z)

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok = m.zones[id]
	if !ok {
		return
	}
	if err != nil {
		telemetry.ZonePollFailuresTotal.Inc()
		state.Attempt++
		state.LastError = err.Error()
		m.logger.Warn("error talking to zone",
			"api_url", z.APIURL, "attempt", state.Attempt, "error", err)
		if state.Attempt >= m.settings.FailuresToOffline {
			if state.IsActive {
				m.logger.Error("no answer from zone, marking inactive",
					"api_url", z.APIURL, "attempts", state.Attempt)
			}
			state.IsActive = false
		}
		return
	}

	state.Name = info.Name
	state.Capabilities = info.Capabilities
	state.Attempt = 0
	state.LastSeen = time.Now()
	state.LastError = ""
	state.IsActive = true
}

func (m *Manager) updateOfflineGauge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	offline := 0
	for _, s := range m.zones {
		if !s.IsActive {
			offline++
		}
	}
	telemetry.ZonesOffline.Set(float64(offline))
}

// ZoneStates returns a copy of every zone's current state.
func (m *Manager) ZoneStates() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.zones))
	for _, s := range m.zones {
		copied := *s
		copied.Capabilities = copyCaps(s.Capabilities)
		out = append(out, copied)
	}
	return out
}

// UpdateServiceCapabilities records a worker's capability report.
func (m *Manager) UpdateServiceCapabilities(serviceName, host string, capabilities map[string]float64) {
	m.logger.Debug("received service capability update",
		"service", serviceName, "host", host)
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts, ok := m.services[serviceName]
	if !ok {
		hosts = make(map[string]map[string]float64)
		m.services[serviceName] = hosts
	}
	hosts[host] = copyCaps(capabilities)
}

// GetZoneCapabilities rolls per-host capability values up into
// <service>_<cap> → (min, max) pairs, optionally restricted to one service.
func (m *Manager) GetZoneCapabilities(service string) map[string]CapRange {
	m.mu.Lock()
	defer m.mu.Unlock()

	combined := make(map[string]CapRange)
	for serviceName, hosts := range m.services {
		if service != "" && serviceName != service {
			continue
		}
		for _, caps := range hosts {
			for capName, value := range caps {
				key := serviceName + "_" + capName
				r, ok := combined[key]
				if !ok {
					r = CapRange{Min: value, Max: value}
				} else {
					if value < r.Min {
						r.Min = value
					}
					if value > r.Max {
						r.Max = value
					}
				}
				combined[key] = r
			}
		}
	}
	return combined
}

func copyCaps(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HTTPPoller polls zone info endpoints over HTTP with basic auth and a
// bounded retry.
type HTTPPoller struct {
	client *http.Client
}

// NewHTTPPoller creates a poller with the given timeout per attempt.
func NewHTTPPoller(timeout time.Duration) *HTTPPoller {
	return &HTTPPoller{client: &http.Client{Timeout: timeout}}
}

// Info fetches <api_url>/info, retrying transient failures briefly so a
// single dropped packet does not count against the zone.
func (p *HTTPPoller) Info(ctx context.Context, z Zone) (*Info, error) {
	operation := func() (*Info, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.APIURL+"/info", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.SetBasicAuth(z.Username, z.Password)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("zone %s returned %s", z.APIURL, resp.Status)
		}

		var info Info
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decoding zone info: %w", err))
		}
		return &info, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
}
