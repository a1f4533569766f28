// Package service tracks worker services (compute, volume, network hosts)
// through periodic heartbeats. A service is up iff it has reported within
// the liveness window.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// Service is one worker's registration row.
type Service struct {
	ID               int64
	Host             string
	Binary           string
	Topic            string
	AvailabilityZone string
	ReportCount      int64
	LastSeen         time.Time
	Disabled         bool
	Capabilities     json.RawMessage
}

// Registry persists service heartbeats and answers liveness queries.
type Registry struct {
	db       db.DBTX
	downTime time.Duration
}

// NewRegistry creates a registry with the given liveness window.
func NewRegistry(dbtx db.DBTX, downTime time.Duration) *Registry {
	return &Registry{db: dbtx, downTime: downTime}
}

// Report records a heartbeat, registering the service on first sight.
func (r *Registry) Report(ctx context.Context, host, binary, topic, zone string, capabilities json.RawMessage) error {
	if len(capabilities) == 0 {
		capabilities = json.RawMessage(`{}`)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO services (host, binary, topic, availability_zone, report_count, last_seen, capabilities)
		VALUES ($1, $2, $3, $4, 1, now(), $5)
		ON CONFLICT (host, topic) DO UPDATE SET
			report_count = services.report_count + 1,
			last_seen = now(),
			availability_zone = EXCLUDED.availability_zone,
			capabilities = EXCLUDED.capabilities`,
		host, binary, topic, zone, capabilities)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// Get fetches one service row.
func (r *Registry) Get(ctx context.Context, host, topic string) (*Service, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, host, binary, topic, availability_zone, report_count,
			last_seen, disabled, capabilities
		FROM services WHERE host = $1 AND topic = $2`, host, topic)
	return scanService(row, host)
}

// ListByTopic returns every service consuming a topic; an empty topic lists
// all.
func (r *Registry) ListByTopic(ctx context.Context, topic string) ([]Service, error) {
	query := `SELECT id, host, binary, topic, availability_zone, report_count,
			last_seen, disabled, capabilities
		FROM services ORDER BY topic, host`
	args := []any{}
	if topic != "" {
		query = `SELECT id, host, binary, topic, availability_zone, report_count,
				last_seen, disabled, capabilities
			FROM services WHERE topic = $1 ORDER BY host`
		args = append(args, topic)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	defer rows.Close()
	var services []Service
	for rows.Next() {
		s, err := scanService(rows, "")
		if err != nil {
			return nil, err
		}
		services = append(services, *s)
	}
	return services, rows.Err()
}

// IsUp reports whether the service heartbeated within the liveness window.
func (r *Registry) IsUp(s *Service) bool {
	return time.Since(s.LastSeen) < r.downTime
}

// FirstUpHost returns the first live, enabled host consuming the topic, for
// dispatching work that any worker of the topic can take.
func (r *Registry) FirstUpHost(ctx context.Context, topic string) (string, error) {
	services, err := r.ListByTopic(ctx, topic)
	if err != nil {
		return "", err
	}
	for i := range services {
		if !services[i].Disabled && r.IsUp(&services[i]) {
			return services[i].Host, nil
		}
	}
	return "", apierr.ServiceUnavailable("no live %s service", topic)
}

// SetDisabled flips a service's administrative disable flag.
func (r *Registry) SetDisabled(ctx context.Context, host, topic string, disabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE services SET disabled = $3 WHERE host = $1 AND topic = $2`,
		host, topic, disabled)
	if err != nil {
		return fmt.Errorf("updating service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("InvalidService.NotFound", "service %s/%s not found", topic, host)
	}
	return nil
}

// Zones returns the distinct availability zones with every service row in
// each, live or not, for DescribeAvailabilityZones.
func (r *Registry) Zones(ctx context.Context) (map[string][]Service, error) {
	services, err := r.ListByTopic(ctx, "")
	if err != nil {
		return nil, err
	}
	zones := make(map[string][]Service)
	for _, s := range services {
		zones[s.AvailabilityZone] = append(zones[s.AvailabilityZone], s)
	}
	return zones, nil
}

func scanService(row pgx.Row, ref string) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Host, &s.Binary, &s.Topic, &s.AvailabilityZone,
		&s.ReportCount, &s.LastSeen, &s.Disabled, &s.Capabilities)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidService.NotFound", "service %s not found", ref)
		}
		return nil, fmt.Errorf("scanning service: %w", err)
	}
	return &s, nil
}
