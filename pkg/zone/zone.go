// Package zone polls child zones for capability information and aggregates
// per-service capabilities reported by local workers. The scheduler
// consumes the aggregated snapshots.
package zone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// Zone is a child control plane registered for polling.
type Zone struct {
	ID       int64
	APIURL   string
	Username string
	Password string
}

// Storage is the persistence contract for zone rows.
type Storage interface {
	ListZones(ctx context.Context) ([]Zone, error)
}

// Store is the Postgres zone store.
type Store struct {
	db db.DBTX
}

// NewStore creates a zone Store backed by the given database.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

// Create registers a child zone.
func (s *Store) Create(ctx context.Context, z *Zone) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO zones (api_url, username, password)
		VALUES ($1, $2, $3) RETURNING id`,
		z.APIURL, z.Username, z.Password)
	if err := row.Scan(&z.ID); err != nil {
		return fmt.Errorf("inserting zone: %w", err)
	}
	return nil
}

// Get fetches one zone row.
func (s *Store) Get(ctx context.Context, id int64) (*Zone, error) {
	var z Zone
	err := s.db.QueryRow(ctx,
		`SELECT id, api_url, username, password FROM zones WHERE id = $1`, id).
		Scan(&z.ID, &z.APIURL, &z.Username, &z.Password)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidZone.NotFound", "zone %d not found", id)
		}
		return nil, fmt.Errorf("selecting zone: %w", err)
	}
	return &z, nil
}

// ListZones returns all registered zones.
func (s *Store) ListZones(ctx context.Context) ([]Zone, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, api_url, username, password FROM zones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing zones: %w", err)
	}
	defer rows.Close()
	var zones []Zone
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.APIURL, &z.Username, &z.Password); err != nil {
			return nil, fmt.Errorf("scanning zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// Delete removes a zone registration.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM zones WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting zone: %w", err)
	}
	return nil
}

var _ Storage = (*Store)(nil)
