package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cumulus/internal/telemetry"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// PGEngine is the Postgres-backed quota engine. The reserve check runs in
// one transaction holding a per-project advisory lock, so two concurrent
// reservations cannot both slip under the limit.
type PGEngine struct {
	pool   *pgxpool.Pool
	limits Limits
}

// NewPGEngine creates a quota engine over the given pool.
func NewPGEngine(pool *pgxpool.Pool, limits Limits) *PGEngine {
	return &PGEngine{pool: pool, limits: limits}
}

func (e *PGEngine) Reserve(ctx context.Context, projectID string, deltas map[Resource]int64) (string, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize reservations per project.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('quota:' || $1))`, projectID); err != nil {
		return "", fmt.Errorf("locking project quota: %w", err)
	}

	reservationID := uuid.New().String()
	expires := time.Now().Add(e.limits.TTL)

	for resource, delta := range deltas {
		if delta <= 0 {
			continue
		}
		limit := e.limits.Limit(resource)

		var inUse int64
		err := tx.QueryRow(ctx,
			`SELECT in_use FROM quota_usages WHERE project_id = $1 AND resource = $2`,
			projectID, string(resource)).Scan(&inUse)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("reading usage: %w", err)
		}

		var reserved int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(delta), 0) FROM quota_reservations
			WHERE project_id = $1 AND resource = $2 AND expires_at > now()`,
			projectID, string(resource)).Scan(&reserved)
		if err != nil {
			return "", fmt.Errorf("reading reservations: %w", err)
		}

		if inUse+reserved+delta > limit {
			telemetry.QuotaDeniedTotal.WithLabelValues(string(resource)).Inc()
			return "", &apierr.QuotaError{
				Resource:  string(resource),
				Requested: delta,
				Used:      inUse + reserved,
				Limit:     limit,
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO quota_reservations (id, project_id, resource, delta, expires_at)
			VALUES ($1, $2, $3, $4, $5)`,
			reservationID, projectID, string(resource), delta, expires); err != nil {
			return "", fmt.Errorf("inserting reservation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing reserve tx: %w", err)
	}
	return reservationID, nil
}

func (e *PGEngine) Commit(ctx context.Context, reservationID string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		DELETE FROM quota_reservations WHERE id = $1
		RETURNING project_id, resource, delta`, reservationID)
	if err != nil {
		return fmt.Errorf("claiming reservation: %w", err)
	}
	type claimed struct {
		project  string
		resource string
		delta    int64
	}
	var claims []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.project, &c.resource, &c.delta); err != nil {
			rows.Close()
			return fmt.Errorf("scanning reservation: %w", err)
		}
		claims = append(claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading reservations: %w", err)
	}

	for _, c := range claims {
		if _, err := tx.Exec(ctx, `
			INSERT INTO quota_usages (project_id, resource, in_use)
			VALUES ($1, $2, $3)
			ON CONFLICT (project_id, resource)
			DO UPDATE SET in_use = quota_usages.in_use + EXCLUDED.in_use`,
			c.project, c.resource, c.delta); err != nil {
			return fmt.Errorf("committing usage: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (e *PGEngine) Rollback(ctx context.Context, reservationID string) error {
	if _, err := e.pool.Exec(ctx,
		`DELETE FROM quota_reservations WHERE id = $1`, reservationID); err != nil {
		return fmt.Errorf("rolling back reservation: %w", err)
	}
	return nil
}

func (e *PGEngine) Release(ctx context.Context, projectID string, deltas map[Resource]int64) error {
	for resource, delta := range deltas {
		if delta <= 0 {
			continue
		}
		if _, err := e.pool.Exec(ctx, `
			UPDATE quota_usages SET in_use = GREATEST(in_use - $3, 0)
			WHERE project_id = $1 AND resource = $2`,
			projectID, string(resource), delta); err != nil {
			return fmt.Errorf("releasing usage: %w", err)
		}
	}
	return nil
}

func (e *PGEngine) Usage(ctx context.Context, projectID string) (map[Resource]Usage, error) {
	out := make(map[Resource]Usage)
	for _, r := range []Resource{Instances, Cores, RAMMB, Volumes, Gigabytes, FloatingIPs} {
		out[r] = Usage{Limit: e.limits.Limit(r)}
	}

	rows, err := e.pool.Query(ctx,
		`SELECT resource, in_use FROM quota_usages WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("reading usages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var resource string
		var inUse int64
		if err := rows.Scan(&resource, &inUse); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		u := out[Resource(resource)]
		u.InUse = inUse
		out[Resource(resource)] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resRows, err := e.pool.Query(ctx, `
		SELECT resource, COALESCE(SUM(delta), 0) FROM quota_reservations
		WHERE project_id = $1 AND expires_at > now() GROUP BY resource`, projectID)
	if err != nil {
		return nil, fmt.Errorf("reading reservations: %w", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		var resource string
		var reserved int64
		if err := resRows.Scan(&resource, &reserved); err != nil {
			return nil, fmt.Errorf("scanning reservation sum: %w", err)
		}
		u := out[Resource(resource)]
		u.Reserved = reserved
		out[Resource(resource)] = u
	}
	return out, resRows.Err()
}

func (e *PGEngine) ReapExpired(ctx context.Context) (int, error) {
	tag, err := e.pool.Exec(ctx,
		`DELETE FROM quota_reservations WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("reaping reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ Engine = (*PGEngine)(nil)
