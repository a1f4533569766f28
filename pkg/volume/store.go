package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
	"github.com/wisbric/cumulus/pkg/compute"
)

// Store is the Postgres Storage implementation.
type Store struct {
	db db.DBTX
}

// NewStore creates a volume Store backed by the given database.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

const volumeColumns = `
	id, project_id, user_id, size_gb, status, attach_status, host,
	instance_uuid, mountpoint, snapshot_id, target_num, display_name,
	deleted, created_at`

func (s *Store) CreateVolume(ctx context.Context, v *Volume) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO volumes (project_id, user_id, size_gb, status, attach_status,
			host, instance_uuid, mountpoint, snapshot_id, target_num, display_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at`,
		v.ProjectID, v.UserID, v.SizeGB, v.Status, v.AttachStatus, v.Host,
		nullableUUID(v.InstanceUUID), v.Mountpoint, v.SnapshotID, v.TargetNum, v.DisplayName)
	if err := row.Scan(&v.ID, &v.CreatedAt); err != nil {
		return fmt.Errorf("inserting volume: %w", err)
	}
	return nil
}

func (s *Store) GetVolume(ctx context.Context, id int64) (*Volume, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+volumeColumns+` FROM volumes WHERE id = $1 AND NOT deleted`, id)
	return scanVolume(row, compute.FormatEC2ID("vol", id))
}

func (s *Store) ListVolumes(ctx context.Context, projectID string) ([]Volume, error) {
	query := `SELECT ` + volumeColumns + ` FROM volumes WHERE NOT deleted ORDER BY id`
	args := []any{}
	if projectID != "" {
		query = `SELECT ` + volumeColumns + ` FROM volumes WHERE project_id = $1 AND NOT deleted ORDER BY id`
		args = append(args, projectID)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	defer rows.Close()
	return collectVolumes(rows)
}

func (s *Store) ListVolumesByInstance(ctx context.Context, instanceUUID uuid.UUID) ([]Volume, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+volumeColumns+` FROM volumes WHERE instance_uuid = $1 AND NOT deleted ORDER BY id`,
		instanceUUID)
	if err != nil {
		return nil, fmt.Errorf("listing instance volumes: %w", err)
	}
	defer rows.Close()
	return collectVolumes(rows)
}

func (s *Store) SetVolumeStatus(ctx context.Context, id int64, status string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE volumes SET status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("updating volume status: %w", err)
	}
	return nil
}

func (s *Store) SetVolumeHost(ctx context.Context, id int64, host string, targetNum int) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE volumes SET host = $2, target_num = $3 WHERE id = $1`, id, host, targetNum); err != nil {
		return fmt.Errorf("updating volume host: %w", err)
	}
	return nil
}

func (s *Store) VolumeAttaching(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE volumes SET status = $2, attach_status = $3, instance_uuid = $4, mountpoint = $5
		WHERE id = $1`, id, StatusAttaching, Detached, instanceUUID, mountpoint); err != nil {
		return fmt.Errorf("marking volume attaching: %w", err)
	}
	return nil
}

func (s *Store) VolumeAttached(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE volumes SET status = $2, attach_status = $3, instance_uuid = $4, mountpoint = $5
		WHERE id = $1`, id, StatusInUse, Attached, instanceUUID, mountpoint); err != nil {
		return fmt.Errorf("marking volume attached: %w", err)
	}
	return nil
}

func (s *Store) VolumeDetached(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE volumes SET status = $2, attach_status = $3, instance_uuid = NULL, mountpoint = ''
		WHERE id = $1`, id, StatusAvailable, Detached); err != nil {
		return fmt.Errorf("marking volume detached: %w", err)
	}
	return nil
}

func (s *Store) MarkVolumeDeleted(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE volumes SET deleted = TRUE, status = $2 WHERE id = $1`,
		id, StatusDeleting); err != nil {
		return fmt.Errorf("marking volume deleted: %w", err)
	}
	return nil
}

// nullableUUID maps the zero uuid onto SQL NULL.
func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// ---- snapshots ----

const snapshotColumns = `
	id, volume_id, project_id, user_id, volume_size_gb, status, progress,
	deleted, created_at`

func (s *Store) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO snapshots (volume_id, project_id, user_id, volume_size_gb, status, progress)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at`,
		snap.VolumeID, snap.ProjectID, snap.UserID, snap.VolumeSizeGB,
		snap.Status, snap.Progress)
	if err := row.Scan(&snap.ID, &snap.CreatedAt); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1 AND NOT deleted`, id)
	return scanSnapshot(row, compute.FormatEC2ID("snap", id))
}

func (s *Store) ListSnapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE NOT deleted ORDER BY id`
	args := []any{}
	if projectID != "" {
		query = `SELECT ` + snapshotColumns + ` FROM snapshots WHERE project_id = $1 AND NOT deleted ORDER BY id`
		args = append(args, projectID)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()
	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, "")
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *Store) SetSnapshotStatus(ctx context.Context, id int64, status, progress string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE snapshots SET status = $2, progress = $3 WHERE id = $1`,
		id, status, progress); err != nil {
		return fmt.Errorf("updating snapshot status: %w", err)
	}
	return nil
}

func (s *Store) MarkSnapshotDeleted(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE snapshots SET deleted = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking snapshot deleted: %w", err)
	}
	return nil
}

func (s *Store) CountLiveSnapshots(ctx context.Context, volumeID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM snapshots
		WHERE volume_id = $1 AND NOT deleted AND status <> $2`,
		volumeID, SnapError).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting snapshots: %w", err)
	}
	return n, nil
}

// ---- target slots ----

func (s *Store) EnsureTargets(ctx context.Context, host string, count int) error {
	for i := 0; i < count; i++ {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO iscsi_targets (host, target_num, volume_id)
			VALUES ($1, $2, 0)
			ON CONFLICT (host, target_num) DO NOTHING`, host, i); err != nil {
			return fmt.Errorf("provisioning target %d on %s: %w", i, host, err)
		}
	}
	return nil
}

func (s *Store) ClaimTarget(ctx context.Context, host string, volumeID int64) (int, error) {
	var num int
	err := s.db.QueryRow(ctx, `
		UPDATE iscsi_targets SET volume_id = $2
		WHERE host = $1 AND target_num = (
			SELECT target_num FROM iscsi_targets
			WHERE host = $1 AND volume_id = 0
			ORDER BY target_num LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING target_num`, host, volumeID).Scan(&num)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apierr.ErrNoMoreTargets
		}
		return 0, fmt.Errorf("claiming target on %s: %w", host, err)
	}
	return num, nil
}

func (s *Store) ReleaseTarget(ctx context.Context, host string, volumeID int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE iscsi_targets SET volume_id = 0 WHERE host = $1 AND volume_id = $2`,
		host, volumeID); err != nil {
		return fmt.Errorf("releasing target: %w", err)
	}
	return nil
}

// ---- scanning ----

type scannable interface {
	Scan(dest ...any) error
}

func collectVolumes(rows pgx.Rows) ([]Volume, error) {
	var vols []Volume
	for rows.Next() {
		v, err := scanVolume(rows, "")
		if err != nil {
			return nil, err
		}
		vols = append(vols, *v)
	}
	return vols, rows.Err()
}

func scanVolume(row scannable, ref string) (*Volume, error) {
	var v Volume
	var instUUID *uuid.UUID
	err := row.Scan(&v.ID, &v.ProjectID, &v.UserID, &v.SizeGB, &v.Status,
		&v.AttachStatus, &v.Host, &instUUID, &v.Mountpoint, &v.SnapshotID,
		&v.TargetNum, &v.DisplayName, &v.Deleted, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidVolume.NotFound", "volume %s not found", ref)
		}
		return nil, fmt.Errorf("scanning volume: %w", err)
	}
	if instUUID != nil {
		v.InstanceUUID = *instUUID
	}
	return &v, nil
}

func scanSnapshot(row scannable, ref string) (*Snapshot, error) {
	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.VolumeID, &snap.ProjectID, &snap.UserID,
		&snap.VolumeSizeGB, &snap.Status, &snap.Progress, &snap.Deleted,
		&snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidSnapshot.NotFound", "snapshot %s not found", ref)
		}
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	return &snap, nil
}
