package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// Store provides database operations for instances and their block-device
// mappings.
type Store struct {
	db db.DBTX
}

// NewStore creates an instance Store backed by the given database.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

const instanceColumns = `
	id, uuid, project_id, user_id, image_ref, kernel_ref, ramdisk_ref,
	instance_type, reservation_id, launch_time, launch_index, state,
	state_description, host, mac, private_ip, public_ip, key_name, key_data,
	user_data, root_device_name, display_name, availability_zone, deleted,
	created_at, updated_at`

// Create persists a new instance record and assigns its integer id.
func (s *Store) Create(ctx context.Context, inst *Instance) error {
	if inst.UUID == uuid.Nil {
		inst.UUID = uuid.New()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO instances (
			uuid, project_id, user_id, image_ref, kernel_ref, ramdisk_ref,
			instance_type, reservation_id, launch_time, launch_index, state,
			state_description, host, mac, private_ip, public_ip, key_name,
			key_data, user_data, root_device_name, display_name,
			availability_zone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING id, created_at, updated_at`,
		inst.UUID, inst.ProjectID, inst.UserID, inst.ImageRef, inst.KernelRef,
		inst.RamdiskRef, inst.InstanceType, inst.ReservationID, inst.LaunchTime,
		inst.LaunchIndex, inst.State, inst.StateDescription, inst.Host, inst.MAC,
		inst.PrivateIP, inst.PublicIP, inst.KeyName, inst.KeyData, inst.UserData,
		inst.RootDeviceName, inst.DisplayName, inst.AvailabilityZone)
	if err := row.Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}
	return nil
}

// Get fetches one live instance by id.
func (s *Store) Get(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1 AND NOT deleted`, id)
	return s.scanInstance(ctx, row, FormatEC2ID("i", id))
}

// GetIncludingDeleted fetches an instance regardless of its deleted flag.
func (s *Store) GetIncludingDeleted(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	return s.scanInstance(ctx, row, FormatEC2ID("i", id))
}

// GetByUUID fetches one live instance by uuid.
func (s *Store) GetByUUID(ctx context.Context, id uuid.UUID) (*Instance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE uuid = $1 AND NOT deleted`, id)
	return s.scanInstance(ctx, row, id.String())
}

// GetByFixedIP fetches the live instance holding the given private address.
func (s *Store) GetByFixedIP(ctx context.Context, addr string) (*Instance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE private_ip = $1 AND NOT deleted`, addr)
	return s.scanInstance(ctx, row, addr)
}

// ListByProject returns the live instances of one project. An empty
// projectID lists everything.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE NOT deleted ORDER BY id`
	args := []any{}
	if projectID != "" {
		query = `SELECT ` + instanceColumns + ` FROM instances WHERE project_id = $1 AND NOT deleted ORDER BY id`
		args = append(args, projectID)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()
	return s.collect(ctx, rows)
}

// ListByReservation returns the live instances launched together.
func (s *Store) ListByReservation(ctx context.Context, reservationID string) ([]Instance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE reservation_id = $1 AND NOT deleted ORDER BY launch_index`,
		reservationID)
	if err != nil {
		return nil, fmt.Errorf("listing reservation: %w", err)
	}
	defer rows.Close()
	return s.collect(ctx, rows)
}

// ListBySecurityGroup returns the live instances bound to a security group.
func (s *Store) ListBySecurityGroup(ctx context.Context, groupID int64) ([]Instance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE NOT deleted AND id IN (
			SELECT instance_id FROM instance_security_groups WHERE group_id = $1
		) ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing group instances: %w", err)
	}
	defer rows.Close()
	return s.collect(ctx, rows)
}

// SetState records a state transition.
func (s *Store) SetState(ctx context.Context, id int64, state, description string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE instances SET state = $2, state_description = $3, updated_at = now()
		WHERE id = $1`, id, state, description)
	if err != nil {
		return fmt.Errorf("updating instance state: %w", err)
	}
	return nil
}

// SetHost records the compute host the scheduler placed the instance on.
func (s *Store) SetHost(ctx context.Context, id int64, host string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE instances SET host = $2, updated_at = now() WHERE id = $1`, id, host)
	if err != nil {
		return fmt.Errorf("updating instance host: %w", err)
	}
	return nil
}

// SetPublicIP records (or clears) the floating address bound to the
// instance.
func (s *Store) SetPublicIP(ctx context.Context, id int64, addr string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE instances SET public_ip = $2, updated_at = now() WHERE id = $1`, id, addr)
	if err != nil {
		return fmt.Errorf("updating instance public ip: %w", err)
	}
	return nil
}

// SetPrivateIP records the fixed address allocated to the instance.
func (s *Store) SetPrivateIP(ctx context.Context, id int64, addr string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE instances SET private_ip = $2, updated_at = now() WHERE id = $1`, id, addr)
	if err != nil {
		return fmt.Errorf("updating instance private ip: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes the record.
func (s *Store) MarkDeleted(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE instances SET state = $2, deleted = TRUE, updated_at = now()
		WHERE id = $1`, id, StateDeleted)
	if err != nil {
		return fmt.Errorf("marking instance deleted: %w", err)
	}
	return nil
}

// BindSecurityGroups replaces the instance's security-group bindings.
func (s *Store) BindSecurityGroups(ctx context.Context, instanceID int64, groupIDs []int64) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM instance_security_groups WHERE instance_id = $1`, instanceID); err != nil {
		return fmt.Errorf("clearing group bindings: %w", err)
	}
	for _, gid := range groupIDs {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO instance_security_groups (instance_id, group_id)
			VALUES ($1, $2)`, instanceID, gid); err != nil {
			return fmt.Errorf("binding group %d: %w", gid, err)
		}
	}
	return nil
}

// SecurityGroupIDs returns the ids of groups bound to the instance.
func (s *Store) SecurityGroupIDs(ctx context.Context, instanceID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT group_id FROM instance_security_groups WHERE instance_id = $1 ORDER BY group_id`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing group bindings: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group binding: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- block device mappings ----

// CreateBDM persists one block-device mapping.
func (s *Store) CreateBDM(ctx context.Context, bdm *BlockDeviceMapping) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO block_device_mappings (
			instance_id, device_name, source, size_gb, delete_on_termination,
			virtual_name, snapshot_id, volume_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		bdm.InstanceID, bdm.DeviceName, bdm.Source, bdm.SizeGB,
		bdm.DeleteOnTermination, bdm.VirtualName, bdm.SnapshotID, bdm.VolumeID)
	if err := row.Scan(&bdm.ID); err != nil {
		return fmt.Errorf("inserting block device mapping: %w", err)
	}
	return nil
}

// ListBDMs returns the mappings of one instance.
func (s *Store) ListBDMs(ctx context.Context, instanceID int64) ([]BlockDeviceMapping, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, instance_id, device_name, source, size_gb,
			delete_on_termination, virtual_name, snapshot_id, volume_id
		FROM block_device_mappings WHERE instance_id = $1 ORDER BY device_name`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing block device mappings: %w", err)
	}
	defer rows.Close()
	var bdms []BlockDeviceMapping
	for rows.Next() {
		var b BlockDeviceMapping
		if err := rows.Scan(&b.ID, &b.InstanceID, &b.DeviceName, &b.Source,
			&b.SizeGB, &b.DeleteOnTermination, &b.VirtualName, &b.SnapshotID,
			&b.VolumeID); err != nil {
			return nil, fmt.Errorf("scanning block device mapping: %w", err)
		}
		bdms = append(bdms, b)
	}
	return bdms, rows.Err()
}

// DeleteBDMs removes all mappings of one instance.
func (s *Store) DeleteBDMs(ctx context.Context, instanceID int64) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM block_device_mappings WHERE instance_id = $1`, instanceID); err != nil {
		return fmt.Errorf("deleting block device mappings: %w", err)
	}
	return nil
}

// ---- scanning ----

func (s *Store) collect(ctx context.Context, rows pgx.Rows) ([]Instance, error) {
	var instances []Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range instances {
		ids, err := s.SecurityGroupIDs(ctx, instances[i].ID)
		if err != nil {
			return nil, err
		}
		instances[i].SecurityGroupIDs = ids
	}
	return instances, nil
}

func (s *Store) scanInstance(ctx context.Context, row pgx.Row, ref string) (*Instance, error) {
	inst, err := scanInstanceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidInstanceID.NotFound", "instance %s not found", ref)
		}
		return nil, err
	}
	ids, err := s.SecurityGroupIDs(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	inst.SecurityGroupIDs = ids
	return inst, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanInstanceRow(row scannable) (*Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.UUID, &inst.ProjectID, &inst.UserID,
		&inst.ImageRef, &inst.KernelRef, &inst.RamdiskRef, &inst.InstanceType,
		&inst.ReservationID, &inst.LaunchTime, &inst.LaunchIndex, &inst.State,
		&inst.StateDescription, &inst.Host, &inst.MAC, &inst.PrivateIP,
		&inst.PublicIP, &inst.KeyName, &inst.KeyData, &inst.UserData,
		&inst.RootDeviceName, &inst.DisplayName, &inst.AvailabilityZone,
		&inst.Deleted, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	return &inst, nil
}
