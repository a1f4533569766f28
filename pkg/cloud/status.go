package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/cumulus/pkg/compute"
	"github.com/wisbric/cumulus/pkg/rpc"
)

// TopicCloud is the topic workers send status reports to.
const TopicCloud = "cloud"

// VolumeStatusSink receives volume worker acks; implemented by
// volume.Controller.
type VolumeStatusSink interface {
	Created(ctx context.Context, id int64) error
	CreateFailed(ctx context.Context, id int64) error
	Deleted(ctx context.Context, id int64) error
	DeleteBusy(ctx context.Context, id int64) error
	Attached(ctx context.Context, id int64, instanceUUID uuid.UUID, mountpoint string) error
	Detached(ctx context.Context, id int64) error
	SnapshotCreated(ctx context.Context, id int64) error
	SnapshotFailed(ctx context.Context, id int64) error
	SnapshotDeleted(ctx context.Context, id int64) error
	SnapshotDeleteBusy(ctx context.Context, id int64) error
}

// LeaseSink receives DHCP lease events; implemented by network.Allocator.
type LeaseSink interface {
	LeaseFixedIP(ctx context.Context, addr string) error
	ReleaseFixedIPLease(ctx context.Context, addr string) error
}

// ServiceReporter records worker heartbeats; implemented by
// service.Registry.
type ServiceReporter interface {
	Report(ctx context.Context, host, binary, topic, zone string, capabilities json.RawMessage) error
}

// CapabilitySink aggregates service capabilities; implemented by
// zone.Manager.
type CapabilitySink interface {
	UpdateServiceCapabilities(serviceName, host string, capabilities map[string]float64)
}

// TargetProvisioner provisions iSCSI target slots on a volume host;
// implemented by volume.Controller.
type TargetProvisioner interface {
	EnsureTargets(ctx context.Context, host string, count int) error
}

// StatusHandlers consumes worker status reports from the cloud topic.
// Worker reports are the authoritative driver of instance and volume state
// transitions.
type StatusHandlers struct {
	controller *Controller
	volumes    VolumeStatusSink
	leases     LeaseSink
	services   ServiceReporter
	caps       CapabilitySink
	targets    TargetProvisioner
	numTargets int
	logger     *slog.Logger
}

// NewStatusHandlers wires the status-report consumers. numTargets is the
// per-volume-host iSCSI target slot count provisioned on first heartbeat.
func NewStatusHandlers(controller *Controller, volumes VolumeStatusSink, leases LeaseSink, services ServiceReporter, caps CapabilitySink, targets TargetProvisioner, numTargets int, logger *slog.Logger) *StatusHandlers {
	return &StatusHandlers{
		controller: controller,
		volumes:    volumes,
		leases:     leases,
		services:   services,
		caps:       caps,
		targets:    targets,
		numTargets: numTargets,
		logger:     logger,
	}
}

// Register binds every status method onto the worker.
func (h *StatusHandlers) Register(w *rpc.Worker) {
	w.Handle("update_state", h.handleUpdateState)
	w.Handle("instance_scheduled", h.handleInstanceScheduled)
	w.Handle("instance_terminated", h.handleInstanceTerminated)

	w.Handle("volume_created", h.volumeAck(h.volumes.Created))
	w.Handle("volume_create_failed", h.volumeAck(h.volumes.CreateFailed))
	w.Handle("volume_deleted", h.volumeAck(h.volumes.Deleted))
	w.Handle("volume_delete_busy", h.volumeAck(h.volumes.DeleteBusy))
	w.Handle("volume_attached", h.handleVolumeAttached)
	w.Handle("volume_detached", h.volumeAck(h.volumes.Detached))

	w.Handle("snapshot_created", h.snapshotAck(h.volumes.SnapshotCreated))
	w.Handle("snapshot_create_failed", h.snapshotAck(h.volumes.SnapshotFailed))
	w.Handle("snapshot_deleted", h.snapshotAck(h.volumes.SnapshotDeleted))
	w.Handle("snapshot_delete_busy", h.snapshotAck(h.volumes.SnapshotDeleteBusy))

	w.Handle("lease_fixed_ip", h.handleLease)
	w.Handle("release_fixed_ip", h.handleLeaseRelease)
	w.Handle("report_service", h.handleServiceReport)
}

// handleUpdateState applies a worker's state report. Transitions a worker
// may not drive are logged and dropped.
func (h *StatusHandlers) handleUpdateState(ctx context.Context, env rpc.Envelope) (any, error) {
	id, err := argInt64(env, "instance_id")
	if err != nil {
		return nil, err
	}
	state, _ := env.Args["state"].(string)
	description, _ := env.Args["description"].(string)

	inst, err := h.controller.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !compute.CanTransition(inst.State, state) {
		h.logger.Warn("dropping illegal state report",
			"instance_id", inst.EC2ID(), "from", inst.State, "to", state)
		return nil, nil
	}
	if host, ok := env.Args["host"].(string); ok && host != "" && inst.Host == "" {
		if err := h.controller.instances.SetHost(ctx, id, host); err != nil {
			return nil, err
		}
	}
	return nil, h.controller.instances.SetState(ctx, id, state, description)
}

func (h *StatusHandlers) handleInstanceScheduled(ctx context.Context, env rpc.Envelope) (any, error) {
	id, err := argInt64(env, "instance_id")
	if err != nil {
		return nil, err
	}
	host, _ := env.Args["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("instance_scheduled without host")
	}
	return nil, h.controller.instances.SetHost(ctx, id, host)
}

// handleInstanceTerminated finalizes a terminate: only now is the quota
// release committed.
func (h *StatusHandlers) handleInstanceTerminated(ctx context.Context, env rpc.Envelope) (any, error) {
	id, err := argInt64(env, "instance_id")
	if err != nil {
		return nil, err
	}
	inst, err := h.controller.instances.Get(ctx, id)
	if err != nil {
		return nil, nil // already gone; terminate is idempotent
	}
	if err := h.controller.instances.MarkDeleted(ctx, id); err != nil {
		return nil, err
	}
	h.controller.releaseInstanceQuota(ctx, inst)
	return nil, nil
}

func (h *StatusHandlers) handleVolumeAttached(ctx context.Context, env rpc.Envelope) (any, error) {
	id, err := argInt64(env, "volume_id")
	if err != nil {
		return nil, err
	}
	instUUID, err := uuid.Parse(stringArg(env, "instance_uuid"))
	if err != nil {
		return nil, fmt.Errorf("volume_attached: %w", err)
	}
	return nil, h.volumes.Attached(ctx, id, instUUID, stringArg(env, "mountpoint"))
}

func (h *StatusHandlers) handleLease(ctx context.Context, env rpc.Envelope) (any, error) {
	return nil, h.leases.LeaseFixedIP(ctx, stringArg(env, "address"))
}

func (h *StatusHandlers) handleLeaseRelease(ctx context.Context, env rpc.Envelope) (any, error) {
	return nil, h.leases.ReleaseFixedIPLease(ctx, stringArg(env, "address"))
}

// handleServiceReport records a heartbeat and feeds the capability
// aggregation.
func (h *StatusHandlers) handleServiceReport(ctx context.Context, env rpc.Envelope) (any, error) {
	host := stringArg(env, "host")
	topic := stringArg(env, "topic")
	if host == "" || topic == "" {
		return nil, fmt.Errorf("report_service requires host and topic")
	}

	var rawCaps json.RawMessage
	caps := make(map[string]float64)
	if m, ok := env.Args["capabilities"].(map[string]any); ok {
		for k, v := range m {
			if f, ok := v.(float64); ok {
				caps[k] = f
			}
		}
		rawCaps, _ = json.Marshal(m)
	}

	if err := h.services.Report(ctx, host, stringArg(env, "binary"), topic,
		stringArg(env, "availability_zone"), rawCaps); err != nil {
		return nil, err
	}
	if h.caps != nil {
		h.caps.UpdateServiceCapabilities(topic, host, caps)
	}
	if topic == "volume" && h.targets != nil {
		if err := h.targets.EnsureTargets(ctx, host, h.numTargets); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (h *StatusHandlers) volumeAck(fn func(ctx context.Context, id int64) error) rpc.Handler {
	return func(ctx context.Context, env rpc.Envelope) (any, error) {
		id, err := argInt64(env, "volume_id")
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, id)
	}
}

func (h *StatusHandlers) snapshotAck(fn func(ctx context.Context, id int64) error) rpc.Handler {
	return func(ctx context.Context, env rpc.Envelope) (any, error) {
		id, err := argInt64(env, "snapshot_id")
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, id)
	}
}

// argInt64 reads a numeric argument; JSON numbers arrive as float64.
func argInt64(env rpc.Envelope, key string) (int64, error) {
	switch v := env.Args[key].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("%s: missing numeric argument %s", env.Method, key)
}

func stringArg(env rpc.Envelope, key string) string {
	s, _ := env.Args[key].(string)
	return s
}
