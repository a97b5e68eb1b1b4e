// Package registry owns the canonical lifecycle status of every
// instance and the legal transition set. Every transition writes an
// audit event and publishes a lifecycle message; both are best-effort
// side channels that never block or roll back the status mutation.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/logging"
	"fleetforge/internal/state"
	"fleetforge/internal/store"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action is a lifecycle operation applied to a batch of instances
type Action string

const (
	ActionSuspend Action = "suspend"
	ActionResume  Action = "resume"
	ActionDestroy Action = "destroy"
)

// InvalidTransitionError reports a lifecycle action that is illegal for
// the instance's current status. Nothing is mutated when it is returned.
type InvalidTransitionError struct {
	InstanceID string
	From       store.InstanceStatus
	Action     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s instance %s in status %s", e.Action, e.InstanceID, e.From)
}

// RegisterInput describes an instance to register
type RegisterInput struct {
	Name       string
	Provider   string
	Region     string
	Extensions []string
	ConfigHash string
	Endpoint   store.Endpoint
}

// DestroyOptions controls the optional backup sub-step of destroy
type DestroyOptions struct {
	BackupVolume bool
	BackupLabel  string
}

// ActionResult is one entry of a bulk action response
type ActionResult struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Success   bool                 `json:"success"`
	NewStatus store.InstanceStatus `json:"new_status,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// lifecycleEnvelope is the JSON message published on instance event
// topics
type lifecycleEnvelope struct {
	EventType string         `json:"eventType"`
	Metadata  map[string]any `json:"metadata"`
	TS        int64          `json:"ts"`
}

// Registry is the instance lifecycle state machine
type Registry struct {
	store     store.Store
	state     state.Manager
	bus       *bus.Bus
	pool      pond.Pool
	backupTTL time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a registry. maxConcurrent caps bulk action fan-out;
// backupTTL bounds how long backup records stay visible.
func New(st store.Store, sm state.Manager, b *bus.Bus, maxConcurrent int, backupTTL time.Duration) *Registry {
	return &Registry{
		store:     st,
		state:     sm,
		bus:       b,
		pool:      pond.NewPool(maxConcurrent),
		backupTTL: backupTTL,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockInstance serializes lifecycle actions per instance id so
// concurrent suspend/resume/destroy calls cannot interleave
func (r *Registry) lockInstance(id string) func() {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Register upserts an instance by name and always leaves it RUNNING.
// Registering the same name twice updates the existing row.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*store.Instance, error) {
	instance := &store.Instance{
		ID:         uuid.NewString(),
		Name:       input.Name,
		Provider:   input.Provider,
		Region:     input.Region,
		ConfigHash: input.ConfigHash,
		Status:     store.InstanceRunning,
	}
	instance.SetExtensions(input.Extensions)
	instance.SetEndpoint(input.Endpoint)

	if err := r.store.UpsertInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to register instance: %w", err)
	}

	r.appendEvent(ctx, instance.ID, store.EventDeploy, map[string]any{
		"provider": input.Provider,
		"region":   input.Region,
	})
	r.publish(instance.ID, string(store.EventDeploy), map[string]any{
		"name":       instance.Name,
		"new_status": store.InstanceRunning,
	})
	r.markActive(ctx, instance.ID)

	logging.Logger().Info("instance registered",
		zap.String("instance_id", instance.ID),
		zap.String("name", instance.Name),
		zap.String("provider", instance.Provider))
	return instance, nil
}

// Suspend transitions RUNNING -> SUSPENDED
func (r *Registry) Suspend(ctx context.Context, id string) (*store.Instance, error) {
	defer r.lockInstance(id)()

	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status != store.InstanceRunning {
		return nil, &InvalidTransitionError{InstanceID: id, From: instance.Status, Action: "suspend"}
	}

	previous := instance.Status
	instance.Status = store.InstanceSuspended
	if err := r.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to suspend instance: %w", err)
	}

	r.appendEvent(ctx, id, store.EventSuspend, map[string]any{"previous_status": previous})
	r.publish(id, string(store.EventSuspend), map[string]any{
		"previous_status": previous,
		"new_status":      instance.Status,
	})
	r.clearActive(ctx, id)
	return instance, nil
}

// Resume transitions SUSPENDED -> RUNNING
func (r *Registry) Resume(ctx context.Context, id string) (*store.Instance, error) {
	defer r.lockInstance(id)()

	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status != store.InstanceSuspended {
		return nil, &InvalidTransitionError{InstanceID: id, From: instance.Status, Action: "resume"}
	}

	previous := instance.Status
	instance.Status = store.InstanceRunning
	if err := r.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to resume instance: %w", err)
	}

	r.appendEvent(ctx, id, store.EventResume, map[string]any{"previous_status": previous})
	r.publish(id, string(store.EventResume), map[string]any{
		"previous_status": previous,
		"new_status":      instance.Status,
	})
	r.markActive(ctx, id)
	return instance, nil
}

// Destroy soft-deletes an instance: the row is retained with status
// STOPPED. Observers see a DESTROYING message before the terminal one.
func (r *Registry) Destroy(ctx context.Context, id string, opts DestroyOptions) (*store.Instance, error) {
	defer r.lockInstance(id)()

	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status == store.InstanceDestroying || instance.Status == store.InstanceStopped {
		return nil, &InvalidTransitionError{InstanceID: id, From: instance.Status, Action: "destroy"}
	}

	instance.Status = store.InstanceDestroying
	if err := r.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to mark instance destroying: %w", err)
	}
	r.publish(id, "DESTROYING", map[string]any{"new_status": store.InstanceDestroying})

	// Best-effort backup: its id is recorded even when the sub-step fails
	var backupID string
	if opts.BackupVolume {
		backup := r.captureBackup(ctx, instance, opts.BackupLabel)
		backupID = backup.ID
	}

	instance.Status = store.InstanceStopped
	if err := r.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to stop instance: %w", err)
	}

	r.appendEvent(ctx, id, store.EventDestroy, map[string]any{
		"backup_requested": opts.BackupVolume,
		"backup_id":        backupID,
	})
	r.publish(id, string(store.EventDestroy), map[string]any{
		"new_status": store.InstanceStopped,
		"backup_id":  backupID,
	})
	r.clearActive(ctx, id)

	logging.Logger().Info("instance destroyed",
		zap.String("instance_id", id),
		zap.Bool("backup_requested", opts.BackupVolume),
		zap.String("backup_id", backupID))
	return instance, nil
}

// Deregister sets STOPPED without a backup step; used for
// administrative removal
func (r *Registry) Deregister(ctx context.Context, id string) (*store.Instance, error) {
	defer r.lockInstance(id)()

	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status == store.InstanceStopped {
		return nil, &InvalidTransitionError{InstanceID: id, From: instance.Status, Action: "deregister"}
	}

	instance.Status = store.InstanceStopped
	if err := r.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to deregister instance: %w", err)
	}

	r.appendEvent(ctx, id, store.EventDestroy, map[string]any{"deregistered": true})
	r.publish(id, string(store.EventDestroy), map[string]any{"new_status": store.InstanceStopped})
	r.clearActive(ctx, id)
	return instance, nil
}

// BackupVolume records a backup request for an instance. The record is
// short-lived and expires after the retention window.
func (r *Registry) BackupVolume(ctx context.Context, id, label string) (*state.VolumeBackup, error) {
	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	backup := r.captureBackup(ctx, instance, label)
	return &backup, nil
}

// captureBackup creates the backup record and its audit event. Failures
// are logged and swallowed; the generated id is still returned so the
// destroy path can reference it.
func (r *Registry) captureBackup(ctx context.Context, instance *store.Instance, label string) state.VolumeBackup {
	backup := state.VolumeBackup{
		ID:          uuid.NewString(),
		InstanceID:  instance.ID,
		Label:       label,
		Status:      state.BackupPending,
		Compression: "gzip",
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.state.SaveBackup(ctx, &backup, r.backupTTL); err != nil {
		logging.Logger().Warn("failed to save backup record",
			zap.String("instance_id", instance.ID),
			zap.String("backup_id", backup.ID),
			zap.Error(err))
	}

	r.appendEvent(ctx, instance.ID, store.EventBackup, map[string]any{
		"backup_id": backup.ID,
		"label":     label,
	})
	r.publish(instance.ID, string(store.EventBackup), map[string]any{"backup_id": backup.ID})
	return backup
}

// MarkUnknown flags a RUNNING instance whose agent stopped reporting
func (r *Registry) MarkUnknown(ctx context.Context, id string) (*store.Instance, error) {
	defer r.lockInstance(id)()

	instance, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status != store.InstanceRunning {
		return nil, &InvalidTransitionError{InstanceID: id, From: instance.Status, Action: "mark unknown"}
	}

	instance.Status = store.InstanceUnknown
	if err := r.store.UpdateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to mark instance unknown: %w", err)
	}
	r.publish(id, "UNKNOWN", map[string]any{"new_status": store.InstanceUnknown})
	return instance, nil
}

// BulkAction runs the single-instance operation over the id list with
// per-instance isolation: one failure never prevents the others from
// running, and the result list has one entry per requested id.
func (r *Registry) BulkAction(ctx context.Context, action Action, ids []string, opts DestroyOptions) []ActionResult {
	results := make([]ActionResult, len(ids))

	group := r.pool.NewGroup()
	for i, id := range ids {
		group.Submit(func() {
			results[i] = r.runAction(ctx, action, id, opts)
		})
	}
	group.Wait()

	return results
}

func (r *Registry) runAction(ctx context.Context, action Action, id string, opts DestroyOptions) ActionResult {
	var instance *store.Instance
	var err error

	switch action {
	case ActionSuspend:
		instance, err = r.Suspend(ctx, id)
	case ActionResume:
		instance, err = r.Resume(ctx, id)
	case ActionDestroy:
		instance, err = r.Destroy(ctx, id, opts)
	default:
		err = fmt.Errorf("unsupported bulk action: %s", action)
	}

	if err != nil {
		return ActionResult{ID: id, Error: err.Error()}
	}
	return ActionResult{
		ID:        id,
		Name:      instance.Name,
		Success:   true,
		NewStatus: instance.Status,
	}
}

// --- best-effort side channels ---

func (r *Registry) appendEvent(ctx context.Context, instanceID string, eventType store.EventType, metadata map[string]any) {
	event := &store.Event{
		InstanceID: instanceID,
		Type:       eventType,
	}
	event.SetMetadata(metadata)
	if err := r.store.AppendEvent(ctx, event); err != nil {
		logging.Logger().Warn("failed to append audit event",
			zap.String("instance_id", instanceID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (r *Registry) publish(instanceID, eventType string, metadata map[string]any) {
	envelope := lifecycleEnvelope{
		EventType: eventType,
		Metadata:  metadata,
		TS:        time.Now().UnixMilli(),
	}
	if err := r.bus.Publish(bus.InstanceEvents(instanceID), envelope); err != nil {
		logging.Logger().Warn("failed to publish lifecycle message",
			zap.String("instance_id", instanceID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (r *Registry) markActive(ctx context.Context, instanceID string) {
	if err := r.state.MarkActive(ctx, instanceID); err != nil {
		logging.Logger().Warn("failed to update presence set",
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
}

func (r *Registry) clearActive(ctx context.Context, instanceID string) {
	if err := r.state.ClearActive(ctx, instanceID); err != nil {
		logging.Logger().Warn("failed to update presence set",
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
}
