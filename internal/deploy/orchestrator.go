// Package deploy drives a Deployment through its provisioning pipeline
// on a background task, publishing progress to the bus. The caller gets
// the PENDING record back immediately.
package deploy

import (
	"context"
	"fmt"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/control"
	"fleetforge/internal/logging"
	"fleetforge/internal/provisioning"
	"fleetforge/internal/registry"
	"fleetforge/internal/ssh"
	"fleetforge/internal/store"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressEnvelope is the JSON message published on deployment progress
// topics
type progressEnvelope struct {
	Type            string                 `json:"type"`
	DeploymentID    string                 `json:"deployment_id"`
	Message         string                 `json:"message"`
	Status          store.DeploymentStatus `json:"status,omitempty"`
	ProgressPercent int                    `json:"progress_percent,omitempty"`
	InstanceID      string                 `json:"instance_id,omitempty"`
}

// CreateInput is an operator's deployment request
type CreateInput struct {
	ConfigYAML string
	TemplateID string
	Initiator  string
}

// Orchestrator creates deployments and runs their provisioning flows
type Orchestrator struct {
	store        store.Store
	registry     *registry.Registry
	bus          *bus.Bus
	provisioners provisioning.Factory
	controllers  control.Factory
	keys         ssh.KeyProvider
	defaults     config.MachineDefaults
	sshCfg       config.SSHConfig
	pool         pond.Pool
}

// New creates an orchestrator. maxConcurrent caps how many provisioning
// flows run at once.
func New(
	st store.Store,
	reg *registry.Registry,
	b *bus.Bus,
	provisioners provisioning.Factory,
	controllers control.Factory,
	keys ssh.KeyProvider,
	defaults config.MachineDefaults,
	sshCfg config.SSHConfig,
	maxConcurrent int,
) *Orchestrator {
	return &Orchestrator{
		store:        st,
		registry:     reg,
		bus:          b,
		provisioners: provisioners,
		controllers:  controllers,
		keys:         keys,
		defaults:     defaults,
		sshCfg:       sshCfg,
		pool:         pond.NewPool(maxConcurrent),
	}
}

// Create validates the document, persists a PENDING deployment and
// schedules the provisioning flow without blocking the caller
func (o *Orchestrator) Create(ctx context.Context, input CreateInput) (*store.Deployment, error) {
	cfg, err := ParseConfig(input.ConfigYAML)
	if err != nil {
		return nil, err
	}

	d := &store.Deployment{
		ID:         uuid.NewString(),
		TemplateID: input.TemplateID,
		ConfigHash: HashConfig(input.ConfigYAML),
		ConfigYAML: input.ConfigYAML,
		Provider:   cfg.Provider,
		Region:     cfg.Region,
		Status:     store.DeploymentPending,
		Initiator:  input.Initiator,
	}
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	deploymentID := d.ID
	o.pool.Submit(func() {
		o.run(context.Background(), deploymentID, cfg)
	})

	logging.Logger().Info("deployment created",
		zap.String("deployment_id", d.ID),
		zap.String("name", cfg.Name),
		zap.String("provider", cfg.Provider),
		zap.String("config_hash", d.ConfigHash))
	return d, nil
}

// Get returns a deployment by id
func (o *Orchestrator) Get(ctx context.Context, id string) (*store.Deployment, error) {
	return o.store.GetDeployment(ctx, id)
}

// run executes the provisioning flow once. Errors never escape: they
// end in the deployment's terminal FAILED state and an error event.
func (o *Orchestrator) run(ctx context.Context, deploymentID string, cfg *Config) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		logging.Logger().Error("deployment vanished before provisioning",
			zap.String("deployment_id", deploymentID), zap.Error(err))
		return
	}

	now := time.Now()
	d.Status = store.DeploymentInProgress
	d.StartedAt = &now
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		logging.Logger().Error("failed to start deployment",
			zap.String("deployment_id", deploymentID), zap.Error(err))
		return
	}
	o.publish(progressEnvelope{
		Type:         "status",
		DeploymentID: d.ID,
		Message:      "provisioning started",
		Status:       store.DeploymentInProgress,
	})

	run := &pipelineRun{orchestrator: o, deployment: d, cfg: cfg}
	defer run.close()
	steps := run.steps()

	for i, s := range steps {
		if err := s.fn(ctx); err != nil {
			o.fail(ctx, d, s.name, err)
			return
		}
		message := fmt.Sprintf("%s completed", s.name)
		o.appendLog(d, message)
		o.publish(progressEnvelope{
			Type:            "progress",
			DeploymentID:    d.ID,
			Message:         message,
			ProgressPercent: (i + 1) * 100 / (len(steps) + 1),
		})
	}

	instance, err := o.registry.Register(ctx, registry.RegisterInput{
		Name:       cfg.Name,
		Provider:   cfg.Provider,
		Region:     run.machine.Zone,
		Extensions: cfg.Extensions,
		ConfigHash: d.ConfigHash,
		Endpoint: store.Endpoint{
			Host: run.machine.IP,
			Port: 22,
			User: run.username(),
		},
	})
	if err != nil {
		o.fail(ctx, d, "instance registration", err)
		return
	}

	completed := time.Now()
	d.InstanceID = instance.ID
	d.Status = store.DeploymentSucceeded
	d.CompletedAt = &completed
	o.appendLog(d, fmt.Sprintf("instance %s is running", instance.Name))
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		logging.Logger().Error("failed to finalize deployment",
			zap.String("deployment_id", d.ID), zap.Error(err))
		return
	}

	o.publish(progressEnvelope{
		Type:            "complete",
		DeploymentID:    d.ID,
		Message:         "deployment complete",
		Status:          store.DeploymentSucceeded,
		ProgressPercent: 100,
		InstanceID:      instance.ID,
	})
	logging.Logger().Info("deployment succeeded",
		zap.String("deployment_id", d.ID),
		zap.String("instance_id", instance.ID))
}

// fail captures the step error into the deployment's terminal state
func (o *Orchestrator) fail(ctx context.Context, d *store.Deployment, step string, stepErr error) {
	message := fmt.Sprintf("%s failed: %v", step, stepErr)
	completed := time.Now()
	d.Status = store.DeploymentFailed
	d.Error = message
	d.CompletedAt = &completed
	o.appendLog(d, message)
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		logging.Logger().Error("failed to record deployment failure",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}

	o.publish(progressEnvelope{
		Type:         "error",
		DeploymentID: d.ID,
		Message:      message,
		Status:       store.DeploymentFailed,
	})
	logging.Logger().Warn("deployment failed",
		zap.String("deployment_id", d.ID),
		zap.String("step", step),
		zap.Error(stepErr))
}

// appendLog adds a timestamped line to the deployment log and persists
// it best-effort
func (o *Orchestrator) appendLog(d *store.Deployment, message string) {
	d.Log += fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if err := o.store.UpdateDeployment(context.Background(), d); err != nil {
		logging.Logger().Warn("failed to persist deployment log",
			zap.String("deployment_id", d.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(envelope progressEnvelope) {
	if err := o.bus.Publish(bus.DeploymentProgress(envelope.DeploymentID), envelope); err != nil {
		logging.Logger().Warn("failed to publish deployment progress",
			zap.String("deployment_id", envelope.DeploymentID),
			zap.Error(err))
	}
}
