package deploy

import (
	"context"
	"fmt"
	"time"

	"fleetforge/internal/control"
	"fleetforge/internal/provisioning"
	"fleetforge/internal/ssh"
	"fleetforge/internal/store"
)

const (
	remoteConfigPath = "/opt/fleetforge/config.yaml"
	agentService     = "fleetforge-agent"
)

// step is one named unit of the provisioning flow. Steps are the seams
// for substituting provider SDK calls; each must be independently
// retryable without changing the progress-event contract.
type step struct {
	name string
	fn   func(ctx context.Context) error
}

// pipelineRun carries the state threaded through one provisioning flow
type pipelineRun struct {
	orchestrator *Orchestrator
	deployment   *store.Deployment
	cfg          *Config

	provisioner provisioning.Provisioner
	keyPair     *ssh.KeyPair
	machine     *provisioning.MachineInfo
	controller  control.Controller
}

func (r *pipelineRun) steps() []step {
	return []step{
		{"infrastructure allocation", r.allocateInfrastructure},
		{"machine allocation", r.allocateMachine},
		{"instance configuration", r.configureInstance},
		{"configuration apply", r.applyConfiguration},
		{"extension installation", r.installExtensions},
		{"agent startup", r.startAgent},
	}
}

func (r *pipelineRun) username() string {
	username := r.orchestrator.defaults.Username
	if username == "" {
		username = "fleet"
	}
	return username
}

func (r *pipelineRun) close() {
	if r.controller != nil {
		_ = r.controller.Close()
		r.controller = nil
	}
}

// allocateInfrastructure resolves the provider and the fleet SSH key
func (r *pipelineRun) allocateInfrastructure(ctx context.Context) error {
	provisioner, err := r.orchestrator.provisioners(ctx, r.cfg.Provider)
	if err != nil {
		return err
	}
	r.provisioner = provisioner

	keyPair, err := r.orchestrator.keys.GetOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain SSH keys: %w", err)
	}
	r.keyPair = keyPair
	return nil
}

// allocateMachine creates the machine at the provider and waits for it
func (r *pipelineRun) allocateMachine(ctx context.Context) error {
	defaults := r.orchestrator.defaults

	spec := provisioning.MachineSpec{
		Name:         r.cfg.Name,
		Cores:        r.cfg.Cores,
		Memory:       r.cfg.Memory,
		DiskSize:     r.cfg.DiskSize,
		ImageID:      r.cfg.Image,
		Zone:         r.cfg.Region,
		Username:     r.username(),
		SSHPublicKey: r.keyPair.PublicKey,
	}
	if spec.Cores == 0 {
		spec.Cores = defaults.Cores
	}
	if spec.Memory == 0 {
		spec.Memory = defaults.Memory
	}
	if spec.DiskSize == 0 {
		spec.DiskSize = defaults.DiskSize
	}
	if spec.ImageID == "" {
		spec.ImageID = defaults.Image
	}
	if spec.Zone == "" {
		spec.Zone = defaults.Zone
	}

	machine, err := r.provisioner.Create(ctx, spec)
	if err != nil {
		return err
	}
	r.machine = machine
	return nil
}

// configureInstance opens the control connection and prepares the
// remote layout
func (r *pipelineRun) configureInstance(ctx context.Context) error {
	sshCfg := r.orchestrator.sshCfg
	controller, err := r.orchestrator.controllers(control.Config{
		Host:         r.machine.IP,
		User:         r.username(),
		PrivateKey:   r.keyPair.PrivateKey,
		WaitTimeout:  time.Duration(sshCfg.WaitTimeoutSec) * time.Second,
		DialTimeout:  time.Duration(sshCfg.ConnectTimeoutSec) * time.Second,
		InstanceName: r.cfg.Name,
	})
	if err != nil {
		return err
	}
	r.controller = controller

	result, err := controller.Exec(ctx, control.ExecRequest{
		Command: "sudo",
		Args:    []string{"mkdir", "-p", "/opt/fleetforge", "/home/" + r.username() + "/workspace"},
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("remote layout setup exited with code %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// applyConfiguration uploads the deployment document to the instance
func (r *pipelineRun) applyConfiguration(ctx context.Context) error {
	if err := r.controller.Upload(remoteConfigPath, r.deployment.ConfigYAML, 0644); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	return nil
}

// installExtensions installs each requested editor extension
func (r *pipelineRun) installExtensions(ctx context.Context) error {
	for _, ext := range r.cfg.Extensions {
		result, err := r.controller.Exec(ctx, control.ExecRequest{
			Command: "code-server",
			Args:    []string{"--install-extension", ext},
		})
		if err != nil {
			return fmt.Errorf("failed to install extension %s: %w", ext, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("extension %s install exited with code %d: %s", ext, result.ExitCode, result.Stderr)
		}
	}
	return nil
}

// startAgent brings the telemetry agent up
func (r *pipelineRun) startAgent(ctx context.Context) error {
	result, err := r.controller.Exec(ctx, control.ExecRequest{
		Command: "sudo",
		Args:    []string{"systemctl", "enable", "--now", agentService},
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("agent startup exited with code %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}
