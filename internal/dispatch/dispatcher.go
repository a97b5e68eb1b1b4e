// Package dispatch executes ad-hoc commands on instances, single or
// fanned out over many, and persists one CommandExecution per attempt.
// The dispatcher is stateless between calls.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"fleetforge/internal/config"
	"fleetforge/internal/control"
	"fleetforge/internal/logging"
	"fleetforge/internal/ssh"
	"fleetforge/internal/store"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Input describes one command to run on one instance
type Input struct {
	InstanceID    string
	UserID        string
	Command       string
	Args          []string
	Env           map[string]string
	WorkingDir    string
	TimeoutMs     int64
	CorrelationID string
	Script        bool
}

// BulkResult is one entry of a bulk dispatch response. The result list
// always has one entry per requested instance id.
type BulkResult struct {
	InstanceID string                  `json:"instance_id"`
	Name       string                  `json:"name,omitempty"`
	Success    bool                    `json:"success"`
	Execution  *store.CommandExecution `json:"execution,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Dispatcher runs commands against instance endpoints
type Dispatcher struct {
	store          store.Store
	keys           ssh.KeyProvider
	controllers    control.Factory
	sshCfg         config.SSHConfig
	defaultTimeout time.Duration
	pool           pond.Pool
}

// New creates a dispatcher. maxConcurrent caps bulk fan-out so a large
// batch cannot overwhelm the fleet.
func New(st store.Store, keys ssh.KeyProvider, controllers control.Factory, sshCfg config.SSHConfig, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		store:          st,
		keys:           keys,
		controllers:    controllers,
		sshCfg:         sshCfg,
		defaultTimeout: time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond,
		pool:           pond.NewPool(cfg.MaxConcurrent),
	}
}

// Dispatch executes one command, blocking until completion or timeout.
// A nonzero exit is FAILED, a deadline hit is TIMEOUT; neither is a Go
// error. Errors are reserved for unreachable instances and transport
// failures before execution starts.
func (d *Dispatcher) Dispatch(ctx context.Context, input Input) (*store.CommandExecution, error) {
	instance, err := d.store.GetInstance(ctx, input.InstanceID)
	if err != nil {
		return nil, err
	}

	timeoutMs := input.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = d.defaultTimeout.Milliseconds()
	}

	exec := &store.CommandExecution{
		ID:            uuid.NewString(),
		InstanceID:    instance.ID,
		UserID:        input.UserID,
		Command:       input.Command,
		WorkingDir:    input.WorkingDir,
		TimeoutMs:     timeoutMs,
		Status:        store.ExecutionRunning,
		CorrelationID: input.CorrelationID,
		Script:        input.Script,
		CreatedAt:     time.Now(),
	}
	exec.SetArgs(input.Args)
	exec.SetEnv(input.Env)

	controller, err := d.openController(ctx, instance)
	if err != nil {
		return nil, err
	}
	defer controller.Close()

	result, runErr := controller.Exec(ctx, control.ExecRequest{
		Command:    input.Command,
		Args:       input.Args,
		Env:        input.Env,
		WorkingDir: input.WorkingDir,
		Timeout:    time.Duration(timeoutMs) * time.Millisecond,
	})

	completed := time.Now()
	exec.CompletedAt = &completed

	switch {
	case runErr != nil:
		exec.Status = store.ExecutionFailed
		exec.ExitCode = -1
		exec.Stderr = runErr.Error()
	case result.TimedOut:
		exec.Status = store.ExecutionTimeout
		exec.ExitCode = result.ExitCode
		exec.Stdout = result.Stdout
		exec.Stderr = result.Stderr
		exec.DurationMs = result.Duration.Milliseconds()
		if exec.DurationMs < timeoutMs {
			exec.DurationMs = timeoutMs
		}
	case result.ExitCode == 0:
		exec.Status = store.ExecutionSucceeded
		exec.Stdout = result.Stdout
		exec.Stderr = result.Stderr
		exec.DurationMs = result.Duration.Milliseconds()
	default:
		exec.Status = store.ExecutionFailed
		exec.ExitCode = result.ExitCode
		exec.Stdout = result.Stdout
		exec.Stderr = result.Stderr
		exec.DurationMs = result.Duration.Milliseconds()
	}

	d.saveExecution(ctx, exec)
	return exec, nil
}

// DispatchBulk runs the command concurrently across all targets with
// independent failure: one target's error becomes its result entry and
// never affects the others
func (d *Dispatcher) DispatchBulk(ctx context.Context, instanceIDs []string, input Input) []BulkResult {
	correlationID := input.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	results := make([]BulkResult, len(instanceIDs))
	group := d.pool.NewGroup()
	for i, id := range instanceIDs {
		group.Submit(func() {
			per := input
			per.InstanceID = id
			per.CorrelationID = correlationID
			results[i] = d.runOne(ctx, per)
		})
	}
	group.Wait()
	return results
}

// DispatchScript uploads a script body to each target and executes it
// with the named interpreter, with the same fan-out contract as bulk
// dispatch
func (d *Dispatcher) DispatchScript(ctx context.Context, instanceIDs []string, script, interpreter string, timeoutMs int64) []BulkResult {
	if interpreter == "" {
		interpreter = "bash"
	}
	correlationID := uuid.NewString()

	results := make([]BulkResult, len(instanceIDs))
	group := d.pool.NewGroup()
	for i, id := range instanceIDs {
		group.Submit(func() {
			results[i] = d.runScript(ctx, id, script, interpreter, timeoutMs, correlationID)
		})
	}
	group.Wait()
	return results
}

// ListHistory returns the persisted executions for an instance
func (d *Dispatcher) ListHistory(ctx context.Context, instanceID string, limit int) ([]store.CommandExecution, error) {
	return d.store.ListExecutions(ctx, instanceID, limit)
}

func (d *Dispatcher) runOne(ctx context.Context, input Input) BulkResult {
	exec, err := d.Dispatch(ctx, input)
	if err != nil {
		return BulkResult{InstanceID: input.InstanceID, Error: err.Error()}
	}
	result := BulkResult{
		InstanceID: input.InstanceID,
		Success:    exec.Status == store.ExecutionSucceeded,
		Execution:  exec,
	}
	if instance, err := d.store.GetInstance(ctx, input.InstanceID); err == nil {
		result.Name = instance.Name
	}
	if !result.Success {
		result.Error = exec.Stderr
	}
	return result
}

func (d *Dispatcher) runScript(ctx context.Context, instanceID, script, interpreter string, timeoutMs int64, correlationID string) BulkResult {
	instance, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return BulkResult{InstanceID: instanceID, Error: err.Error()}
	}

	controller, err := d.openController(ctx, instance)
	if err != nil {
		return BulkResult{InstanceID: instanceID, Name: instance.Name, Error: err.Error()}
	}
	remotePath := fmt.Sprintf("/tmp/fleetforge-%s.script", uuid.NewString())
	if err := controller.Upload(remotePath, script, 0700); err != nil {
		controller.Close()
		return BulkResult{InstanceID: instanceID, Name: instance.Name, Error: err.Error()}
	}
	controller.Close()

	exec, err := d.Dispatch(ctx, Input{
		InstanceID:    instanceID,
		Command:       interpreter,
		Args:          []string{remotePath},
		TimeoutMs:     timeoutMs,
		CorrelationID: correlationID,
		Script:        true,
	})
	if err != nil {
		return BulkResult{InstanceID: instanceID, Name: instance.Name, Error: err.Error()}
	}

	result := BulkResult{
		InstanceID: instanceID,
		Name:       instance.Name,
		Success:    exec.Status == store.ExecutionSucceeded,
		Execution:  exec,
	}
	if !result.Success {
		result.Error = exec.Stderr
	}
	return result
}

func (d *Dispatcher) openController(ctx context.Context, instance *store.Instance) (control.Controller, error) {
	endpoint := instance.EndpointDescriptor()
	if endpoint.Host == "" {
		return nil, fmt.Errorf("instance %s has no endpoint", instance.ID)
	}
	user := endpoint.User
	if user == "" {
		user = d.sshCfg.User
	}

	keyPair, err := d.keys.GetOrCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain SSH keys: %w", err)
	}

	return d.controllers(control.Config{
		Host:         endpoint.Host,
		Port:         endpoint.Port,
		User:         user,
		PrivateKey:   keyPair.PrivateKey,
		WaitTimeout:  time.Duration(d.sshCfg.WaitTimeoutSec) * time.Second,
		DialTimeout:  time.Duration(d.sshCfg.ConnectTimeoutSec) * time.Second,
		InstanceName: instance.Name,
	})
}

// saveExecution persists history best-effort; a write failure is logged
// and never fails the dispatch
func (d *Dispatcher) saveExecution(ctx context.Context, exec *store.CommandExecution) {
	if err := d.store.SaveExecution(ctx, exec); err != nil {
		logging.Logger().Warn("failed to persist command execution",
			zap.String("execution_id", exec.ID),
			zap.String("instance_id", exec.InstanceID),
			zap.Error(err))
	}
}
