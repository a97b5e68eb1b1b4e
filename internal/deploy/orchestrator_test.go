package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/control"
	"fleetforge/internal/provisioning"
	"fleetforge/internal/registry"
	"fleetforge/internal/ssh"
	"fleetforge/internal/state"
	"fleetforge/internal/store"
)

type fakeProvisioner struct {
	createErr error
	created   []provisioning.MachineSpec
	deleted   []string
	mu        sync.Mutex
}

func (f *fakeProvisioner) Create(ctx context.Context, spec provisioning.MachineSpec) (*provisioning.MachineInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	return &provisioning.MachineInfo{
		ID:     "m-" + spec.Name,
		IP:     "203.0.113.10",
		Name:   spec.Name,
		Zone:   spec.Zone,
		Status: "running",
	}, nil
}

func (f *fakeProvisioner) Delete(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, machineID)
	return nil
}

type fakeController struct {
	mu       sync.Mutex
	name     string
	execs    []control.ExecRequest
	uploads  map[string]string
	exitCode int
}

func (f *fakeController) Close() error { return nil }

func (f *fakeController) InstanceName() string { return f.name }

func (f *fakeController) Exec(ctx context.Context, req control.ExecRequest) (*control.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, req)
	return &control.ExecResult{ExitCode: f.exitCode}, nil
}

func (f *fakeController) Upload(remotePath, content string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = map[string]string{}
	}
	f.uploads[remotePath] = content
	return nil
}

type testEnv struct {
	orchestrator *Orchestrator
	store        store.Store
	bus          *bus.Bus
	provisioner  *fakeProvisioner
	controller   *fakeController

	// gate, when set before Create, holds the provisioning flow at its
	// first step until released so tests can subscribe first
	gate chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	b := bus.New(64)
	reg := registry.New(st, state.NewMemoryManager(), b, 4, time.Hour)

	env := &testEnv{store: st, bus: b, provisioner: &fakeProvisioner{}, controller: &fakeController{}}
	prov := env.provisioner
	ctrl := env.controller

	orch := New(
		st, reg, b,
		func(ctx context.Context, provider string) (provisioning.Provisioner, error) {
			if env.gate != nil {
				<-env.gate
			}
			if provider != "fly" {
				return nil, fmt.Errorf("provider %s is not configured", provider)
			}
			return prov, nil
		},
		func(cfg control.Config) (control.Controller, error) {
			ctrl.name = cfg.InstanceName
			return ctrl, nil
		},
		ssh.NewInMemoryKeyProvider(),
		config.MachineDefaults{Zone: "fra", Image: "img-default", Username: "fleet", Cores: 2, Memory: 4, DiskSize: 40},
		config.SSHConfig{User: "fleet", ConnectTimeoutSec: 1, WaitTimeoutSec: 1},
		2,
	)
	env.orchestrator = orch
	return env
}

func waitForDeployment(t *testing.T, st store.Store, id string, want store.DeploymentStatus) *store.Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, err := st.GetDeployment(context.Background(), id)
		if err == nil && d.Status == want {
			return d
		}
		if err == nil && d.Status.Terminal() && d.Status != want {
			t.Fatalf("deployment ended %s (error %q), want %s", d.Status, d.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("deployment %s never reached %s", id, want)
	return nil
}

func TestHashConfigDeterminism(t *testing.T) {
	doc := "name: demo\nprovider: fly\n"
	if HashConfig(doc) != HashConfig(doc) {
		t.Error("same document produced different hashes")
	}
	if HashConfig(doc) == HashConfig(doc+"region: fra\n") {
		t.Error("different documents produced the same hash")
	}
	if len(HashConfig(doc)) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(HashConfig(doc)))
	}
}

func TestParseConfigValidation(t *testing.T) {
	if _, err := ParseConfig("provider: fly\n"); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := ParseConfig("name: demo\n"); err == nil {
		t.Error("expected error for missing provider")
	}
	if _, err := ParseConfig("{invalid yaml"); err == nil {
		t.Error("expected error for malformed document")
	}

	cfg, err := ParseConfig("name: demo\nprovider: fly\nextensions: [go, vim]\n")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Name != "demo" || len(cfg.Extensions) != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestDeploymentSucceedsAndRegistersInstance(t *testing.T) {
	env := newTestEnv(t)
	env.gate = make(chan struct{})
	ctx := context.Background()

	doc := "name: demo\nprovider: fly\nextensions: [golang.go]\n"
	d, err := env.orchestrator.Create(ctx, CreateInput{ConfigYAML: doc, Initiator: "ops@example.com"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Status != store.DeploymentPending {
		t.Errorf("initial status = %s, want PENDING", d.Status)
	}

	sub := env.bus.Subscribe(bus.DeploymentProgress(d.ID))
	defer sub.Close()
	close(env.gate)

	final := waitForDeployment(t, env.store, d.ID, store.DeploymentSucceeded)
	if final.InstanceID == "" {
		t.Error("succeeded deployment not linked to an instance")
	}
	if final.CompletedAt == nil || final.StartedAt == nil {
		t.Error("timestamps not recorded")
	}

	instance, err := env.store.GetInstanceByName(ctx, "demo")
	if err != nil {
		t.Fatalf("instance not registered: %v", err)
	}
	if instance.ID != final.InstanceID {
		t.Errorf("deployment links %s, instance is %s", final.InstanceID, instance.ID)
	}
	if instance.Status != store.InstanceRunning {
		t.Errorf("instance status = %s, want RUNNING", instance.Status)
	}
	if instance.ConfigHash != final.ConfigHash {
		t.Error("config hash not propagated to instance")
	}
	if ep := instance.EndpointDescriptor(); ep.Host != "203.0.113.10" {
		t.Errorf("endpoint = %+v", ep)
	}

	// Defaults flow into the machine spec when the document omits them
	if len(env.provisioner.created) != 1 {
		t.Fatalf("provisioner calls = %d, want 1", len(env.provisioner.created))
	}
	spec := env.provisioner.created[0]
	if spec.Zone != "fra" || spec.ImageID != "img-default" || spec.Cores != 2 {
		t.Errorf("machine spec = %+v", spec)
	}
	if spec.SSHPublicKey == "" {
		t.Error("machine spec missing SSH public key")
	}

	if env.controller.uploads[remoteConfigPath] != doc {
		t.Error("deployment document not applied to the instance")
	}

	// Progress events are monotonic and end in a complete with 100%
	var last int
	var sawComplete bool
	deadline := time.After(time.Second)
	for !sawComplete {
		select {
		case msg := <-sub.C():
			var e progressEnvelope
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				t.Fatalf("bad progress envelope: %v", err)
			}
			if e.ProgressPercent < last {
				t.Errorf("progress went backwards: %d after %d", e.ProgressPercent, last)
			}
			if e.ProgressPercent > 0 {
				last = e.ProgressPercent
			}
			if e.Type == "complete" {
				sawComplete = true
				if e.ProgressPercent != 100 || e.InstanceID != final.InstanceID {
					t.Errorf("complete event = %+v", e)
				}
			}
		case <-deadline:
			t.Fatal("no complete event observed")
		}
	}
}

func TestDeploymentFailureLeavesNoInstance(t *testing.T) {
	env := newTestEnv(t)
	env.provisioner.createErr = errors.New("quota exceeded")
	ctx := context.Background()

	d, err := env.orchestrator.Create(ctx, CreateInput{ConfigYAML: "name: demo\nprovider: fly\n"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := env.bus.Subscribe(bus.DeploymentProgress(d.ID))
	defer sub.Close()

	final := waitForDeployment(t, env.store, d.ID, store.DeploymentFailed)
	if final.Error == "" || final.InstanceID != "" {
		t.Errorf("failed deployment = %+v", final)
	}

	if _, err := env.store.GetInstanceByName(ctx, "demo"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("partial instance created on failure: %v", err)
	}
}

func TestCreateRejectsInvalidDocumentSynchronously(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.orchestrator.Create(context.Background(), CreateInput{ConfigYAML: "provider: fly\n"}); err == nil {
		t.Error("expected synchronous validation error")
	}
	deployments, _ := env.store.ListDeployments(context.Background(), 0)
	if len(deployments) != 0 {
		t.Errorf("invalid document persisted: %v", deployments)
	}
}

func TestUnknownProviderFailsDeployment(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.orchestrator.Create(context.Background(), CreateInput{ConfigYAML: "name: demo\nprovider: gcp\n"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	final := waitForDeployment(t, env.store, d.ID, store.DeploymentFailed)
	if final.Error == "" {
		t.Error("failure reason not captured")
	}
}
