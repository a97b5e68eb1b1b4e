package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/control"
	"fleetforge/internal/deploy"
	"fleetforge/internal/dispatch"
	"fleetforge/internal/provisioning"
	"fleetforge/internal/registry"
	"fleetforge/internal/ssh"
	"fleetforge/internal/state"
	"fleetforge/internal/store"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// MockProvisioner implements provisioning.Provisioner
type MockProvisioner struct {
	mu      sync.Mutex
	created []provisioning.MachineSpec
	deleted []string
}

func (m *MockProvisioner) Create(ctx context.Context, spec provisioning.MachineSpec) (*provisioning.MachineInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, spec)
	return &provisioning.MachineInfo{
		ID:     "mock-machine-" + spec.Name,
		IP:     "127.0.0.1",
		Name:   spec.Name,
		Zone:   spec.Zone,
		Status: "running",
	}, nil
}

func (m *MockProvisioner) Delete(ctx context.Context, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, machineID)
	return nil
}

// MockController implements control.Controller with tracking of
// executed commands and uploaded files
type MockController struct {
	mu       sync.Mutex
	name     string
	commands []string
	uploads  map[string]string
}

func (m *MockController) Close() error { return nil }

func (m *MockController) InstanceName() string { return m.name }

func (m *MockController) Exec(ctx context.Context, req control.ExecRequest) (*control.ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, req.Command)
	return &control.ExecResult{ExitCode: 0, Stdout: "ok", Duration: time.Millisecond}, nil
}

func (m *MockController) Upload(remotePath, content string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploads == nil {
		m.uploads = map[string]string{}
	}
	m.uploads[remotePath] = content
	return nil
}

func (m *MockController) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

var _ = Describe("Fleet E2E", func() {
	var (
		st           store.Store
		b            *bus.Bus
		stateManager *state.MemoryManager
		reg          *registry.Registry
		orchestrator *deploy.Orchestrator
		dispatcher   *dispatch.Dispatcher
		provisioner  *MockProvisioner
		controller   *MockController
		ctx          context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = store.NewMemory()
		b = bus.New(64)
		stateManager = state.NewMemoryManager()
		provisioner = &MockProvisioner{}
		controller = &MockController{}

		reg = registry.New(st, stateManager, b, 4, time.Hour)
		keys := ssh.NewInMemoryKeyProvider()
		sshCfg := config.SSHConfig{User: "fleet", ConnectTimeoutSec: 1, WaitTimeoutSec: 1}

		orchestrator = deploy.New(
			st, reg, b,
			func(ctx context.Context, provider string) (provisioning.Provisioner, error) {
				if provider != "fly" {
					return nil, fmt.Errorf("provider %s is not configured", provider)
				}
				return provisioner, nil
			},
			func(cfg control.Config) (control.Controller, error) {
				controller.name = cfg.InstanceName
				return controller, nil
			},
			keys,
			config.MachineDefaults{Zone: "fra", Image: "img-default", Username: "fleet", Cores: 2, Memory: 4, DiskSize: 40},
			sshCfg,
			4,
		)
		dispatcher = dispatch.New(st, keys,
			func(cfg control.Config) (control.Controller, error) {
				return controller, nil
			},
			sshCfg,
			config.DispatchConfig{MaxConcurrent: 4, DefaultTimeoutMs: 30_000},
		)
	})

	AfterEach(func() {
		b.Close()
		Expect(stateManager.Close()).To(Succeed())
		Expect(st.Close()).To(Succeed())
	})

	Context("Deployment", func() {
		It("provisions a machine and registers a running instance", func() {
			doc := "name: demo\nprovider: fly\nextensions: [golang.go]\n"
			d, err := orchestrator.Create(ctx, deploy.CreateInput{ConfigYAML: doc, Initiator: "ops@example.com"})
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(store.DeploymentPending))

			Eventually(func() store.DeploymentStatus {
				current, err := orchestrator.Get(ctx, d.ID)
				if err != nil {
					return store.DeploymentFailed
				}
				return current.Status
			}, 10*time.Second, 50*time.Millisecond).Should(Equal(store.DeploymentSucceeded))

			final, err := orchestrator.Get(ctx, d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.InstanceID).NotTo(BeEmpty())

			instance, err := st.GetInstanceByName(ctx, "demo")
			Expect(err).NotTo(HaveOccurred())
			Expect(instance.ID).To(Equal(final.InstanceID))
			Expect(instance.Status).To(Equal(store.InstanceRunning))
			Expect(instance.ConfigHash).To(Equal(final.ConfigHash))

			// The instance shows up in the presence set
			active, err := stateManager.ListActive(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(ContainElement(instance.ID))
		})

		It("streams ordered progress ending in a complete event", func() {
			d, err := orchestrator.Create(ctx, deploy.CreateInput{ConfigYAML: "name: demo\nprovider: fly\n"})
			Expect(err).NotTo(HaveOccurred())

			sub := b.Subscribe(bus.DeploymentProgress(d.ID))
			defer sub.Close()

			Eventually(func() store.DeploymentStatus {
				current, _ := orchestrator.Get(ctx, d.ID)
				return current.Status
			}, 10*time.Second, 50*time.Millisecond).Should(Equal(store.DeploymentSucceeded))

			var last int
			var sawComplete bool
			timeout := time.After(2 * time.Second)
			for !sawComplete {
				select {
				case msg := <-sub.C():
					var e struct {
						Type            string `json:"type"`
						ProgressPercent int    `json:"progress_percent"`
					}
					Expect(json.Unmarshal(msg.Payload, &e)).To(Succeed())
					Expect(e.ProgressPercent).To(BeNumerically(">=", last))
					if e.ProgressPercent > 0 {
						last = e.ProgressPercent
					}
					if e.Type == "complete" {
						sawComplete = true
						Expect(e.ProgressPercent).To(Equal(100))
					}
				case <-timeout:
					Fail("no complete event observed")
				}
			}
		})

		It("fails the deployment and creates no instance for an unknown provider", func() {
			d, err := orchestrator.Create(ctx, deploy.CreateInput{ConfigYAML: "name: demo\nprovider: gcp\n"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() store.DeploymentStatus {
				current, _ := orchestrator.Get(ctx, d.ID)
				return current.Status
			}, 10*time.Second, 50*time.Millisecond).Should(Equal(store.DeploymentFailed))

			_, err = st.GetInstanceByName(ctx, "demo")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Context("Instance Lifecycle", func() {
		var instance *store.Instance

		BeforeEach(func() {
			var err error
			instance, err = reg.Register(ctx, registry.RegisterInput{
				Name:     "web-1",
				Provider: "fly",
				Endpoint: store.Endpoint{Host: "127.0.0.1", Port: 22, User: "fleet"},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("suspends and resumes, rejecting illegal transitions", func() {
			suspended, err := reg.Suspend(ctx, instance.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(suspended.Status).To(Equal(store.InstanceSuspended))

			_, err = reg.Suspend(ctx, instance.ID)
			var transition *registry.InvalidTransitionError
			Expect(errors.As(err, &transition)).To(BeTrue())

			resumed, err := reg.Resume(ctx, instance.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed.Status).To(Equal(store.InstanceRunning))
		})

		It("destroys with a backup and keeps the soft-deleted row", func() {
			destroyed, err := reg.Destroy(ctx, instance.ID, registry.DestroyOptions{
				BackupVolume: true,
				BackupLabel:  "final",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(destroyed.Status).To(Equal(store.InstanceStopped))

			backups, err := stateManager.ListBackups(ctx, instance.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(backups).To(HaveLen(1))
			Expect(backups[0].Label).To(Equal("final"))

			// The row survives for audit; presence is gone
			row, err := st.GetInstance(ctx, instance.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(row.Status).To(Equal(store.InstanceStopped))
			active, err := stateManager.ListActive(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).NotTo(ContainElement(instance.ID))
		})

		It("isolates failures in bulk actions", func() {
			second, err := reg.Register(ctx, registry.RegisterInput{Name: "web-2", Provider: "fly"})
			Expect(err).NotTo(HaveOccurred())

			results := reg.BulkAction(ctx, registry.ActionSuspend, []string{instance.ID, "missing", second.ID}, registry.DestroyOptions{})
			Expect(results).To(HaveLen(3))
			Expect(results[0].Success).To(BeTrue())
			Expect(results[1].Success).To(BeFalse())
			Expect(results[1].Error).NotTo(BeEmpty())
			Expect(results[2].Success).To(BeTrue())
		})
	})

	Context("Command Dispatch", func() {
		It("runs a command on a deployed instance and records history", func() {
			d, err := orchestrator.Create(ctx, deploy.CreateInput{ConfigYAML: "name: demo\nprovider: fly\n"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() store.DeploymentStatus {
				current, _ := orchestrator.Get(ctx, d.ID)
				return current.Status
			}, 10*time.Second, 50*time.Millisecond).Should(Equal(store.DeploymentSucceeded))

			final, err := orchestrator.Get(ctx, d.ID)
			Expect(err).NotTo(HaveOccurred())

			exec, err := dispatcher.Dispatch(ctx, dispatch.Input{
				InstanceID: final.InstanceID,
				Command:    "uptime",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(exec.Status).To(Equal(store.ExecutionSucceeded))
			Expect(controller.Commands()).To(ContainElement("uptime"))

			history, err := dispatcher.ListHistory(ctx, final.InstanceID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1))
		})
	})
})
