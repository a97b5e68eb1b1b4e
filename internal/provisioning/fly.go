package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultFlyBaseURL = "https://api.machines.dev"

// FlyProvisioner implements the Provisioner interface for Fly.io
// Machines. Machines are created inside one pre-existing Fly app.
type FlyProvisioner struct {
	client  *retryablehttp.Client
	token   string
	app     string
	baseURL string
}

// NewFlyProvisioner creates a new instance of FlyProvisioner
func NewFlyProvisioner(apiToken, app, baseURL string) (*FlyProvisioner, error) {
	if app == "" {
		return nil, fmt.Errorf("fly app name is required")
	}
	if baseURL == "" {
		baseURL = defaultFlyBaseURL
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil

	return &FlyProvisioner{
		client:  client,
		token:   apiToken,
		app:     app,
		baseURL: baseURL,
	}, nil
}

type flyGuest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int64  `json:"memory_mb"`
}

type flyMachineConfig struct {
	Image string            `json:"image"`
	Guest flyGuest          `json:"guest"`
	Env   map[string]string `json:"env,omitempty"`
}

type flyCreateRequest struct {
	Name   string           `json:"name"`
	Region string           `json:"region"`
	Config flyMachineConfig `json:"config"`
}

type flyMachine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Region    string `json:"region"`
	PrivateIP string `json:"private_ip"`
}

// Create creates a new Fly machine and waits for it to start
func (p *FlyProvisioner) Create(ctx context.Context, spec MachineSpec) (*MachineInfo, error) {
	body := flyCreateRequest{
		Name:   spec.Name,
		Region: spec.Zone,
		Config: flyMachineConfig{
			Image: spec.ImageID,
			Guest: flyGuest{
				CPUKind:  "shared",
				CPUs:     spec.Cores,
				MemoryMB: spec.Memory * 1024,
			},
		},
	}

	var machine flyMachine
	url := fmt.Sprintf("%s/v1/apps/%s/machines", p.baseURL, p.app)
	if err := p.do(ctx, http.MethodPost, url, body, &machine); err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}

	// Wait for the machine to start
	for i := 0; i < 60; i++ {
		var m flyMachine
		getURL := fmt.Sprintf("%s/v1/apps/%s/machines/%s", p.baseURL, p.app, machine.ID)
		if err := p.do(ctx, http.MethodGet, getURL, nil, &m); err != nil {
			return nil, fmt.Errorf("failed to get machine: %w", err)
		}

		if m.State == "started" {
			return &MachineInfo{
				ID:     m.ID,
				IP:     m.PrivateIP,
				Name:   m.Name,
				Zone:   m.Region,
				Status: m.State,
			}, nil
		}
		time.Sleep(2 * time.Second)
	}

	return nil, fmt.Errorf("timed out waiting for machine to start")
}

// Delete destroys a Fly machine by ID
func (p *FlyProvisioner) Delete(ctx context.Context, machineID string) error {
	url := fmt.Sprintf("%s/v1/apps/%s/machines/%s?force=true", p.baseURL, p.app, machineID)
	if err := p.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("failed to destroy machine: %w", err)
	}
	return nil
}

// do issues one authenticated API call and decodes the response into
// out when it is non-nil
func (p *FlyProvisioner) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
