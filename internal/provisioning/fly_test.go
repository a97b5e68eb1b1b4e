package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFlyCreateAndDelete(t *testing.T) {
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/apps/fleet-machines/machines", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q", got)
		}
		var req flyCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Config.Guest.MemoryMB != 4096 {
			t.Errorf("memory_mb = %d, want 4096", req.Config.Guest.MemoryMB)
		}
		json.NewEncoder(w).Encode(flyMachine{ID: "m1", Name: req.Name, State: "created", Region: req.Region})
	})
	mux.HandleFunc("GET /v1/apps/fleet-machines/machines/m1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(flyMachine{ID: "m1", Name: "web-1", State: "started", Region: "fra", PrivateIP: "fdaa::1"})
	})
	mux.HandleFunc("DELETE /v1/apps/fleet-machines/machines/m1", func(w http.ResponseWriter, r *http.Request) {
		deleted = "m1"
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := NewFlyProvisioner("token", "fleet-machines", srv.URL)
	if err != nil {
		t.Fatalf("NewFlyProvisioner: %v", err)
	}

	info, err := p.Create(context.Background(), MachineSpec{
		Name:    "web-1",
		Cores:   2,
		Memory:  4,
		Zone:    "fra",
		ImageID: "registry.example/dev-env:latest",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.ID != "m1" || info.Status != "started" || info.IP != "fdaa::1" {
		t.Errorf("Create info = %+v", info)
	}

	if err := p.Delete(context.Background(), "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted != "m1" {
		t.Error("delete request never reached the API")
	}
}

func TestFlyRequiresApp(t *testing.T) {
	if _, err := NewFlyProvisioner("token", "", ""); err == nil {
		t.Error("expected error when app name is missing")
	}
}

func TestFlyAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"name already taken"}`, http.StatusConflict)
	}))
	defer srv.Close()

	p, err := NewFlyProvisioner("token", "fleet-machines", srv.URL)
	if err != nil {
		t.Fatalf("NewFlyProvisioner: %v", err)
	}

	if _, err := p.Create(context.Background(), MachineSpec{Name: "dup"}); err == nil {
		t.Error("expected error from conflicting create")
	}
}
