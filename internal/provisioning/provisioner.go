// Package provisioning creates and destroys the machines that back
// instances, one implementation per supported provider.
package provisioning

import "context"

// MachineSpec represents the specification for creating a machine
type MachineSpec struct {
	Name         string
	Cores        int
	Memory       int64 // in GB
	DiskSize     int64 // in GB
	ImageID      string
	Zone         string
	SSHPublicKey string
	Username     string
}

// MachineInfo contains information about the created machine
type MachineInfo struct {
	ID     string
	IP     string
	Name   string
	Zone   string
	Status string
}

// Provisioner defines the interface for managing machines
type Provisioner interface {
	Create(ctx context.Context, spec MachineSpec) (*MachineInfo, error)
	Delete(ctx context.Context, machineID string) error
}
