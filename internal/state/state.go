// Package state keeps the ephemeral coordination data that does not
// belong in the durable store: the live presence set and volume backup
// records with a bounded lifetime.
package state

import (
	"context"
	"time"
)

// BackupStatus is the progress of a volume backup
type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

// VolumeBackup describes one captured volume snapshot. Records expire
// on their own after the retention window.
type VolumeBackup struct {
	ID          string       `json:"id"`
	InstanceID  string       `json:"instance_id"`
	Label       string       `json:"label,omitempty"`
	Status      BackupStatus `json:"status"`
	Compression string       `json:"compression,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Manager defines the ephemeral state operations. Implementations must
// be safe for concurrent use.
type Manager interface {
	// MarkActive adds the instance to the presence set
	MarkActive(ctx context.Context, instanceID string) error
	// ClearActive removes the instance from the presence set
	ClearActive(ctx context.Context, instanceID string) error
	// ListActive returns the ids currently in the presence set
	ListActive(ctx context.Context) ([]string, error)

	// SaveBackup records a backup with the given time-to-live
	SaveBackup(ctx context.Context, backup *VolumeBackup, ttl time.Duration) error
	// ListBackups returns the live backup records for an instance
	ListBackups(ctx context.Context, instanceID string) ([]VolumeBackup, error)

	Close() error
}
