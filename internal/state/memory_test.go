package state

import (
	"context"
	"testing"
	"time"
)

func TestPresenceSet(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	if err := m.MarkActive(ctx, "i2"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := m.MarkActive(ctx, "i1"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	// Marking twice is idempotent
	if err := m.MarkActive(ctx, "i1"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	ids, err := m.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(ids) != 2 || ids[0] != "i1" || ids[1] != "i2" {
		t.Errorf("ListActive = %v, want [i1 i2]", ids)
	}

	if err := m.ClearActive(ctx, "i1"); err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	ids, _ = m.ListActive(ctx)
	if len(ids) != 1 || ids[0] != "i2" {
		t.Errorf("ListActive after clear = %v, want [i2]", ids)
	}
}

func TestBackupExpiry(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	err := m.SaveBackup(ctx, &VolumeBackup{ID: "b1", InstanceID: "i1", Status: BackupPending}, time.Hour)
	if err != nil {
		t.Fatalf("SaveBackup: %v", err)
	}
	err = m.SaveBackup(ctx, &VolumeBackup{ID: "b2", InstanceID: "i1", Status: BackupPending}, -time.Second)
	if err != nil {
		t.Fatalf("SaveBackup: %v", err)
	}

	backups, err := m.ListBackups(ctx, "i1")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 || backups[0].ID != "b1" {
		t.Errorf("ListBackups = %v, want only b1", backups)
	}

	backups, _ = m.ListBackups(ctx, "other")
	if len(backups) != 0 {
		t.Errorf("ListBackups for unknown instance = %v, want empty", backups)
	}
}
