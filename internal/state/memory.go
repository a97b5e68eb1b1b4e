package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

type expiringBackup struct {
	backup    VolumeBackup
	expiresAt time.Time
}

// MemoryManager keeps ephemeral state in process memory. Backup
// expiry is evaluated lazily on read.
type MemoryManager struct {
	mu      sync.RWMutex
	active  map[string]struct{}
	backups map[string][]expiringBackup // keyed by instance id
}

// NewMemoryManager creates an empty in-memory state manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		active:  make(map[string]struct{}),
		backups: make(map[string][]expiringBackup),
	}
}

// Close is a no-op
func (m *MemoryManager) Close() error {
	return nil
}

// MarkActive adds the instance to the presence set
func (m *MemoryManager) MarkActive(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[instanceID] = struct{}{}
	return nil
}

// ClearActive removes the instance from the presence set
func (m *MemoryManager) ClearActive(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, instanceID)
	return nil
}

// ListActive returns the ids currently in the presence set
func (m *MemoryManager) ListActive(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveBackup records a backup with the given time-to-live
func (m *MemoryManager) SaveBackup(ctx context.Context, backup *VolumeBackup, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[backup.InstanceID] = append(m.backups[backup.InstanceID], expiringBackup{
		backup:    *backup,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// ListBackups returns the live backup records for an instance
func (m *MemoryManager) ListBackups(ctx context.Context, instanceID string) ([]VolumeBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	live := m.backups[instanceID][:0]
	var backups []VolumeBackup
	for _, e := range m.backups[instanceID] {
		if e.expiresAt.Before(now) {
			continue
		}
		live = append(live, e)
		backups = append(backups, e.backup)
	}
	m.backups[instanceID] = live
	return backups, nil
}
