package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleetforge/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	activePrefix = "/fleet/active/"
	backupPrefix = "/fleet/backups/"
)

// EtcdManager stores ephemeral state in etcd
type EtcdManager struct {
	client *clientv3.Client
}

// NewEtcdManager connects to etcd
func NewEtcdManager(endpoints []string) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdManager{client: cli}, nil
}

// Close closes the etcd client connection
func (m *EtcdManager) Close() error {
	return m.client.Close()
}

// MarkActive adds the instance to the presence set
func (m *EtcdManager) MarkActive(ctx context.Context, instanceID string) error {
	_, err := m.client.Put(ctx, activePrefix+instanceID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark instance active: %w", err)
	}
	return nil
}

// ClearActive removes the instance from the presence set
func (m *EtcdManager) ClearActive(ctx context.Context, instanceID string) error {
	_, err := m.client.Delete(ctx, activePrefix+instanceID)
	if err != nil {
		return fmt.Errorf("failed to clear instance presence: %w", err)
	}
	return nil
}

// ListActive returns the ids currently in the presence set
func (m *EtcdManager) ListActive(ctx context.Context) ([]string, error) {
	resp, err := m.client.Get(ctx, activePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	ids := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ids = append(ids, strings.TrimPrefix(string(kv.Key), activePrefix))
	}
	return ids, nil
}

// SaveBackup records a backup under a lease so etcd expires it after
// the retention window
func (m *EtcdManager) SaveBackup(ctx context.Context, backup *VolumeBackup, ttl time.Duration) error {
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to marshal backup record: %w", err)
	}

	lease, err := m.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant backup lease: %w", err)
	}

	key := backupPrefix + backup.InstanceID + "/" + backup.ID
	_, err = m.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("failed to save backup record: %w", err)
	}
	return nil
}

// ListBackups returns the live backup records for an instance
func (m *EtcdManager) ListBackups(ctx context.Context, instanceID string) ([]VolumeBackup, error) {
	resp, err := m.client.Get(ctx, backupPrefix+instanceID+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list backup records: %w", err)
	}
	backups := make([]VolumeBackup, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var b VolumeBackup
		if err := json.Unmarshal(kv.Value, &b); err != nil {
			logging.Logger().Warn("skipping malformed backup record",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		backups = append(backups, b)
	}
	return backups, nil
}

// NewManager creates the appropriate state manager based on etcd
// availability, falling back to in-memory state
func NewManager(etcdEndpoints []string) Manager {
	if len(etcdEndpoints) == 0 {
		logging.Logger().Info("No etcd endpoints configured, using in-memory state")
		return NewMemoryManager()
	}

	manager, err := NewEtcdManager(etcdEndpoints)
	if err != nil {
		logging.Logger().Warn("Failed to connect to etcd, falling back to in-memory state",
			zap.Error(err))
		return NewMemoryManager()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := manager.client.Get(ctx, "/test_connection"); err != nil {
		logging.Logger().Warn("etcd connection test failed, falling back to in-memory state",
			zap.Error(err))
		manager.Close()
		return NewMemoryManager()
	}

	logging.Logger().Info("Connected to etcd for ephemeral state",
		zap.Strings("endpoints", etcdEndpoints))
	return manager
}
