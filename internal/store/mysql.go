package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetforge/internal/logging"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Names of the scheduled events an operator can install on MySQL to own
// rollups and retention natively. When present, the telemetry pipeline
// skips its own refresh/prune passes.
const (
	rollupEventName    = "fleetforge_metric_rollup"
	retentionEventName = "fleetforge_metric_retention"
)

// Mysql is the gorm-backed durable store
type Mysql struct {
	db   *gorm.DB
	caps Capabilities
}

// NewMysql opens the database, runs migrations and probes capabilities
func NewMysql(dsn string) (*Mysql, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Instance{},
		&Event{},
		&Deployment{},
		&CommandExecution{},
		&MetricSample{},
		&MetricRollup{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	m := &Mysql{db: db}
	m.caps = m.probeCapabilities()
	return m, nil
}

// probeCapabilities checks once whether the operator installed the
// scheduled events that own aggregation and retention on the server side
func (m *Mysql) probeCapabilities() Capabilities {
	var caps Capabilities

	var scheduler string
	if err := m.db.Raw("SELECT @@GLOBAL.event_scheduler").Scan(&scheduler).Error; err != nil || scheduler != "ON" {
		return caps
	}

	var names []string
	err := m.db.Raw(
		"SELECT event_name FROM information_schema.events WHERE event_schema = DATABASE() AND event_name IN (?, ?)",
		rollupEventName, retentionEventName,
	).Scan(&names).Error
	if err != nil {
		logging.Logger().Warn("failed to probe scheduled events", zap.Error(err))
		return caps
	}

	for _, name := range names {
		switch name {
		case rollupEventName:
			caps.ContinuousAggregates = true
		case retentionEventName:
			caps.NativeRetention = true
		}
	}

	logging.Logger().Info("probed store capabilities",
		zap.Bool("continuous_aggregates", caps.ContinuousAggregates),
		zap.Bool("native_retention", caps.NativeRetention))
	return caps
}

// Capabilities returns the result of the startup probe
func (m *Mysql) Capabilities() Capabilities {
	return m.caps
}

// Close closes the underlying connection pool
func (m *Mysql) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- instances ---

func (m *Mysql) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var instance Instance
	err := m.db.WithContext(ctx).First(&instance, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &instance, nil
}

func (m *Mysql) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	var instance Instance
	err := m.db.WithContext(ctx).First(&instance, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("instance %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by name: %w", err)
	}
	return &instance, nil
}

func (m *Mysql) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	if err := m.db.WithContext(ctx).Order("name").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

func (m *Mysql) UpsertInstance(ctx context.Context, instance *Instance) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Instance
		err := tx.First(&existing, "name = ?", instance.Name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(instance).Error
		case err != nil:
			return err
		default:
			// Existing row wins on identity; everything else is updated
			instance.ID = existing.ID
			instance.CreatedAt = existing.CreatedAt
			return tx.Save(instance).Error
		}
	})
}

func (m *Mysql) UpdateInstance(ctx context.Context, instance *Instance) error {
	if err := m.db.WithContext(ctx).Save(instance).Error; err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

// --- events ---

func (m *Mysql) AppendEvent(ctx context.Context, event *Event) error {
	if err := m.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (m *Mysql) ListEvents(ctx context.Context, instanceID string, limit int) ([]Event, error) {
	var events []Event
	q := m.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// --- deployments ---

func (m *Mysql) CreateDeployment(ctx context.Context, d *Deployment) error {
	if err := m.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func (m *Mysql) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	err := m.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &d, nil
}

func (m *Mysql) UpdateDeployment(ctx context.Context, d *Deployment) error {
	if err := m.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	return nil
}

func (m *Mysql) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	var deployments []Deployment
	q := m.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&deployments).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return deployments, nil
}

// --- command executions ---

func (m *Mysql) SaveExecution(ctx context.Context, e *CommandExecution) error {
	if err := m.db.WithContext(ctx).Save(e).Error; err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (m *Mysql) ListExecutions(ctx context.Context, instanceID string, limit int) ([]CommandExecution, error) {
	var executions []CommandExecution
	q := m.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// --- telemetry ---

func (m *Mysql) InsertMetricSamples(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := m.db.WithContext(ctx).CreateInBatches(samples, 100).Error; err != nil {
		return fmt.Errorf("failed to insert metric batch: %w", err)
	}
	return nil
}

func (m *Mysql) ListMetricSamples(ctx context.Context, instanceID string, since time.Time, limit int) ([]MetricSample, error) {
	var samples []MetricSample
	q := m.db.WithContext(ctx).
		Where("instance_id = ? AND timestamp >= ?", instanceID, since).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("failed to list metric samples: %w", err)
	}
	return samples, nil
}

func (m *Mysql) ListMetricRollups(ctx context.Context, instanceID string, period RollupPeriod, since time.Time) ([]MetricRollup, error) {
	var rollups []MetricRollup
	err := m.db.WithContext(ctx).
		Where("instance_id = ? AND period = ? AND bucket_start >= ?", instanceID, period, since).
		Order("bucket_start").
		Find(&rollups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list metric rollups: %w", err)
	}
	return rollups, nil
}

const rollupUpsertSQL = `
INSERT INTO metric_rollups
  (instance_id, period, bucket_start, avg_cpu_percent, max_cpu_percent, avg_mem_used, max_mem_used, sample_count)
SELECT
  instance_id, ?, %s AS bucket,
  AVG(cpu_percent), MAX(cpu_percent), AVG(mem_used_bytes), MAX(mem_used_bytes), COUNT(*)
FROM metric_samples
WHERE timestamp >= ?
GROUP BY instance_id, bucket
ON DUPLICATE KEY UPDATE
  avg_cpu_percent = VALUES(avg_cpu_percent),
  max_cpu_percent = VALUES(max_cpu_percent),
  avg_mem_used    = VALUES(avg_mem_used),
  max_mem_used    = VALUES(max_mem_used),
  sample_count    = VALUES(sample_count)`

func (m *Mysql) RefreshRollups(ctx context.Context, since time.Time) error {
	buckets := []struct {
		period RollupPeriod
		expr   string
	}{
		{RollupHourly, "DATE_FORMAT(timestamp, '%Y-%m-%d %H:00:00')"},
		{RollupDaily, "DATE_FORMAT(timestamp, '%Y-%m-%d 00:00:00')"},
	}

	for _, b := range buckets {
		sql := fmt.Sprintf(rollupUpsertSQL, b.expr)
		if err := m.db.WithContext(ctx).Exec(sql, string(b.period), since).Error; err != nil {
			return fmt.Errorf("failed to refresh %s rollups: %w", b.period, err)
		}
	}
	return nil
}

func (m *Mysql) PruneMetricSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Where("timestamp < ?", olderThan).Delete(&MetricSample{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune metric samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}
