package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used for tests and DSN-less development.
// It mirrors the MySQL implementation's semantics, including
// upsert-by-name and rollup refresh.
type Memory struct {
	mu          sync.RWMutex
	instances   map[string]Instance // keyed by id
	events      []Event
	deployments map[string]Deployment
	executions  map[string]CommandExecution
	samples     []MetricSample
	rollups     map[string]MetricRollup // keyed by instance|period|bucket
	nextEventID uint
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		instances:   make(map[string]Instance),
		deployments: make(map[string]Deployment),
		executions:  make(map[string]CommandExecution),
		rollups:     make(map[string]MetricRollup),
	}
}

// Capabilities reports no native aggregation support; the telemetry
// pipeline performs explicit refresh and retention against this store
func (m *Memory) Capabilities() Capabilities {
	return Capabilities{}
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}

// --- instances ---

func (m *Memory) GetInstance(ctx context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return &instance, nil
}

func (m *Memory) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, instance := range m.instances {
		if instance.Name == name {
			found := instance
			return &found, nil
		}
	}
	return nil, fmt.Errorf("instance %q: %w", name, ErrNotFound)
}

func (m *Memory) ListInstances(ctx context.Context) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instances := make([]Instance, 0, len(m.instances))
	for _, instance := range m.instances {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

func (m *Memory) UpsertInstance(ctx context.Context, instance *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, existing := range m.instances {
		if existing.Name == instance.Name {
			instance.ID = existing.ID
			instance.CreatedAt = existing.CreatedAt
			instance.UpdatedAt = now
			m.instances[instance.ID] = *instance
			return nil
		}
	}

	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	instance.CreatedAt = now
	instance.UpdatedAt = now
	m.instances[instance.ID] = *instance
	return nil
}

func (m *Memory) UpdateInstance(ctx context.Context, instance *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instance.ID]; !ok {
		return fmt.Errorf("instance %s: %w", instance.ID, ErrNotFound)
	}
	instance.UpdatedAt = time.Now()
	m.instances[instance.ID] = *instance
	return nil
}

// --- events ---

func (m *Memory) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	event.ID = m.nextEventID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, instanceID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].InstanceID == instanceID {
			events = append(events, m.events[i])
			if limit > 0 && len(events) == limit {
				break
			}
		}
	}
	return events, nil
}

// --- deployments ---

func (m *Memory) CreateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	m.deployments[d.ID] = *d
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
	}
	d.UpdatedAt = time.Now()
	m.deployments[d.ID] = *d
	return nil
}

func (m *Memory) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deployments := make([]Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		deployments = append(deployments, d)
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

// --- command executions ---

func (m *Memory) SaveExecution(ctx context.Context, e *CommandExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.executions[e.ID] = *e
	return nil
}

func (m *Memory) ListExecutions(ctx context.Context, instanceID string, limit int) ([]CommandExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var executions []CommandExecution
	for _, e := range m.executions {
		if e.InstanceID == instanceID {
			executions = append(executions, e)
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})
	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

// --- telemetry ---

func (m *Memory) InsertMetricSamples(ctx context.Context, samples []MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *Memory) ListMetricSamples(ctx context.Context, instanceID string, since time.Time, limit int) ([]MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var samples []MetricSample
	for _, s := range m.samples {
		if s.InstanceID == instanceID && !s.Timestamp.Before(since) {
			samples = append(samples, s)
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.After(samples[j].Timestamp) })
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}

func (m *Memory) ListMetricRollups(ctx context.Context, instanceID string, period RollupPeriod, since time.Time) ([]MetricRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rollups []MetricRollup
	for _, r := range m.rollups {
		if r.InstanceID == instanceID && r.Period == period && !r.BucketStart.Before(since) {
			rollups = append(rollups, r)
		}
	}
	sort.Slice(rollups, func(i, j int) bool { return rollups[i].BucketStart.Before(rollups[j].BucketStart) })
	return rollups, nil
}

func (m *Memory) RefreshRollups(ctx context.Context, since time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, period := range []RollupPeriod{RollupHourly, RollupDaily} {
		truncate := time.Hour
		if period == RollupDaily {
			truncate = 24 * time.Hour
		}

		type agg struct {
			sumCPU, maxCPU float64
			sumMem         float64
			maxMem         uint64
			count          int64
		}
		buckets := map[string]*agg{}
		starts := map[string]struct {
			instanceID string
			bucket     time.Time
		}{}

		for _, s := range m.samples {
			if s.Timestamp.Before(since) {
				continue
			}
			bucket := s.Timestamp.Truncate(truncate)
			key := s.InstanceID + "|" + string(period) + "|" + bucket.Format(time.RFC3339)
			a, ok := buckets[key]
			if !ok {
				a = &agg{}
				buckets[key] = a
				starts[key] = struct {
					instanceID string
					bucket     time.Time
				}{s.InstanceID, bucket}
			}
			a.sumCPU += s.CPUPercent
			if s.CPUPercent > a.maxCPU {
				a.maxCPU = s.CPUPercent
			}
			a.sumMem += float64(s.MemUsedBytes)
			if s.MemUsedBytes > a.maxMem {
				a.maxMem = s.MemUsedBytes
			}
			a.count++
		}

		for key, a := range buckets {
			meta := starts[key]
			m.rollups[key] = MetricRollup{
				InstanceID:    meta.instanceID,
				Period:        period,
				BucketStart:   meta.bucket,
				AvgCPUPercent: a.sumCPU / float64(a.count),
				MaxCPUPercent: a.maxCPU,
				AvgMemUsed:    a.sumMem / float64(a.count),
				MaxMemUsed:    a.maxMem,
				SampleCount:   a.count,
			}
		}
	}
	return nil
}

func (m *Memory) PruneMetricSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var removed int64
	for _, s := range m.samples {
		if s.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return removed, nil
}
