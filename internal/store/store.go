// Package store owns the durable entities of the control plane and the
// interface the core components use to persist them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entity id or name cannot be resolved.
// Callers test it with errors.Is.
var ErrNotFound = errors.New("not found")

// Capabilities describes what the underlying store handles natively.
// Probed once at startup and injected into the telemetry pipeline: when
// a capability is native, the pipeline skips its own refresh/prune work.
type Capabilities struct {
	ContinuousAggregates bool
	NativeRetention      bool
}

// Store is the durable persistence collaborator. Implementations must be
// safe for concurrent use.
type Store interface {
	// Instances
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByName(ctx context.Context, name string) (*Instance, error)
	ListInstances(ctx context.Context) ([]Instance, error)
	// UpsertInstance inserts or, when the name already exists, updates
	// the existing row in place (the stored ID wins over the given one).
	UpsertInstance(ctx context.Context, instance *Instance) error
	UpdateInstance(ctx context.Context, instance *Instance) error

	// Events (append-only audit log)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, instanceID string, limit int) ([]Event, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	UpdateDeployment(ctx context.Context, d *Deployment) error
	ListDeployments(ctx context.Context, limit int) ([]Deployment, error)

	// Command executions
	SaveExecution(ctx context.Context, e *CommandExecution) error
	ListExecutions(ctx context.Context, instanceID string, limit int) ([]CommandExecution, error)

	// Telemetry
	InsertMetricSamples(ctx context.Context, samples []MetricSample) error
	ListMetricSamples(ctx context.Context, instanceID string, since time.Time, limit int) ([]MetricSample, error)
	ListMetricRollups(ctx context.Context, instanceID string, period RollupPeriod, since time.Time) ([]MetricRollup, error)
	// RefreshRollups recomputes hourly/daily aggregates for samples
	// newer than the given horizon. No-op when aggregates are native.
	RefreshRollups(ctx context.Context, since time.Time) error
	// PruneMetricSamples deletes raw samples older than the cutoff and
	// returns the number of rows removed.
	PruneMetricSamples(ctx context.Context, olderThan time.Time) (int64, error)

	Capabilities() Capabilities
	Close() error
}
