// Package telemetry ingests metric samples through a bounded write
// buffer. Persistence is best-effort, at-most-once: a failed flush is
// logged and the batch dropped. The live feed is independent of
// buffering; every accepted sample is published immediately.
package telemetry

import (
	"context"
	"sync"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/logging"
	"fleetforge/internal/store"

	"go.uber.org/zap"
)

// sampleEnvelope is the JSON message published on metric topics
type sampleEnvelope struct {
	Type       string             `json:"type"`
	InstanceID string             `json:"instanceId"`
	TS         int64              `json:"ts"`
	Data       store.MetricSample `json:"data"`
}

// Pipeline buffers samples and flushes them on an interval or when the
// buffer is full, whichever comes first
type Pipeline struct {
	store store.Store
	bus   *bus.Bus
	cfg   config.TelemetryConfig
	caps  store.Capabilities

	mu     sync.Mutex
	buffer []store.MetricSample

	flushCount int

	stop chan struct{}
	done chan struct{}
}

// New creates a pipeline bound to the store's probed capabilities:
// when aggregation or retention is native, the pipeline skips its own
// pass.
func New(st store.Store, b *bus.Bus, cfg config.TelemetryConfig) *Pipeline {
	return &Pipeline{
		store: st,
		bus:   b,
		cfg:   cfg,
		caps:  st.Capabilities(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the interval flush loop until Stop is called
func (p *Pipeline) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.FlushInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.flushCycle(context.Background())
			case <-p.stop:
				// Final drain so shutdown loses as little as possible
				p.flush(context.Background())
				return
			}
		}
	}()
}

// Stop ends the flush loop after a final drain
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

// Enqueue accepts one sample: it is published to the live feed
// immediately and buffered for durable storage. The buffer flushes
// inline once it reaches its maximum size.
func (p *Pipeline) Enqueue(ctx context.Context, sample store.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	p.publishLive(sample)

	p.mu.Lock()
	p.buffer = append(p.buffer, sample)
	var batch []store.MetricSample
	if len(p.buffer) >= p.cfg.MaxBufferSize {
		batch = p.buffer
		p.buffer = nil
	}
	p.mu.Unlock()

	if batch != nil {
		p.persist(ctx, batch)
		p.refreshRollups(ctx)
	}
}

// flushCycle is one interval tick: drain the buffer, refresh
// aggregates, and on a slower cadence prune expired raw samples
func (p *Pipeline) flushCycle(ctx context.Context) {
	p.flush(ctx)
	p.refreshRollups(ctx)

	p.flushCount++
	if p.cfg.RetentionEveryN > 0 && p.flushCount%p.cfg.RetentionEveryN == 0 {
		p.pruneExpired(ctx)
	}
}

// flush drains the buffer and persists the batch
func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.persist(ctx, batch)
}

// persist writes one batch; failure drops the batch with a warning
func (p *Pipeline) persist(ctx context.Context, batch []store.MetricSample) {
	if err := p.store.InsertMetricSamples(ctx, batch); err != nil {
		logging.Logger().Warn("metric flush failed, dropping batch",
			zap.Int("samples", len(batch)),
			zap.Error(err))
		return
	}
	logging.Logger().Debug("metric batch flushed", zap.Int("samples", len(batch)))
}

func (p *Pipeline) refreshRollups(ctx context.Context) {
	if p.caps.ContinuousAggregates {
		return
	}
	since := time.Now().Add(-p.retentionHorizon())
	if err := p.store.RefreshRollups(ctx, since); err != nil {
		logging.Logger().Warn("rollup refresh failed", zap.Error(err))
	}
}

func (p *Pipeline) pruneExpired(ctx context.Context) {
	if p.caps.NativeRetention {
		return
	}
	cutoff := time.Now().Add(-p.retentionHorizon())
	removed, err := p.store.PruneMetricSamples(ctx, cutoff)
	if err != nil {
		logging.Logger().Warn("metric retention prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logging.Logger().Info("pruned expired metric samples",
			zap.Int64("rows", removed),
			zap.Time("cutoff", cutoff))
	}
}

func (p *Pipeline) retentionHorizon() time.Duration {
	days := p.cfg.RetentionDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// publishLive pushes the sample to subscribers regardless of buffering
func (p *Pipeline) publishLive(sample store.MetricSample) {
	envelope := sampleEnvelope{
		Type:       "metrics:update",
		InstanceID: sample.InstanceID,
		TS:         sample.Timestamp.UnixMilli(),
		Data:       sample,
	}
	if err := p.bus.Publish(bus.InstanceMetrics(sample.InstanceID), envelope); err != nil {
		logging.Logger().Warn("failed to publish live metric",
			zap.String("instance_id", sample.InstanceID),
			zap.Error(err))
	}
}
