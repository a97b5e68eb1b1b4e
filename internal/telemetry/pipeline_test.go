package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetforge/internal/bus"
	"fleetforge/internal/config"
	"fleetforge/internal/store"
)

// failingStore wraps the in-memory store and fails sample inserts
type failingStore struct {
	store.Store
	mu       sync.Mutex
	failNext bool
	attempts int
}

func (f *failingStore) InsertMetricSamples(ctx context.Context, samples []store.MetricSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failNext {
		return errors.New("database unavailable")
	}
	return f.Store.InsertMetricSamples(ctx, samples)
}

func testConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		FlushIntervalSec: 10,
		MaxBufferSize:    5,
		RetentionDays:    7,
		RetentionEveryN:  2,
	}
}

func sampleAt(instanceID string, ts time.Time, cpu float64) store.MetricSample {
	return store.MetricSample{InstanceID: instanceID, Timestamp: ts, CPUPercent: cpu}
}

func TestEnqueueFlushesWhenBufferFull(t *testing.T) {
	st := store.NewMemory()
	p := New(st, bus.New(16), testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		p.Enqueue(ctx, sampleAt("inst-1", now.Add(time.Duration(i)*time.Second), 10))
	}
	persisted, _ := st.ListMetricSamples(ctx, "inst-1", time.Time{}, 0)
	if len(persisted) != 0 {
		t.Errorf("samples persisted before buffer filled: %d", len(persisted))
	}

	p.Enqueue(ctx, sampleAt("inst-1", now.Add(4*time.Second), 10))
	persisted, _ = st.ListMetricSamples(ctx, "inst-1", time.Time{}, 0)
	if len(persisted) != 5 {
		t.Errorf("persisted = %d samples, want 5", len(persisted))
	}

	p.mu.Lock()
	buffered := len(p.buffer)
	p.mu.Unlock()
	if buffered != 0 {
		t.Errorf("buffer holds %d samples after flush, want 0", buffered)
	}
}

func TestEnqueuePublishesLiveImmediately(t *testing.T) {
	st := store.NewMemory()
	b := bus.New(16)
	p := New(st, b, testConfig())

	sub := b.Subscribe(bus.InstanceMetrics("inst-1"))
	defer sub.Close()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Enqueue(context.Background(), sampleAt("inst-1", ts, 42.5))

	select {
	case msg := <-sub.C():
		var e sampleEnvelope
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if e.Type != "metrics:update" || e.InstanceID != "inst-1" {
			t.Errorf("envelope = %+v", e)
		}
		if e.TS != ts.UnixMilli() {
			t.Errorf("ts = %d, want %d", e.TS, ts.UnixMilli())
		}
		if e.Data.CPUPercent != 42.5 {
			t.Errorf("data.cpu_percent = %v", e.Data.CPUPercent)
		}
	case <-time.After(time.Second):
		t.Fatal("no live metric published")
	}

	// The sample is still buffered, not persisted
	persisted, _ := st.ListMetricSamples(context.Background(), "inst-1", time.Time{}, 0)
	if len(persisted) != 0 {
		t.Errorf("sample persisted before any flush: %d", len(persisted))
	}
}

func TestFlushFailureDropsBatch(t *testing.T) {
	st := &failingStore{Store: store.NewMemory(), failNext: true}
	p := New(st, bus.New(16), testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.Enqueue(ctx, sampleAt("inst-1", time.Now(), 10))
	}

	st.mu.Lock()
	attempts := st.attempts
	st.failNext = false
	st.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("insert attempts = %d, want 1", attempts)
	}

	p.mu.Lock()
	buffered := len(p.buffer)
	p.mu.Unlock()
	if buffered != 0 {
		t.Errorf("failed batch retained, buffer = %d", buffered)
	}

	// The next batch goes through untouched by the earlier failure
	for i := 0; i < 5; i++ {
		p.Enqueue(ctx, sampleAt("inst-1", time.Now(), 10))
	}
	persisted, _ := st.ListMetricSamples(ctx, "inst-1", time.Time{}, 0)
	if len(persisted) != 5 {
		t.Errorf("persisted = %d samples, want 5", len(persisted))
	}
}

func TestFlushCycleRefreshesRollups(t *testing.T) {
	st := store.NewMemory()
	p := New(st, bus.New(16), testConfig())
	ctx := context.Background()

	// Two samples in the same hourly bucket, recent enough to fall
	// inside the refresh horizon
	ts := time.Now().UTC().Truncate(time.Hour).Add(10 * time.Minute)
	p.Enqueue(ctx, sampleAt("inst-1", ts, 80))
	p.Enqueue(ctx, sampleAt("inst-1", ts.Add(time.Minute), 40))
	p.flushCycle(ctx)

	rollups, err := st.ListMetricRollups(ctx, "inst-1", store.RollupHourly, time.Time{})
	if err != nil {
		t.Fatalf("ListMetricRollups: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("rollups = %d buckets, want 1", len(rollups))
	}
	r := rollups[0]
	if r.SampleCount != 2 || r.MaxCPUPercent != 80 || r.AvgCPUPercent != 60 {
		t.Errorf("rollup = %+v", r)
	}
	if !r.BucketStart.Equal(ts.Truncate(time.Hour)) {
		t.Errorf("bucket start = %v, want %v", r.BucketStart, ts.Truncate(time.Hour))
	}
}

func TestRetentionPrunesOnCadence(t *testing.T) {
	st := store.NewMemory()
	p := New(st, bus.New(16), testConfig())
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour)
	p.Enqueue(ctx, sampleAt("inst-1", old, 10))
	p.Enqueue(ctx, sampleAt("inst-1", time.Now(), 10))

	// RetentionEveryN is 2: the first cycle skips retention, the
	// second runs it
	p.flushCycle(ctx)
	samples, _ := st.ListMetricSamples(ctx, "inst-1", time.Time{}, 0)
	if len(samples) != 2 {
		t.Fatalf("samples after first cycle = %d, want 2", len(samples))
	}

	p.flushCycle(ctx)
	samples, _ = st.ListMetricSamples(ctx, "inst-1", time.Time{}, 0)
	if len(samples) != 1 {
		t.Errorf("samples after retention = %d, want 1", len(samples))
	}
}

func TestStartStopDrainsBuffer(t *testing.T) {
	st := store.NewMemory()
	p := New(st, bus.New(16), testConfig())
	ctx := context.Background()

	p.Start()
	p.Enqueue(ctx, sampleAt("inst-1", time.Now(), 10))
	p.Stop()

	persisted, _ := st.ListMetricSamples(ctx, "inst-1", time.Time{}, 0)
	if len(persisted) != 1 {
		t.Errorf("persisted = %d samples after shutdown drain, want 1", len(persisted))
	}
}
