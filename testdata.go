package bbcore

import (
	"sync"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/model"
)

// TestData is the sole record of a test run: per-phase latency and
// throughput buckets, the baseline latency average, and the two directions'
// OptimalParams (§3). The App shell is its sole writer; it is frozen at
// test:complete and safe for concurrent reads thereafter.
type TestData struct {
	mu sync.RWMutex

	latencyByPhase    map[model.Phase][]events.LatencyPayload
	throughputByPhase map[model.Phase][]events.ThroughputPayload

	baselineSum   float64
	baselineCount int

	download model.OptimalParams
	upload   model.OptimalParams

	frozen bool
}

// NewTestData creates an empty TestData, ready for test:start.
func NewTestData() *TestData {
	return &TestData{
		latencyByPhase:    make(map[model.Phase][]events.LatencyPayload),
		throughputByPhase: make(map[model.Phase][]events.ThroughputPayload),
	}
}

// recordLatency appends a latency measurement to its phase bucket and, if
// the phase is Baseline, folds it into the running baseline average.
func (t *TestData) recordLatency(p events.LatencyPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	t.latencyByPhase[p.Phase] = append(t.latencyByPhase[p.Phase], p)
	if p.Phase == model.Baseline && !p.IsTimeout {
		t.baselineSum += p.Latency
		t.baselineCount++
	}
}

// recordThroughput appends a throughput sample to its phase bucket.
func (t *TestData) recordThroughput(p events.ThroughputPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	t.throughputByPhase[p.Phase] = append(t.throughputByPhase[p.Phase], p)
}

// setOptimalParams records the OptimalParams produced by WarmupOptimizer for
// one direction.
func (t *TestData) setOptimalParams(p model.OptimalParams) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	if p.Direction == model.DirUpload {
		t.upload = p
	} else {
		t.download = p
	}
}

// freeze stops further mutation; called at test:complete.
func (t *TestData) freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// BaselineLatencyAverage returns the arithmetic mean of non-timeout baseline
// RTTs, clamped to >= 1ms, defaulting to model.DefaultBaselineLatencyMs when
// the bucket is empty (§3, §8 idempotence property).
func (t *TestData) BaselineLatencyAverage() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.baselineCount == 0 {
		return model.DefaultBaselineLatencyMs
	}
	avg := t.baselineSum / float64(t.baselineCount)
	if avg < 1 {
		avg = 1
	}
	return avg
}

// LatencyMeasurements returns a copy of the latency bucket for phase p.
func (t *TestData) LatencyMeasurements(p model.Phase) []events.LatencyPayload {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.latencyByPhase[p]
	out := make([]events.LatencyPayload, len(src))
	copy(out, src)
	return out
}

// ThroughputSamples returns a copy of the throughput bucket for phase p.
func (t *TestData) ThroughputSamples(p model.Phase) []events.ThroughputPayload {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.throughputByPhase[p]
	out := make([]events.ThroughputPayload, len(src))
	copy(out, src)
	return out
}

// OptimalParams returns the OptimalParams discovered for each direction.
// Either may be the zero value if warmup has not yet produced it.
func (t *TestData) OptimalParams() (download, upload model.OptimalParams) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.download, t.upload
}
