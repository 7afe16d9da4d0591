package bbcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/model"
)

func TestBaselineLatencyAverageDefaultsWhenEmpty(t *testing.T) {
	d := NewTestData()
	assert.Equal(t, model.DefaultBaselineLatencyMs, d.BaselineLatencyAverage())
}

func TestRecordLatencyFoldsBaselineIntoAverage(t *testing.T) {
	d := NewTestData()
	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 10})
	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 20})
	assert.InDelta(t, 15, d.BaselineLatencyAverage(), 1e-9)
}

func TestRecordLatencyExcludesTimeoutsFromBaselineAverage(t *testing.T) {
	d := NewTestData()
	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 10})
	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 1000, IsTimeout: true})
	assert.InDelta(t, 10, d.BaselineLatencyAverage(), 1e-9)
}

func TestRecordLatencyExcludesOtherPhasesFromBaselineAverage(t *testing.T) {
	d := NewTestData()
	d.recordLatency(events.LatencyPayload{Phase: model.Download, Latency: 500})
	assert.Equal(t, model.DefaultBaselineLatencyMs, d.BaselineLatencyAverage())
}

func TestBaselineLatencyAverageClampsToAtLeastOneMs(t *testing.T) {
	d := NewTestData()
	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 0.0001})
	assert.Equal(t, 1.0, d.BaselineLatencyAverage())
}

func TestLatencyMeasurementsReturnsCopyPerPhase(t *testing.T) {
	d := NewTestData()
	d.recordLatency(events.LatencyPayload{Phase: model.Download, Latency: 5})
	got := d.LatencyMeasurements(model.Download)
	require.Len(t, got, 1)
	got[0].Latency = 999
	assert.Equal(t, 5.0, d.LatencyMeasurements(model.Download)[0].Latency)
}

func TestThroughputSamplesReturnsCopyPerPhase(t *testing.T) {
	d := NewTestData()
	d.recordThroughput(events.ThroughputPayload{Phase: model.Upload, Throughput: 50})
	got := d.ThroughputSamples(model.Upload)
	require.Len(t, got, 1)
	assert.Equal(t, 50.0, got[0].Throughput)
}

func TestSetOptimalParamsRoutesByDirection(t *testing.T) {
	d := NewTestData()
	d.setOptimalParams(model.OptimalParams{Direction: model.DirDownload, ChunkSizeBytes: 111})
	d.setOptimalParams(model.OptimalParams{Direction: model.DirUpload, ChunkSizeBytes: 222})

	dl, ul := d.OptimalParams()
	assert.Equal(t, 111, dl.ChunkSizeBytes)
	assert.Equal(t, 222, ul.ChunkSizeBytes)
}

func TestFreezeBlocksFurtherMutation(t *testing.T) {
	d := NewTestData()
	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 10})
	d.freeze()

	d.recordLatency(events.LatencyPayload{Phase: model.Baseline, Latency: 9000})
	d.recordThroughput(events.ThroughputPayload{Phase: model.Download, Throughput: 9000})
	d.setOptimalParams(model.OptimalParams{Direction: model.DirDownload, ChunkSizeBytes: 9000})

	assert.InDelta(t, 10, d.BaselineLatencyAverage(), 1e-9)
	assert.Empty(t, d.ThroughputSamples(model.Download))
	dl, _ := d.OptimalParams()
	assert.Zero(t, dl.ChunkSizeBytes)
}
