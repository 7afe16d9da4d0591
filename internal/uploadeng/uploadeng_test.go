package uploadeng

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/streammgr"
	"github.com/uwnlabs/bbcore/model"
)

func okServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
}

func statusServer(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
	}))
}

func TestEngineUploadsAndTerminatesOnCancel(t *testing.T) {
	srv := okServer()
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)

	eng := New(streams, nil, Options{URL: srv.URL, StreamCount: 2, PendingPerStream: 1, ChunkSizeBytes: 1024})
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	dn, up := streams.ActiveCounts()
	assert.Zero(t, dn)
	assert.Zero(t, up)
}

func TestOnBackpressureHalvesPendingAndDoublesDelay(t *testing.T) {
	srv := statusServer(http.StatusTooManyRequests)
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)

	eng := New(streams, nil, Options{URL: srv.URL, StreamCount: 1, PendingPerStream: 8, ChunkSizeBytes: 1024})
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	assert.Less(t, eng.Pending(), 8)
	assert.Greater(t, eng.DelayMs(), 0)
}

func TestFreezeStopsAdaptiveReductions(t *testing.T) {
	srv := statusServer(http.StatusTooManyRequests)
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)

	eng := New(streams, nil, Options{URL: srv.URL, StreamCount: 1, PendingPerStream: 4, ChunkSizeBytes: 1024})
	defer eng.Close()
	eng.Freeze()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	assert.Equal(t, 4, eng.Pending())
}

func TestApplyBackoffFactorIgnoredWhenFrozen(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, nil, Options{URL: "http://example.invalid", PendingPerStream: 10})
	defer eng.Close()
	eng.Freeze()
	eng.ApplyBackoffFactor(0.5)
	assert.Equal(t, 10, eng.Pending())
}

func TestApplyBackoffFactorScalesPendingDown(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, nil, Options{URL: "http://example.invalid", PendingPerStream: 10})
	defer eng.Close()
	eng.ApplyBackoffFactor(0.5)
	assert.Equal(t, 5, eng.Pending())
}

func TestApplyBackoffFactorFloorsAtOne(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, nil, Options{URL: "http://example.invalid", PendingPerStream: 1})
	defer eng.Close()
	eng.ApplyBackoffFactor(0.1)
	assert.Equal(t, 1, eng.Pending())
}

func TestSubscribeLatencyReducesOnSustainedHighRTT(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, bus, Options{URL: "http://example.invalid", PendingPerStream: 8})
	defer eng.Close()
	eng.SetLatencyThreshold(50)

	before := eng.Pending()
	bus.Publish(events.Event{Kind: events.LatencyMeasured, Payload: events.LatencyPayload{
		Latency: 500,
		Phase:   model.Download,
	}})

	require.Eventually(t, func() bool {
		return eng.Pending() < before
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeLatencyIgnoredDuringBidirectional(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)

	phase := &fakePhase{}
	phase.set(model.Bidirectional)
	eng := New(streams, bus, Options{URL: "http://example.invalid", PendingPerStream: 8, Phase: phase})
	defer eng.Close()
	eng.SetLatencyThreshold(50)

	before := eng.Pending()
	bus.Publish(events.Event{Kind: events.LatencyMeasured, Payload: events.LatencyPayload{Latency: 500}})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, eng.Pending())
}

type fakePhase struct {
	phase atomic.Int32
}

func (f *fakePhase) set(p model.Phase) { f.phase.Store(int32(p)) }

func (f *fakePhase) CurrentPhase() (model.Phase, bool) {
	return model.Phase(f.phase.Load()), true
}
