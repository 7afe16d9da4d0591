package downloadeng

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/streammgr"
)

func chunkServer(chunk []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
}

func TestEngineTransfersBytesAcrossStreams(t *testing.T) {
	srv := chunkServer(make([]byte, 4096))
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)

	eng := New(streams, Options{URL: srv.URL, StreamCount: 2, StaggerMinMs: 1, StaggerMaxMs: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	dn, _ := streams.ActiveCounts()
	assert.Zero(t, dn, "all streams must be marked done once Run returns")
}

func TestEngineStopsOnContextCancel(t *testing.T) {
	srv := chunkServer(make([]byte, 1<<20))
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, Options{URL: srv.URL, StreamCount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestEngineHandlesNon200WithoutPanicking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, Options{URL: srv.URL, StreamCount: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Run(ctx))
}

func TestApplyBackoffFactorIsNoopWithoutPacing(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, Options{URL: "http://example.invalid", StreamCount: 1})
	eng.ApplyBackoffFactor(0.5) // must not panic with bucket == nil
}

func TestApplyBackoffFactorScalesPacingBucket(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, Options{URL: "http://example.invalid", StreamCount: 1, TargetBytesPerSec: 1000})
	require.NotNil(t, eng.bucket)
	require.NotPanics(t, func() { eng.ApplyBackoffFactor(0.5) })
}

func TestSetReserveFractionIsNoopWithoutPacing(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, Options{URL: "http://example.invalid", StreamCount: 1})
	eng.SetReserveFraction(0.2) // must not panic with bucket == nil
}

func TestSetReserveFractionUpdatesPacingBucket(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	streams := streammgr.New(bus)
	eng := New(streams, Options{URL: "http://example.invalid", StreamCount: 1, TargetBytesPerSec: 1000})
	require.NotNil(t, eng.bucket)
	eng.SetReserveFraction(0.3)
	assert.InDelta(t, 0.3, eng.bucket.ReserveFraction(), 1e-9)
}
