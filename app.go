// Package bbcore is the App shell (§2 "a thin App shell wires them
// together"): it owns TestData, constructs and sequences the seven
// components through the fixed phase timeline, and is the sole writer of
// the consecutive-timeout counter and the phase-specific backoff policy
// (§4.6, §5). Grounded on the teacher's top-level `run` function in
// uwnspeedtest's main package (sequential latency → download → upload
// calls, each checked for a fatal error) generalized into an explicit
// seven-phase timeline with warmup stages and a typed event bus instead of
// bare sequential function calls.
package bbcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/downloadeng"
	"github.com/uwnlabs/bbcore/internal/phasectl"
	"github.com/uwnlabs/bbcore/internal/probe"
	"github.com/uwnlabs/bbcore/internal/sampler"
	"github.com/uwnlabs/bbcore/internal/streammgr"
	"github.com/uwnlabs/bbcore/internal/uploadeng"
	"github.com/uwnlabs/bbcore/internal/warmup"
	"github.com/uwnlabs/bbcore/model"
)

// App-level timeout-backoff thresholds and factors (§4.6).
const (
	uploadWarmupTimeoutThreshold   = 10
	uploadWarmupBackoffFactor      = 0.85
	downloadWarmupTimeoutThreshold = 5
	downloadWarmupBackoffFactor    = 0.75
	genericTimeoutThreshold        = 4
	genericBackoffFactor           = 0.7
)

// Pacing bucket reserve fractions applied from live probe RTT (§4.5's
// "reservation rises under elevated RTT"): elevatedRTTMultiplier*baseline
// (or any probe timeout) raises the reserve; recovery lowers it back down.
const (
	baselineReserveFraction = 0.05
	elevatedReserveFraction = 0.15
	elevatedRTTMultiplier   = 1.5
)

// Options configures a Test.
type Options struct {
	// ServerURL is the test server's base URL. Ignored if Resolver is set.
	ServerURL string
	// Resolver, if set, discovers ServerURL at Run time (§6.1).
	Resolver ServerResolver
	// PingPath is appended to the base URL for the latency probe. Defaults
	// to "/ping".
	PingPath string
	// QueueDepth sizes the event bus's internal queue. Zero uses the bus's
	// own default.
	QueueDepth int
	Logger     zerolog.Logger
}

// Test orchestrates one run of the seven-phase timeline against a single
// server. Not safe for concurrent Run calls; a Test is single-use.
type Test struct {
	opts    Options
	bus     *events.Bus
	data    *TestData
	streams *streammgr.Manager
	phases  *phasectl.Controller
	sampler *sampler.Sampler
	probe   *probe.Probe
	logger  zerolog.Logger

	baseURL string
	start   time.Time

	consecutiveTimeouts int // single-writer: mutated only inside handleLatencyRaw

	engMu          sync.Mutex
	activeDownload *downloadeng.Engine
	activeUpload   *uploadeng.Engine
}

// NewTest creates a Test and wires its internal event handlers. Run must be
// called exactly once.
func NewTest(opts Options) *Test {
	if opts.PingPath == "" {
		opts.PingPath = "/ping"
	}
	bus := events.NewBus(opts.QueueDepth)
	t := &Test{
		opts:    opts,
		bus:     bus,
		data:    NewTestData(),
		streams: streammgr.New(bus),
		phases:  phasectl.New(bus),
		logger:  opts.Logger,
	}
	t.subscribeHandlers()
	return t
}

// Data returns the TestData this run populates. Safe to read concurrently;
// fully populated and frozen once Run returns.
func (t *Test) Data() *TestData { return t.data }

// Bus returns the underlying event bus, for UI/analysis collaborators to
// subscribe to before calling Run.
func (t *Test) Bus() *events.Bus { return t.bus }

// Run resolves the server (if a Resolver was configured), then drives the
// fixed phase sequence to completion. It returns the resolver's error if
// server resolution fails, before any phase starts; once the timeline runs,
// it returns a non-nil error only for model.ErrInvalidTransition (§7 "only
// InvalidTransition aborts the test"); all other failures are recovered
// locally by the component that observed them.
func (t *Test) Run(ctx context.Context) error {
	baseURL, err := t.resolveServer(ctx)
	if err != nil {
		return fmt.Errorf("bbcore: resolving server: %w", err)
	}
	t.baseURL = baseURL
	t.start = time.Now()
	t.phases.Initialize(t.start)

	t.sampler = sampler.New(t.bus, t.streams, t.phases, t.start)
	t.probe = probe.New(t.bus, t.phases, t.start, probe.DefaultOptions(t.pingURL()))

	t.bus.Publish(events.Event{Kind: events.TestStart})
	t.probe.Start(ctx)
	t.sampler.Start()

	err = t.runTimeline(ctx)
	t.complete()

	if err != nil {
		return err
	}
	return nil
}

func (t *Test) runTimeline(ctx context.Context) error {
	if err := t.startPhase(model.Baseline); err != nil {
		return err
	}
	if err := t.sleepPhase(ctx, model.Baseline); err != nil {
		return err
	}

	dp, err := t.runDownloadWarmup(ctx)
	if err != nil {
		return err
	}
	if err := t.runDownload(ctx, dp); err != nil {
		return err
	}
	up, err := t.runUploadWarmup(ctx, dp.PeakObservedMbps)
	if err != nil {
		return err
	}
	if err := t.runUpload(ctx, up); err != nil {
		return err
	}
	if err := t.runBidirectional(ctx, dp, up); err != nil {
		return err
	}
	return nil
}

func (t *Test) runDownloadWarmup(ctx context.Context) (model.OptimalParams, error) {
	if err := t.startPhase(model.DownloadWarmup); err != nil {
		return model.OptimalParams{}, err
	}
	deadline := time.Now().Add(model.PhaseDuration(model.DownloadWarmup))
	opt := warmup.New(t.streams, warmup.Options{
		Direction:         model.DirDownload,
		URL:               t.downloadURL(),
		BaselineLatencyMs: t.data.BaselineLatencyAverage(),
		Deadline:          deadline,
		Logger:            t.logger,
	})
	dp := opt.Run(ctx)
	t.data.setOptimalParams(dp)
	return dp, t.sleepUntil(ctx, deadline)
}

func (t *Test) runUploadWarmup(ctx context.Context, downloadPeakMbps float64) (model.OptimalParams, error) {
	if err := t.startPhase(model.UploadWarmup); err != nil {
		return model.OptimalParams{}, err
	}
	deadline := time.Now().Add(model.PhaseDuration(model.UploadWarmup))
	opt := warmup.New(t.streams, warmup.Options{
		Direction:             model.DirUpload,
		URL:                   t.uploadURL(),
		BaselineLatencyMs:     t.data.BaselineLatencyAverage(),
		PeerDirectionPeakMbps: downloadPeakMbps,
		Deadline:              deadline,
		Logger:                t.logger,
	})
	up := opt.Run(ctx)
	t.data.setOptimalParams(up)
	return up, t.sleepUntil(ctx, deadline)
}

func (t *Test) runDownload(ctx context.Context, dp model.OptimalParams) error {
	if err := t.startPhase(model.Download); err != nil {
		return err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, model.PhaseDuration(model.Download))
	defer cancel()

	eng := downloadeng.New(t.streams, downloadeng.Options{
		URL:               t.downloadURL(),
		StreamCount:       dp.StreamCount,
		TargetBytesPerSec: mbpsToBytesPerSec(dp.PeakObservedMbps),
		Logger:            t.logger,
	})
	t.setActiveDownload(eng)
	defer t.setActiveDownload(nil)

	return eng.Run(phaseCtx)
}

func (t *Test) runUpload(ctx context.Context, up model.OptimalParams) error {
	if err := t.startPhase(model.Upload); err != nil {
		return err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, model.PhaseDuration(model.Upload))
	defer cancel()

	eng := uploadeng.New(t.streams, t.bus, uploadeng.Options{
		URL:              t.uploadURL(),
		StreamCount:      up.StreamCount,
		PendingPerStream: up.PendingPerStream,
		ChunkSizeBytes:   up.ChunkSizeBytes,
		UploadDelayMs:    up.UploadDelayMs,
		Phase:            t.phases,
		Logger:           t.logger,
	})
	eng.SetLatencyThreshold(warmup.LatencyThreshold(t.data.BaselineLatencyAverage(), up.PeakObservedMbps))
	t.setActiveUpload(eng)
	defer func() {
		t.setActiveUpload(nil)
		eng.Close()
	}()

	return eng.Run(phaseCtx)
}

// runBidirectional runs both engines at once with the upload side frozen
// (§4.4 "the engine MUST NOT apply these reductions" during Bidirectional).
func (t *Test) runBidirectional(ctx context.Context, dp, up model.OptimalParams) error {
	if err := t.startPhase(model.Bidirectional); err != nil {
		return err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, model.PhaseDuration(model.Bidirectional))
	defer cancel()

	downEng := downloadeng.New(t.streams, downloadeng.Options{
		URL:               t.downloadURL(),
		StreamCount:       dp.StreamCount,
		TargetBytesPerSec: mbpsToBytesPerSec(dp.PeakObservedMbps),
		Logger:            t.logger,
	})
	upEng := uploadeng.New(t.streams, t.bus, uploadeng.Options{
		URL:              t.uploadURL(),
		StreamCount:      up.StreamCount,
		PendingPerStream: up.PendingPerStream,
		ChunkSizeBytes:   up.ChunkSizeBytes,
		UploadDelayMs:    up.UploadDelayMs,
		Phase:            t.phases,
		Logger:           t.logger,
	})
	upEng.Freeze()

	t.setActiveDownload(downEng)
	t.setActiveUpload(upEng)
	defer func() {
		t.setActiveDownload(nil)
		t.setActiveUpload(nil)
		upEng.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = downEng.Run(phaseCtx) }()
	go func() { defer wg.Done(); _ = upEng.Run(phaseCtx) }()
	wg.Wait()
	return nil
}

// complete runs the shutdown sequence: end the current phase, terminate all
// streams within the 100ms bound before forcing emergency_cleanup, stop the
// sampler and probe, publish test:complete, and freeze TestData.
func (t *Test) complete() {
	t.phases.EndPhase()

	done := make(chan struct{})
	go func() {
		t.streams.TerminateAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}
	if dn, up := t.streams.ActiveCounts(); dn != 0 || up != 0 {
		t.streams.EmergencyCleanup()
	}

	t.sampler.Stop()
	t.probe.Stop()

	t.data.freeze()
	t.bus.Publish(events.Event{Kind: events.TestComplete})
	t.bus.Close()
}

func (t *Test) startPhase(phase model.Phase) error {
	if err := t.phases.StartPhase(phase); err != nil {
		return err
	}
	t.bus.Publish(events.Event{Kind: events.TestPhaseChange, Payload: events.TestPhaseChangePayload{Phase: phase}})
	return nil
}

func (t *Test) sleepPhase(ctx context.Context, phase model.Phase) error {
	select {
	case <-time.After(model.PhaseDuration(phase)):
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (t *Test) sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (t *Test) resolveServer(ctx context.Context) (string, error) {
	if t.opts.Resolver != nil {
		return t.opts.Resolver.DiscoverServer(ctx)
	}
	return t.opts.ServerURL, nil
}

func (t *Test) downloadURL() string { return t.baseURL + "/download" }
func (t *Test) uploadURL() string   { return t.baseURL + "/upload" }
func (t *Test) pingURL() string     { return t.baseURL + t.opts.PingPath }

func (t *Test) setActiveDownload(e *downloadeng.Engine) {
	t.engMu.Lock()
	t.activeDownload = e
	t.engMu.Unlock()
}

func (t *Test) setActiveUpload(e *uploadeng.Engine) {
	t.engMu.Lock()
	t.activeUpload = e
	t.engMu.Unlock()
}

func (t *Test) subscribeHandlers() {
	t.bus.Subscribe(events.LatencyRaw, t.handleLatencyRaw)

	t.bus.Subscribe(events.ThroughputSample, func(ev events.Event) {
		if p, ok := ev.Payload.(events.ThroughputPayload); ok {
			t.data.recordThroughput(p)
		}
	})
	t.bus.Subscribe(events.LatencyMeasured, func(ev events.Event) {
		if p, ok := ev.Payload.(events.LatencyPayload); ok {
			t.data.recordLatency(p)
		}
	})

	t.bus.Subscribe(events.DownloadBackoff, func(ev events.Event) {
		if p, ok := ev.Payload.(events.BackoffPayload); ok {
			t.engMu.Lock()
			eng := t.activeDownload
			t.engMu.Unlock()
			if eng != nil {
				eng.ApplyBackoffFactor(p.BackoffFactor)
			}
		}
	})
	t.bus.Subscribe(events.UploadBackoff, func(ev events.Event) {
		if p, ok := ev.Payload.(events.BackoffPayload); ok {
			t.engMu.Lock()
			eng := t.activeUpload
			t.engMu.Unlock()
			if eng != nil {
				eng.ApplyBackoffFactor(p.BackoffFactor)
			}
		}
	})
	t.bus.Subscribe(events.TimeoutBackoff, func(ev events.Event) {
		p, ok := ev.Payload.(events.BackoffPayload)
		if !ok {
			return
		}
		phase, _ := t.phases.CurrentPhase()
		switch phase {
		case model.Download:
			t.engMu.Lock()
			eng := t.activeDownload
			t.engMu.Unlock()
			if eng != nil {
				eng.ApplyBackoffFactor(p.BackoffFactor)
			}
		case model.Upload:
			t.engMu.Lock()
			eng := t.activeUpload
			t.engMu.Unlock()
			if eng != nil {
				eng.ApplyBackoffFactor(p.BackoffFactor)
			}
		}
	})
}

// handleLatencyRaw owns the consecutive_timeouts counter (§5: "reads and
// writes are confined to the main task") and applies the phase-specific
// backoff policy from §4.6 before republishing the enriched
// latency:measurement event the UI, analysis collaborator, and UploadEngine
// consume.
func (t *Test) handleLatencyRaw(ev events.Event) {
	payload, ok := ev.Payload.(events.LatencyRawPayload)
	if !ok {
		return
	}

	if payload.IsTimeout {
		t.consecutiveTimeouts++
	} else {
		t.consecutiveTimeouts = 0
	}
	atPoint := t.consecutiveTimeouts

	if payload.IsTimeout {
		switch payload.Phase {
		case model.UploadWarmup:
			if atPoint >= uploadWarmupTimeoutThreshold {
				t.consecutiveTimeouts = 0
				t.bus.Publish(events.Event{Kind: events.UploadBackoff, Payload: events.BackoffPayload{BackoffFactor: uploadWarmupBackoffFactor}})
			}
		case model.DownloadWarmup:
			if atPoint >= downloadWarmupTimeoutThreshold {
				t.consecutiveTimeouts = 0
				t.bus.Publish(events.Event{Kind: events.DownloadBackoff, Payload: events.BackoffPayload{BackoffFactor: downloadWarmupBackoffFactor}})
			}
		case model.Bidirectional:
			// frozen parameters: no backoff action, per §4.6.
		default:
			if atPoint >= genericTimeoutThreshold {
				t.consecutiveTimeouts = 0
				t.bus.Publish(events.Event{Kind: events.TimeoutBackoff, Payload: events.BackoffPayload{BackoffFactor: genericBackoffFactor}})
			}
		}
	}

	t.applyReserveFraction(payload)

	t.bus.Publish(events.Event{Kind: events.LatencyMeasured, Payload: events.LatencyPayload{
		Latency:             payload.RTTMs,
		Phase:               payload.Phase,
		Time:                payload.Time,
		IsTimeout:           payload.IsTimeout,
		ConsecutiveTimeouts: atPoint,
	}})
}

// applyReserveFraction raises the active download engine's pacing reserve
// while live RTT is elevated (or timing out) and lowers it back to baseline
// once RTT recovers, so the latency probe keeps a slice of bandwidth during
// saturating load (§4.5).
func (t *Test) applyReserveFraction(payload events.LatencyRawPayload) {
	t.engMu.Lock()
	eng := t.activeDownload
	t.engMu.Unlock()
	if eng == nil {
		return
	}

	baseline := t.data.BaselineLatencyAverage()
	elevated := payload.IsTimeout || (baseline > 0 && payload.RTTMs > baseline*elevatedRTTMultiplier)
	if elevated {
		eng.SetReserveFraction(elevatedReserveFraction)
	} else {
		eng.SetReserveFraction(baselineReserveFraction)
	}
}

func mbpsToBytesPerSec(mbps float64) float64 {
	if mbps <= 0 {
		return 0
	}
	return mbps * 1e6 / 8
}
