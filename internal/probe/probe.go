// Package probe implements LatencyProbe (C6): runs on its own goroutine
// with its own HTTP transport (independent of the load engines' connection
// pool, per §4.6), issuing serial RTT measurements and reporting successes
// and timeouts. Grounded on uwn/latency.go's sequential-ping loop (warmup
// ping, then N timed pings, skip-on-failure) and on throughput.go's
// dedicated "probeClient" used during saturation so the probe is never
// starved by load I/O.
package probe

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/wire"
	"github.com/uwnlabs/bbcore/model"
)

// State is the probe's run state (§4.6 state machine).
type State int32

const (
	Idle State = iota
	Running
	TempBackoff
	Stopped
)

// PhaseSource is the minimal accessor the probe needs from PhaseController.
type PhaseSource interface {
	CurrentPhase() (model.Phase, bool)
}

// Probe issues serial GETs to the ping endpoint at a fixed attempt timeout,
// publishing counter-free latency:raw events (the App shell republishes them
// as latency:measurement). It MUST NOT share its transport
// with the load engines (§4.6, §5).
type Probe struct {
	bus     *events.Bus
	phase   PhaseSource
	client  *http.Client
	pingURL string
	start   time.Time

	attemptTimeout time.Duration
	interval       time.Duration

	state atomic.Int32

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options configures a Probe.
type Options struct {
	PingURL        string
	AttemptTimeout time.Duration // hard per-attempt timeout
	Interval       time.Duration // delay between successive probes
}

// DefaultOptions returns the teacher-style defaults: 3s attempt timeout (the
// same bound uwn/discovery.go uses for its ping RTT probes), 200ms between
// probes so the loop produces several measurements per phase without
// flooding the ping endpoint.
func DefaultOptions(pingURL string) Options {
	return Options{
		PingURL:        pingURL,
		AttemptTimeout: 3 * time.Second,
		Interval:       200 * time.Millisecond,
	}
}

// New creates a Probe with its own dedicated transport.
func New(bus *events.Bus, phase PhaseSource, start time.Time, opts Options) *Probe {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 3 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	client := &http.Client{
		Timeout:   opts.AttemptTimeout,
		Transport: wire.NewProbeTransport(),
	}
	p := &Probe{
		bus:            bus,
		phase:          phase,
		client:         client,
		pingURL:        opts.PingURL,
		start:          start,
		attemptTimeout: opts.AttemptTimeout,
		interval:       opts.Interval,
	}
	p.state.Store(int32(Idle))
	return p
}

// State returns the probe's current run state.
func (p *Probe) State() State { return State(p.state.Load()) }

// Start begins the probe loop on its own goroutine. ctx cancellation stops
// the probe (transitioning to Stopped); it is independent of any load
// context.
func (p *Probe) Start(ctx context.Context) {
	p.state.Store(int32(Running))
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (p *Probe) Stop() {
	if p.stop == nil {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
	p.state.Store(int32(Stopped))
}

func (p *Probe) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.state.Store(int32(Stopped))
			return
		case <-p.stop:
			p.state.Store(int32(Stopped))
			return
		default:
		}

		p.attempt(ctx)

		select {
		case <-ctx.Done():
			p.state.Store(int32(Stopped))
			return
		case <-p.stop:
			p.state.Store(int32(Stopped))
			return
		case <-time.After(p.interval):
		}
	}
}

func (p *Probe) attempt(ctx context.Context) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, p.pingURL, nil)
	if err != nil {
		p.recordTimeout()
		return
	}
	wire.SetProbeHeaders(req)

	sendTime := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.recordTimeout()
		return
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
	rtt := time.Since(sendTime)

	if resp.StatusCode != http.StatusOK {
		p.recordTimeout()
		return
	}

	p.recordSuccess(rtt)
}

// recordTimeout and recordSuccess publish a raw, counter-free signal. The
// consecutive-timeout counter itself is owned by the App shell's dispatch-
// loop handler, not by the probe (§5).
func (p *Probe) recordTimeout() {
	p.state.CompareAndSwap(int32(Running), int32(TempBackoff))

	phase, _ := p.phase.CurrentPhase()
	p.bus.Publish(events.Event{Kind: events.LatencyRaw, Payload: events.LatencyRawPayload{
		IsTimeout: true,
		RTTMs:     model.TimeoutSentinel,
		Phase:     phase,
		Time:      int64(time.Since(p.start)),
	}})
}

func (p *Probe) recordSuccess(rtt time.Duration) {
	p.state.CompareAndSwap(int32(TempBackoff), int32(Running))

	phase, _ := p.phase.CurrentPhase()
	p.bus.Publish(events.Event{Kind: events.LatencyRaw, Payload: events.LatencyRawPayload{
		IsTimeout: false,
		RTTMs:     float64(rtt.Microseconds()) / 1000.0,
		Phase:     phase,
		Time:      int64(time.Since(p.start)),
	}})
}
