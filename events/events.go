// Package events implements the typed, single-dispatch-loop event bus that
// replaces the source material's ad-hoc "window object" event bus (§9
// design notes). Every event family is a concrete Go struct; subscribers
// register typed handlers and the Bus guarantees emission-order, run-to-
// completion delivery on one goroutine, matching §5's ordering guarantees.
package events

import (
	"sync"

	"github.com/uwnlabs/bbcore/model"
)

// Kind identifies an event family on the bus.
type Kind string

const (
	TestStart         Kind = "test:start"
	TestPhaseChange   Kind = "test:phaseChange"
	TestComplete      Kind = "test:complete"
	PhaseChange       Kind = "phase:change"
	StreamLifecycle   Kind = "stream:lifecycle"
	StreamReset       Kind = "stream:reset"
	ThroughputSample  Kind = "throughput:sample"
	LatencyRaw        Kind = "latency:raw"
	LatencyMeasured   Kind = "latency:measurement"
	DownloadBackoff   Kind = "download:force_backoff"
	UploadBackoff     Kind = "upload:force_backoff"
	TimeoutBackoff    Kind = "timeout:backoff"
)

// Event is the envelope delivered to handlers. Payload is one of the
// concrete *Payload types declared below; handlers type-assert on Kind.
type Event struct {
	Kind    Kind
	Payload any
}

// PhaseChangePayload carries a phase:change event.
type PhaseChangePayload struct {
	Type      string // "start" or "end"
	Phase     model.Phase
	Timestamp int64 // monotonic nanoseconds since test start
	Elapsed   int64
}

// StreamLifecyclePayload carries a stream:lifecycle event.
type StreamLifecyclePayload struct {
	Type      string // "created", "terminated"
	StreamID  int64
	Direction model.Direction
	Timestamp int64
}

// StreamResetPayload carries a stream:reset event, emitted by
// emergency_cleanup.
type StreamResetPayload struct {
	Timestamp int64
}

// ThroughputPayload carries a throughput:sample event. The same kind is used
// for both directions; Direction identifies the one the sample measures.
type ThroughputPayload struct {
	Direction          model.Direction
	Throughput         float64
	SmoothedThroughput float64
	Time               int64
	Phase              model.Phase
	IsOutOfPhase       bool
	Interpolated       bool
	SessionBytes       int64
}

// LatencyPayload carries a latency:measurement event.
type LatencyPayload struct {
	Latency             float64
	Phase               model.Phase
	Time                int64
	IsTimeout           bool
	ConsecutiveTimeouts int
}

// LatencyRawPayload carries a latency:raw event, published by the probe
// itself. It deliberately omits ConsecutiveTimeouts: per §5, that counter's
// reads and writes are confined to the main task, and the probe "publishes
// timeout events but does not mutate the counter". The App shell's
// dispatch-loop handler (which runs single-threaded on the Bus) owns the
// counter and republishes the enriched LatencyMeasured event.
type LatencyRawPayload struct {
	IsTimeout bool
	RTTMs     float64
	Phase     model.Phase
	Time      int64
}

// BackoffPayload carries a *_force_backoff / timeout:backoff control event.
type BackoffPayload struct {
	BackoffFactor float64
}

// TestPhaseChangePayload carries a test:phaseChange event, the App shell's
// higher-level phase announcement (distinct from phasectl's own phase:change
// start/end pair).
type TestPhaseChangePayload struct {
	Phase model.Phase
}

// Handler processes one event. Handlers run to completion before the next
// is dispatched (§5): a Bus never calls two handlers concurrently.
type Handler func(Event)

// Bus is a single-writer, many-reader event channel. All publishes are
// serialized through one internal dispatch loop goroutine.
type Bus struct {
	mu       sync.Mutex
	handlers map[Kind][]Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBus creates a Bus with the given queue depth and starts its dispatch
// loop. Callers must call Close when the bus is no longer needed.
func NewBus(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	b := &Bus{
		handlers: make(map[Kind][]Handler),
		queue:    make(chan Event, queueDepth),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Subscribe registers a handler for a Kind. Not safe to call concurrently
// with Publish delivery of the same Kind from within a handler; intended to
// be called during wiring, before the test starts.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish enqueues an event for in-order delivery. Publish itself never
// blocks the caller's component logic beyond the channel send; the actual
// handler execution happens on the bus's single dispatch goroutine.
func (b *Bus) Publish(ev Event) {
	select {
	case b.queue <- ev:
	case <-b.done:
	}
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.done:
			// drain remaining queued events before exiting so a
			// test:complete published just before Close is not lost.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	hs := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Close stops the dispatch loop after draining any queued events.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}
