// Package uploadeng implements UploadEngine (C4): maintains up to
// pending_per_stream concurrent POSTs per stream from a pre-generated chunk
// pool, with back-pressure and pacing (§4.4). Grounded on
// uwn/throughput.go's upload worker (fixed-size payload, POST loop, sleep on
// non-200) generalized with the explicit back-pressure state machine and
// latency-aware pacing the spec requires, neither of which the teacher
// implements.
package uploadeng

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/chunkpool"
	"github.com/uwnlabs/bbcore/internal/ratelog"
	"github.com/uwnlabs/bbcore/internal/streammgr"
	"github.com/uwnlabs/bbcore/internal/wire"
	"github.com/uwnlabs/bbcore/model"
)

// MaxConsecutiveErrors triggers a pending-count reduction per §4.4.
const MaxConsecutiveErrors = 3

// HardCapBytes bounds any single request body (default 4 MiB, §4.4).
const HardCapBytes = 4 << 20

// ChunksPerRequest is the number of pool chunks concatenated per POST.
const ChunksPerRequest = 1

// PhaseSource is the minimal accessor the engine needs from PhaseController.
type PhaseSource interface {
	CurrentPhase() (model.Phase, bool)
}

// Options configures an upload run.
type Options struct {
	URL              string
	StreamCount      int
	PendingPerStream int
	ChunkSizeBytes   int
	UploadDelayMs    int
	Pool             *chunkpool.Pool
	Phase            PhaseSource
	Logger           zerolog.Logger
}

// params is the live, per-engine adaptive state mutated by the back-
// pressure protocol and latency-aware pacing. All access goes through
// atomics because it is read and mutated concurrently: per-request
// goroutines apply back-pressure, the latency-event subscriber applies
// latency-aware pacing, and the App shell applies backoff factors.
type params struct {
	pending   atomic.Int64
	delayMs   atomic.Int64
	chunkSize atomic.Int64
}

// Engine drives up to Options.PendingPerStream concurrent POSTs per stream.
type Engine struct {
	opts    Options
	streams *streammgr.Manager
	client  *http.Client
	bus     *events.Bus
	limiter *ratelog.Limiter

	p params

	frozen atomic.Bool // true during Bidirectional: parameters do not adapt

	errMu           sync.Mutex
	consecutiveErrs int

	latencyMu     sync.Mutex
	recentRTTs    []float64
	trailingRTTs  []float64
	adaptiveThreshold float64

	unsubscribe func()
}

// New creates an Engine. bus, if non-nil, is subscribed to latency:measurement
// so the engine can apply §4.4's latency-aware pacing.
func New(streams *streammgr.Manager, bus *events.Bus, opts Options) *Engine {
	if opts.StreamCount <= 0 {
		opts.StreamCount = model.FixedStreamCount
	}
	if opts.PendingPerStream <= 0 {
		opts.PendingPerStream = 1
	}
	if opts.ChunkSizeBytes <= 0 {
		opts.ChunkSizeBytes = 256 << 10
	}
	if opts.Pool == nil {
		opts.Pool = chunkpool.New(0)
	}

	transport := wire.NewLoadTransport(opts.StreamCount * opts.PendingPerStream)
	client := &http.Client{Transport: transport}

	e := &Engine{
		opts:    opts,
		streams: streams,
		client:  client,
		bus:     bus,
		limiter: ratelog.New(time.Second, 3),
	}
	e.p.pending.Store(int64(opts.PendingPerStream))
	e.p.delayMs.Store(int64(opts.UploadDelayMs))
	e.p.chunkSize.Store(int64(opts.ChunkSizeBytes))

	if bus != nil {
		e.subscribeLatency()
	}
	return e
}

// Pending, DelayMs and ChunkSize expose the engine's live adaptive
// parameters, chiefly for tests and for WarmupOptimizer's Stage C to read
// back the state a trial converged to.
func (e *Engine) Pending() int    { return int(e.p.pending.Load()) }
func (e *Engine) DelayMs() int    { return int(e.p.delayMs.Load()) }
func (e *Engine) ChunkSize() int  { return int(e.p.chunkSize.Load()) }

// Freeze fixes all adaptive parameters; used when entering Bidirectional,
// where §4.4 requires the engine "MUST NOT apply these reductions".
func (e *Engine) Freeze()   { e.frozen.Store(true) }
func (e *Engine) Unfreeze() { e.frozen.Store(false) }

// Close releases the engine's idle connections. The latency:measurement
// handler registered by New stays on the bus after Close; events.Bus has no
// way to remove a handler.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.client.CloseIdleConnections()
}

// Run opens opts.StreamCount streams and blocks until ctx is cancelled or
// every stream's loop exits.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.StreamCount; i++ {
		g.Go(func() error {
			e.runStream(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) runStream(ctx context.Context) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := e.streams.Register(model.DirUpload, cancel)
	defer e.streams.MarkDone(s)
	e.streams.Activate(s)

	var offset int

	for {
		select {
		case <-streamCtx.Done():
			return
		default:
		}

		pending := int(e.p.pending.Load())
		if pending < 1 {
			pending = 1
		}

		var wg sync.WaitGroup
		for w := 0; w < pending; w++ {
			select {
			case <-streamCtx.Done():
				wg.Wait()
				return
			default:
			}
			wg.Add(1)
			chunkSize := int(e.p.chunkSize.Load())
			if chunkSize*ChunksPerRequest > HardCapBytes {
				chunkSize = HardCapBytes / ChunksPerRequest
			}
			reqOffset := offset
			offset += chunkSize
			go func() {
				defer wg.Done()
				body := e.opts.Pool.Chunk(reqOffset, chunkSize, nil)
				e.doPost(streamCtx, s, body)
			}()
		}
		wg.Wait()

		delay := int(e.p.delayMs.Load())
		jitter := rand.Intn(21) // 0-20ms jitter, §4.4
		wait := time.Duration(delay+jitter) * time.Millisecond
		if wait > 0 {
			select {
			case <-streamCtx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (e *Engine) doPost(ctx context.Context, s *streammgr.Stream, body []byte) {
	reader := &wire.CountingReader{
		R: bytes.NewReader(body),
		OnRead: func(n int) {
			e.streams.RecordBytes(s, int64(n))
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.URL, reader)
	if err != nil {
		return
	}
	wire.SetUploadHeaders(req)
	req.ContentLength = int64(len(body))

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return // expected cancellation
		}
		e.onTransportError(s, err)
		return
	}
	rtt := time.Since(start)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		e.onSuccess(rtt)
	case resp.StatusCode == 413, resp.StatusCode == 429, resp.StatusCode >= 500:
		e.onBackpressure(s, resp.StatusCode)
	default:
		e.onSuccess(rtt)
	}
}

// onSuccess resets the consecutive-error counter and feeds the recent/
// trailing response-time trackers used by §4.4's "recent mean exceeds 1.5x
// trailing mean" rule.
func (e *Engine) onSuccess(rtt time.Duration) {
	e.errMu.Lock()
	e.consecutiveErrs = 0
	e.errMu.Unlock()

	if e.frozen.Load() {
		return
	}

	ms := float64(rtt.Microseconds()) / 1000.0
	e.latencyMu.Lock()
	e.recentRTTs = appendCapped(e.recentRTTs, ms, 5)
	e.trailingRTTs = appendCapped(e.trailingRTTs, ms, 30)
	recentMean := mean(e.recentRTTs)
	trailingMean := mean(e.trailingRTTs)
	e.latencyMu.Unlock()

	if trailingMean > 100 && recentMean > 1.5*trailingMean {
		e.reducePendingAndDelay(1.2)
	}
}

func appendCapped(s []float64, v float64, cap int) []float64 {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

func mean(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

// onBackpressure applies §4.4's back-pressure protocol for a 413/429/5xx
// response.
func (e *Engine) onBackpressure(s *streammgr.Stream, status int) {
	if e.limiter.Allow(status) {
		e.opts.Logger.Warn().Int("status", status).Int64("stream_id", s.ID()).Msg("upload backpressure")
	}

	if e.frozen.Load() {
		return
	}

	e.halvePending()
	e.doubleDelay()
	if status == 413 {
		e.halveChunkSize()
	}

	e.errMu.Lock()
	e.consecutiveErrs++
	exceeded := e.consecutiveErrs >= MaxConsecutiveErrors
	if exceeded {
		e.consecutiveErrs = 0
	}
	e.errMu.Unlock()
	if exceeded {
		e.reducePending(1)
	}
}

func (e *Engine) onTransportError(s *streammgr.Stream, err error) {
	if e.limiter.Allow("transport") {
		e.opts.Logger.Warn().Err(err).Int64("stream_id", s.ID()).Msg("upload transport failed")
	}
}

func (e *Engine) halvePending() {
	for {
		cur := e.p.pending.Load()
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if e.p.pending.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (e *Engine) reducePending(by int64) {
	for {
		cur := e.p.pending.Load()
		next := cur - by
		if next < 1 {
			next = 1
		}
		if e.p.pending.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (e *Engine) reducePendingAndDelay(delayMultiplier float64) {
	e.reducePending(1)
	for {
		cur := e.p.delayMs.Load()
		next := int64(float64(cur) * delayMultiplier)
		if next == cur {
			next = cur + 1
		}
		if next > 500 {
			next = 500
		}
		if e.p.delayMs.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (e *Engine) doubleDelay() {
	for {
		cur := e.p.delayMs.Load()
		next := cur * 2
		if next == 0 {
			next = 1
		}
		if next > 500 {
			next = 500
		}
		if e.p.delayMs.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (e *Engine) halveChunkSize() {
	for {
		cur := e.p.chunkSize.Load()
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if e.p.chunkSize.CompareAndSwap(cur, next) {
			return
		}
	}
}

// ApplyBackoffFactor scales pending_per_stream down by factor, applied by
// the App shell when a force_backoff control event fires for this direction
// (§4.6). Frozen engines (Bidirectional) ignore it, matching §4.4's "MUST
// NOT apply these reductions" rule.
func (e *Engine) ApplyBackoffFactor(factor float64) {
	if e.frozen.Load() || factor <= 0 || factor >= 1 {
		return
	}
	for {
		cur := e.p.pending.Load()
		next := int64(float64(cur) * factor)
		if next < 1 {
			next = 1
		}
		if e.p.pending.CompareAndSwap(cur, next) {
			return
		}
	}
}

// subscribeLatency wires §4.4's "latency-aware pacing": when a
// latency:measurement event's rtt_ms exceeds an adaptive threshold,
// increase upload_delay_ms geometrically and reduce pending count, except
// during Bidirectional where parameters are frozen.
func (e *Engine) subscribeLatency() {
	e.bus.Subscribe(events.LatencyMeasured, func(ev events.Event) {
		payload, ok := ev.Payload.(events.LatencyPayload)
		if !ok {
			return
		}
		if e.opts.Phase != nil {
			if phase, ok := e.opts.Phase.CurrentPhase(); ok && phase == model.Bidirectional {
				return
			}
		}
		if e.frozen.Load() {
			return
		}

		e.latencyMu.Lock()
		if e.adaptiveThreshold == 0 {
			e.adaptiveThreshold = 200 // seeded; the App shell refines via SetLatencyThreshold
		}
		threshold := e.adaptiveThreshold
		e.latencyMu.Unlock()

		if payload.Latency <= threshold {
			return
		}

		e.doubleDelay()
		e.reducePending(1)
	})
}

// SetLatencyThreshold lets the App shell install the logarithmic threshold
// computed in §4.7 (warmup.LatencyThreshold) instead of the engine's seed
// default.
func (e *Engine) SetLatencyThreshold(ms float64) {
	e.latencyMu.Lock()
	e.adaptiveThreshold = ms
	e.latencyMu.Unlock()
}
