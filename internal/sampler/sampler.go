// Package sampler implements ThroughputSampler (C5): on a fixed cadence,
// reads per-stream byte counters from streammgr and produces smoothed,
// phase-tagged throughput samples (§4.5). The ring-buffer shape used for
// the moving-average window is grounded on
// joeycumines-go-utilpkg/catrate/ring.go's small generic ring buffer,
// simplified to a fixed-capacity slice since the sampler only ever needs
// the most recent 5 raw samples rather than catrate's resizable buffer.
package sampler

import (
	"sync"
	"time"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/internal/ringbuf"
	"github.com/uwnlabs/bbcore/internal/streammgr"
	"github.com/uwnlabs/bbcore/model"
)

// MeasurementInterval is the default tick cadence (§4.5).
const MeasurementInterval = 500 * time.Millisecond

const (
	emaAlpha          = 0.3
	movingAvgWindow   = 5
	outlierFloorMbps  = 1.0
	outlierMultiplier = 5.0
	maxZeroTicks      = 3
	decayFactor       = 0.9
)

// PhaseSource is the minimal accessor the sampler needs from PhaseController.
type PhaseSource interface {
	CurrentPhase() (model.Phase, bool)
}

// direction-local rolling state.
type dirState struct {
	lastSnapshot map[int64]int64
	rawWindow    *ringbuf.Ring[float64] // last movingAvgWindow raw samples
	smoothed     float64
	zeroTicks    int
	haveSmoothed bool
}

func newDirState() *dirState {
	return &dirState{
		lastSnapshot: make(map[int64]int64),
		rawWindow:    ringbuf.New[float64](movingAvgWindow),
	}
}

func (d *dirState) pushRaw(v float64) {
	d.rawWindow.Push(v)
}

func (d *dirState) movingAverage() float64 {
	values := d.rawWindow.Values()
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Sampler runs the periodic tick and publishes one throughput:sample event
// per direction per tick. Both directions share that single event kind; the
// payload's Direction field says which one a sample belongs to.
type Sampler struct {
	bus     *events.Bus
	streams *streammgr.Manager
	phase   PhaseSource
	start   time.Time

	interval time.Duration

	mu    sync.Mutex
	state map[model.Direction]*dirState

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Sampler. start is the test's monotonic origin, used to
// compute elapsed_since_test_start.
func New(bus *events.Bus, streams *streammgr.Manager, phase PhaseSource, start time.Time) *Sampler {
	return &Sampler{
		bus:      bus,
		streams:  streams,
		phase:    phase,
		start:    start,
		interval: MeasurementInterval,
		state: map[model.Direction]*dirState{
			model.DirDownload: newDirState(),
			model.DirUpload:   newDirState(),
		},
	}
}

// Start begins the periodic tick loop on its own goroutine. Stop halts it.
func (s *Sampler) Start() {
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Sampler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *Sampler) tick() {
	now := time.Now()
	elapsed := now.Sub(s.start)
	phase, _ := s.phase.CurrentPhase()

	for _, dir := range []model.Direction{model.DirDownload, model.DirUpload} {
		s.sampleDirection(dir, phase, now, elapsed)
	}
}

func (s *Sampler) sampleDirection(dir model.Direction, phase model.Phase, now time.Time, elapsed time.Duration) {
	snapshot := s.streams.Snapshot(dir)

	s.mu.Lock()
	st := s.state[dir]

	var intervalBytes int64
	var total int64
	for id, bytes := range snapshot {
		total += bytes
		prev, ok := st.lastSnapshot[id]
		if !ok {
			// Newly observed stream this tick: count bytes since creation as
			// this interval's contribution; there is no earlier snapshot to
			// diff against.
			intervalBytes += bytes
			continue
		}
		delta := bytes - prev
		if delta < 0 {
			// Counter-reset safety (§8 property 7): treat the current total
			// as the delta for this single-event reset.
			delta = bytes
		}
		intervalBytes += delta
	}
	st.lastSnapshot = snapshot

	var sample events.ThroughputPayload
	sample.Direction = dir
	sample.Time = int64(elapsed)
	sample.Phase = phase
	sample.IsOutOfPhase = model.OutOfPhase(dir, phase)
	sample.SessionBytes = total

	if intervalBytes == 0 {
		st.zeroTicks++
	} else {
		st.zeroTicks = 0
	}

	if st.zeroTicks > maxZeroTicks && st.haveSmoothed {
		// Decayed interpolated sample to preserve timeline continuity (§4.5
		// step 7).
		decayed := st.smoothed
		for i := 0; i < st.zeroTicks-maxZeroTicks; i++ {
			decayed *= decayFactor
		}
		st.smoothed = decayed
		sample.Throughput = 0
		sample.SmoothedThroughput = decayed
		sample.Interpolated = true
		s.mu.Unlock()
		s.bus.Publish(events.Event{Kind: events.ThroughputSample, Payload: sample})
		return
	}

	rawMbps := float64(intervalBytes) * 8 / (s.interval.Seconds() * 1e6)

	// Outlier cap (§4.5 step 4).
	if st.haveSmoothed && st.smoothed > outlierFloorMbps && rawMbps > outlierMultiplier*st.smoothed {
		rawMbps = outlierMultiplier * st.smoothed
	}

	st.pushRaw(rawMbps)
	ma := st.movingAverage()

	if !st.haveSmoothed {
		st.smoothed = ma
		st.haveSmoothed = true
	} else {
		st.smoothed = emaAlpha*ma + (1-emaAlpha)*st.smoothed
	}

	sample.Throughput = rawMbps
	sample.SmoothedThroughput = st.smoothed
	sample.Interpolated = false

	s.mu.Unlock()

	s.bus.Publish(events.Event{Kind: events.ThroughputSample, Payload: sample})
}
