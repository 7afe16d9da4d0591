// Package streammgr implements StreamManager (C2): owns the set of active
// download/upload streams, assigns monotonic IDs, tracks bytes, and
// terminates cleanly or forcibly. Grounded on the teacher's worker
// lifecycle in uwn/throughput.go (per-worker goroutines reporting into a
// shared atomic byte counter, a stopCh to signal shutdown, a
// sync.WaitGroup to join), generalized into a proper registry with
// per-stream state instead of one counter per direction.
package streammgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/model"
)

// State is a stream's lifecycle state (§4.8).
type State int

const (
	Creating State = iota
	Active
	Draining
	Terminated
)

// CancelFunc aborts a stream's in-flight I/O and releases its socket. It
// must be idempotent: StreamManager may call it more than once during
// emergency_cleanup.
type CancelFunc func()

// Stream is StreamManager's internal record for one registered stream.
// Engines never mutate a Stream directly; they call RecordBytes and
// Terminate.
type Stream struct {
	id        int64
	direction model.Direction
	created   time.Time

	bytes atomic.Int64

	mu    sync.Mutex
	state State
	cancel CancelFunc
	done   chan struct{} // closed once the stream's I/O future resolves
}

// ID returns the stream's monotonic identifier.
func (s *Stream) ID() int64 { return s.id }

// Direction returns the stream's direction.
func (s *Stream) Direction() model.Direction { return s.direction }

// BytesTransferred returns the running total since creation. Monotonically
// non-decreasing while Active or Draining (§3 invariant a).
func (s *Stream) BytesTransferred() int64 { return s.bytes.Load() }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager is the registry of active streams, keyed by StreamID, with a
// per-direction monotonic ID counter (§4.2).
type Manager struct {
	bus *events.Bus

	nextDownloadID atomic.Int64
	nextUploadID   atomic.Int64

	mu        sync.RWMutex
	download  map[int64]*Stream
	upload    map[int64]*Stream
}

// New creates an empty Manager publishing lifecycle events on bus.
func New(bus *events.Bus) *Manager {
	return &Manager{
		bus:      bus,
		download: make(map[int64]*Stream),
		upload:   make(map[int64]*Stream),
	}
}

// Register creates a new Stream in the Creating state for direction d, owned
// by cancel. The caller transitions it to Active once its I/O loop has
// actually started (see Activate), and must close done (via MarkDone) when
// its I/O future resolves.
func (m *Manager) Register(d model.Direction, cancel CancelFunc) *Stream {
	counter := &m.nextDownloadID
	if d == model.DirUpload {
		counter = &m.nextUploadID
	}
	id := counter.Add(1)
	s := &Stream{
		id:        id,
		direction: d,
		created:   time.Now(),
		state:     Creating,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if d == model.DirUpload {
		m.upload[id] = s
	} else {
		m.download[id] = s
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{Kind: events.StreamLifecycle, Payload: events.StreamLifecyclePayload{
		Type:      "created",
		StreamID:  id,
		Direction: d,
		Timestamp: time.Now().UnixNano(),
	}})
	return s
}

// Activate transitions a stream from Creating to Active, once its engine's
// I/O loop is actually running.
func (m *Manager) Activate(s *Stream) {
	s.mu.Lock()
	if s.state == Creating {
		s.state = Active
	}
	s.mu.Unlock()
}

// RecordBytes adds delta to a stream's running total. Called by engines
// only (§4.2). No-op once the stream is Terminated (invariant b: once
// Terminated, no further bytes can be attributed).
func (m *Manager) RecordBytes(s *Stream, delta int64) {
	if delta <= 0 {
		return
	}
	s.mu.Lock()
	terminated := s.state == Terminated
	s.mu.Unlock()
	if terminated {
		return
	}
	s.bytes.Add(delta)
}

// MarkDone closes a stream's done channel and moves it to Terminated,
// removing it from the registry. Engines call this once their per-stream
// goroutine returns, whether from graceful termination, context
// cancellation, or transport failure.
func (m *Manager) MarkDone(s *Stream) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Terminated
	close(s.done)
	s.mu.Unlock()

	m.mu.Lock()
	if s.direction == model.DirUpload {
		delete(m.upload, s.id)
	} else {
		delete(m.download, s.id)
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{Kind: events.StreamLifecycle, Payload: events.StreamLifecyclePayload{
		Type:      "terminated",
		StreamID:  s.id,
		Direction: s.direction,
		Timestamp: time.Now().UnixNano(),
	}})
}

// Terminate begins graceful shutdown of one stream: it calls the stream's
// cancel handle and waits (up to the 30s hard cap in §4.2) for its I/O
// future to resolve via MarkDone. If the hard cap elapses first, Terminate
// returns model.ErrLeakedStream and the caller is expected to invoke
// EmergencyCleanup.
func (m *Manager) Terminate(s *Stream) error {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return nil
	}
	if s.state != Draining {
		s.state = Draining
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return model.ErrLeakedStream
	}
}

// TerminateAll performs graceful shutdown of every registered stream,
// concurrently, waiting for each. Calling TerminateAll twice in succession
// is idempotent: the second call observes an empty registry and returns
// immediately with no further events (§8).
func (m *Manager) TerminateAll() {
	streams := m.allStreams()
	if len(streams) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			_ = m.Terminate(s)
		}(s)
	}
	wg.Wait()
}

// EmergencyCleanup cancels every remaining registered stream's handle
// without waiting, force-removes it from the registry, and emits
// stream:reset. Used when TerminateAll leaves residuals (§4.2, §7
// LeakedStream). Must complete within the 100ms bound the App shell
// enforces by calling it directly rather than through Terminate's 30s path.
func (m *Manager) EmergencyCleanup() {
	streams := m.allStreams()
	for _, s := range streams {
		s.mu.Lock()
		cancel := s.cancel
		alreadyDone := s.state == Terminated
		s.mu.Unlock()
		if alreadyDone {
			continue
		}
		if cancel != nil {
			cancel()
		}
		m.MarkDone(s)
	}
	if len(streams) > 0 {
		m.bus.Publish(events.Event{Kind: events.StreamReset, Payload: events.StreamResetPayload{
			Timestamp: time.Now().UnixNano(),
		}})
	}
}

func (m *Manager) allStreams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Stream, 0, len(m.download)+len(m.upload))
	for _, s := range m.download {
		out = append(out, s)
	}
	for _, s := range m.upload {
		out = append(out, s)
	}
	return out
}

// ActiveCounts returns (download_n, upload_n). After test:complete resolves
// this must be (0, 0) (§8 invariant 4).
func (m *Manager) ActiveCounts() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.download), len(m.upload)
}

// Snapshot returns a stable, read-only view of every registered stream's
// byte counter for a direction, so ThroughputSampler can read a consistent
// per-stream snapshot (§4.2 invariant 2) without holding the registry lock
// for the duration of its own computation.
func (m *Manager) Snapshot(d model.Direction) map[int64]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.download
	if d == model.DirUpload {
		src = m.upload
	}
	out := make(map[int64]int64, len(src))
	for id, s := range src {
		out[id] = s.BytesTransferred()
	}
	return out
}

// Reset clears the registry without touching any stream's goroutines; it is
// intended for tests, not for live cleanup (use TerminateAll/EmergencyCleanup
// instead).
func (m *Manager) Reset() {
	m.mu.Lock()
	m.download = make(map[int64]*Stream)
	m.upload = make(map[int64]*Stream)
	m.mu.Unlock()
}
