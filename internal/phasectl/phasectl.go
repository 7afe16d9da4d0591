// Package phasectl implements PhaseController (C1): advances the test
// through the fixed phase sequence, timestamps transitions, and emits
// phase events. Adapted from the teacher's straight-line phase sequence in
// uwnspeedtest's `run` function (latency → download → upload, each guarded
// by a fatal-error early return) but generalized into an explicit state
// machine with its own invariants, since the original had no notion of
// phase objects, only sequential function calls.
package phasectl

import (
	"sync"
	"time"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/model"
)

// Controller owns at most one ActivePhase at a time. Phase read/write goes
// through a mutex so the ThroughputSampler and LatencyProbe, which may run
// on other goroutines, observe either the old phase or the new phase, never
// an undefined in-between (§4.1).
type Controller struct {
	bus   *events.Bus
	start time.Time

	mu      sync.RWMutex
	current *model.Window
	history []model.Window
}

// New creates a Controller that will publish phase:change events on bus.
func New(bus *events.Bus) *Controller {
	return &Controller{bus: bus}
}

// Initialize records the wall-clock origin all subsequent elapsed times are
// measured against.
func (c *Controller) Initialize(testStart time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = testStart
}

func (c *Controller) elapsed(now time.Time) time.Duration {
	if c.start.IsZero() {
		return 0
	}
	return now.Sub(c.start)
}

// CurrentPhase returns the active phase, if any.
func (c *Controller) CurrentPhase() (model.Phase, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return model.Complete, false
	}
	return c.current.Phase, true
}

// PhaseHistory returns the ordered list of completed (and the possibly
// still-active) phase windows.
func (c *Controller) PhaseHistory() []model.Window {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Window, len(c.history))
	copy(out, c.history)
	if c.current != nil {
		out = append(out, *c.current)
	}
	return out
}

// StartPhase ends any current phase (firing phase:end) then begins the
// given phase (firing phase:start). It fails with model.ErrInvalidTransition
// if the current phase's ordering forbids the target, per §4.1 and §4.8:
// there are no back-edges, and aborts go directly to Complete.
func (c *Controller) StartPhase(phase model.Phase) error {
	c.mu.Lock()
	now := time.Now()

	if c.current != nil {
		if !model.CanTransition(c.current.Phase, phase) {
			c.mu.Unlock()
			return model.ErrInvalidTransition
		}
		c.endLocked(now)
	}

	elapsed := c.elapsed(now)
	c.current = &model.Window{Phase: phase, Start: elapsed}
	c.mu.Unlock()

	c.bus.Publish(events.Event{Kind: events.PhaseChange, Payload: events.PhaseChangePayload{
		Type:      "start",
		Phase:     phase,
		Timestamp: int64(now.Sub(c.zeroTime())),
		Elapsed:   int64(elapsed),
	}})
	return nil
}

// EndPhase ends the current phase without starting a successor.
func (c *Controller) EndPhase() {
	c.mu.Lock()
	now := time.Now()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	c.endLocked(now)
	c.mu.Unlock()
}

// endLocked must be called with mu held. It closes c.current, appends it to
// history, and emits phase:end. Safe to publish while holding mu since
// Bus.Publish only enqueues and never blocks on controller state.
func (c *Controller) endLocked(now time.Time) {
	w := *c.current
	w.End = c.elapsed(now)
	c.history = append(c.history, w)
	c.current = nil

	c.bus.Publish(events.Event{Kind: events.PhaseChange, Payload: events.PhaseChangePayload{
		Type:      "end",
		Phase:     w.Phase,
		Timestamp: int64(now.Sub(c.zeroTime())),
		Elapsed:   int64(w.End),
	}})
}

func (c *Controller) zeroTime() time.Time {
	if c.start.IsZero() {
		return time.Now()
	}
	return c.start
}
