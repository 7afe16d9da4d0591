package streammgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uwnlabs/bbcore/events"
	"github.com/uwnlabs/bbcore/model"
)

func newTestManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	return New(bus), bus
}

func TestRegisterActivateRecordBytes(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Register(model.DirDownload, func() {})
	assert.Equal(t, Creating, s.State())

	m.Activate(s)
	assert.Equal(t, Active, s.State())

	m.RecordBytes(s, 100)
	m.RecordBytes(s, 50)
	assert.EqualValues(t, 150, s.BytesTransferred())

	dn, up := m.ActiveCounts()
	assert.Equal(t, 1, dn)
	assert.Equal(t, 0, up)
}

func TestRecordBytesNoopAfterTerminated(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Register(model.DirUpload, func() {})
	m.MarkDone(s)
	m.RecordBytes(s, 500)
	assert.Zero(t, s.BytesTransferred())
}

func TestMarkDoneIsIdempotentAndRemovesFromRegistry(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Register(model.DirDownload, func() {})
	m.MarkDone(s)
	m.MarkDone(s) // must not double-close done or panic
	dn, _ := m.ActiveCounts()
	assert.Zero(t, dn)
}

func TestTerminateCallsCancelAndWaitsForDone(t *testing.T) {
	m, _ := newTestManager(t)
	var cancelled bool
	s := m.Register(model.DirDownload, func() { cancelled = true })
	m.Activate(s)

	go func() {
		time.Sleep(5 * time.Millisecond)
		m.MarkDone(s)
	}()

	err := m.Terminate(s)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestTerminateAllIsIdempotentOnEmptyRegistry(t *testing.T) {
	m, _ := newTestManager(t)
	m.TerminateAll() // empty registry: must return immediately
	s := m.Register(model.DirDownload, func() {})
	m.MarkDone(s)
	m.TerminateAll() // registry now empty again
}

func TestTerminateAllWaitsForEveryStream(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 5; i++ {
		s := m.Register(model.DirDownload, func() {})
		go func(s *Stream) {
			time.Sleep(2 * time.Millisecond)
			m.MarkDone(s)
		}(s)
	}
	done := make(chan struct{})
	go func() {
		m.TerminateAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TerminateAll did not return")
	}
	dn, up := m.ActiveCounts()
	assert.Zero(t, dn)
	assert.Zero(t, up)
}

func TestEmergencyCleanupForceRemovesAndPublishesReset(t *testing.T) {
	m, bus := newTestManager(t)
	reset := make(chan struct{}, 1)
	bus.Subscribe(events.StreamReset, func(events.Event) {
		select {
		case reset <- struct{}{}:
		default:
		}
	})

	var cancelCount int
	s1 := m.Register(model.DirDownload, func() { cancelCount++ })
	s2 := m.Register(model.DirUpload, func() { cancelCount++ })
	_ = s1
	_ = s2

	m.EmergencyCleanup()

	dn, up := m.ActiveCounts()
	assert.Zero(t, dn)
	assert.Zero(t, up)
	assert.Equal(t, 2, cancelCount)

	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("stream:reset was not published")
	}
}

func TestEmergencyCleanupNoopOnEmptyRegistry(t *testing.T) {
	m, bus := newTestManager(t)
	reset := make(chan struct{}, 1)
	bus.Subscribe(events.StreamReset, func(events.Event) {
		reset <- struct{}{}
	})
	m.EmergencyCleanup()
	select {
	case <-reset:
		t.Fatal("stream:reset must not fire when nothing was cleaned up")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSnapshotReflectsDirectionOnly(t *testing.T) {
	m, _ := newTestManager(t)
	d := m.Register(model.DirDownload, func() {})
	u := m.Register(model.DirUpload, func() {})
	m.RecordBytes(d, 10)
	m.RecordBytes(u, 20)

	dlSnap := m.Snapshot(model.DirDownload)
	require.Len(t, dlSnap, 1)
	assert.EqualValues(t, 10, dlSnap[d.ID()])

	ulSnap := m.Snapshot(model.DirUpload)
	require.Len(t, ulSnap, 1)
	assert.EqualValues(t, 20, ulSnap[u.ID()])
}

func TestResetClearsRegistryWithoutTouchingStreams(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(model.DirDownload, func() {})
	m.Reset()
	dn, up := m.ActiveCounts()
	assert.Zero(t, dn)
	assert.Zero(t, up)
}
