package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(TestStart, func(ev Event) { received <- ev })

	bus.Publish(Event{Kind: TestStart})

	select {
	case ev := <-received:
		assert.Equal(t, TestStart, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	var count int
	for i := 0; i < 3; i++ {
		bus.Subscribe(TestComplete, func(Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	bus.Publish(Event{Kind: TestComplete})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, time.Second, 5*time.Millisecond)
}

func TestHandlersRunInPublishOrder(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	var mu sync.Mutex
	var order []int
	bus.Subscribe(ThroughputSample, func(ev Event) {
		p := ev.Payload.(int)
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Kind: ThroughputSample, Payload: i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestCloseDrainsQueuedEventsBeforeStopping(t *testing.T) {
	bus := NewBus(8)
	received := make(chan Event, 1)
	bus.Subscribe(TestComplete, func(ev Event) { received <- ev })

	bus.Publish(Event{Kind: TestComplete})
	bus.Close()

	select {
	case ev := <-received:
		assert.Equal(t, TestComplete, ev.Kind)
	default:
		t.Fatal("Close must drain queued events before the dispatch loop exits")
	}
}

func TestUnsubscribedKindIsIgnoredSilently(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()
	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: StreamReset})
	})
}
