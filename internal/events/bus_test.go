package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls int32
	var wg sync.WaitGroup
	wg.Add(2)
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(EventRconConnected, name, func(ctx context.Context, e Event) error {
			defer wg.Done()
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, "rcon", e.Source)
			return nil
		})
	}

	bus.Emit(context.Background(), Event{Type: EventRconConnected, Source: "rcon"})
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmitDoesNotBlockOnSlowHandler(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	bus.Subscribe(EventRconMessage, "slow", func(ctx context.Context, e Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(context.Background(), Event{Type: EventRconMessage})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow handler")
	}
	close(release)
	bus.Stop()
}

func TestSubscribeOrderedPreservesEmitOrder(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []EventType
	bus.SubscribeOrdered(
		[]EventType{EventRconConnected, EventRconMessage, EventRconDisconnected},
		"console", 16,
		func(ctx context.Context, e Event) error {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
			return nil
		},
	)
	assert.Equal(t, 1, bus.HandlerCount(EventRconMessage))

	want := []EventType{EventRconConnected, EventRconMessage, EventRconMessage, EventRconDisconnected}
	for _, et := range want {
		bus.Emit(context.Background(), Event{Type: et})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestSubscribeOrderedDropsWhenMailboxFull(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	var delivered int32

	bus.SubscribeOrdered([]EventType{EventRconMessage}, "stuck", 1, func(ctx context.Context, e Event) error {
		<-release
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	for i := 0; i < 10; i++ {
		bus.Emit(context.Background(), Event{Type: EventRconMessage})
	}
	close(release)
	bus.Stop()

	// One in the handler, at most one buffered; the rest are dropped.
	assert.LessOrEqual(t, atomic.LoadInt32(&delivered), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&delivered), int32(1))
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventConfigChanged, "ok", func(ctx context.Context, e Event) error { return nil })
	bus.Subscribe(EventConfigChanged, "fails", func(ctx context.Context, e Event) error { return boom })

	err := bus.EmitSync(context.Background(), Event{Type: EventConfigChanged})
	assert.ErrorIs(t, err, boom)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventShutdown, "panics", func(ctx context.Context, e Event) error {
		panic("handler bug")
	})

	require.NotPanics(t, func() {
		require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))
	})
	bus.Stop()
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()
	var calls int32
	bus.Subscribe(EventRosterUpdated, "x", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Unsubscribe(EventRosterUpdated, "x")
	assert.Equal(t, 0, bus.HandlerCount(EventRosterUpdated))

	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("StopCh not closed")
	}

	bus.Emit(context.Background(), Event{Type: EventRosterUpdated})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventRosterUpdated}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestStopWaitsForEveryStartedHandler(t *testing.T) {
	for round := 0; round < 50; round++ {
		bus := NewEventBus()

		var started, finished int32
		bus.Subscribe(EventRconMessage, "count", func(ctx context.Context, e Event) error {
			atomic.AddInt32(&started, 1)
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&finished, 1)
			return nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					bus.Emit(context.Background(), Event{Type: EventRconMessage})
				}
			}()
		}

		bus.Stop()
		// Every handler already started when Stop returned has finished.
		assert.Equal(t, atomic.LoadInt32(&started), atomic.LoadInt32(&finished), "round %d", round)

		wg.Wait()
		// Emits after Stop start nothing new.
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, atomic.LoadInt32(&started), atomic.LoadInt32(&finished), "round %d", round)
	}
}

func TestSubscribeOrderedAfterStopIsInert(t *testing.T) {
	bus := NewEventBus()
	bus.Stop()

	bus.SubscribeOrdered([]EventType{EventRconMessage}, "late", 4, func(ctx context.Context, e Event) error {
		t.Error("handler called on a stopped bus")
		return nil
	})
	assert.Equal(t, 0, bus.HandlerCount(EventRconMessage))
	bus.Emit(context.Background(), Event{Type: EventRconMessage})
}
