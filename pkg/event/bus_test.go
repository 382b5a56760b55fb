package event

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	e := New(TypeMemoryCaptured)
	e.URN = "subcog://project/decisions/abc123"
	bus.Publish(e)

	select {
	case got := <-ch:
		assert.Equal(t, TypeMemoryCaptured, got.Type)
		assert.Equal(t, e.URN, got.URN)
		assert.NotEmpty(t, got.ID)
		assert.False(t, got.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEachSubscriberGetsACopy(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(New(TypeSearchCompleted))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, TypeSearchCompleted, got.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	// No subscribers: every publish is a drop.
	bus.Publish(New(TypeMemoryCaptured))
	assert.Equal(t, uint64(1), bus.Dropped())

	ch, cancel := bus.Subscribe()
	defer cancel()

	// Fill the buffer and overflow it; the publisher must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(New(TypeStorageError))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, uint64(1+8), bus.Dropped())

	// The two buffered events are still deliverable.
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("buffered event lost")
		}
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	bus.Close() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Publish after close is a counted drop, not a panic.
	bus.Publish(New(TypeMemoryCaptured))
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestMetricsHandler(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, bus)

	ctx, stop := context.WithCancel(context.Background())
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		m.Run(ctx, bus)
	}()

	// Run subscribes inside its goroutine; wait until a probe event is
	// delivered instead of dropped before publishing the counted events.
	require.Eventually(t, func() bool {
		before := bus.Dropped()
		bus.Publish(New(TypeTierAssigned))
		return bus.Dropped() == before
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(New(TypeMemoryCaptured))
	bus.Publish(New(TypeMemoryCaptured))
	blocked := New(TypeCaptureBlocked)
	bus.Publish(blocked)
	se := New(TypeStorageError)
	se.Backend = "index"
	bus.Publish(se)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.captures) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.blocked))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.storageErrors.WithLabelValues("index")))

	stop()
	<-handlerDone
}
