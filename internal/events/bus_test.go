package events_test

import (
	"testing"
	"time"

	"github.com/geeluba/ai-blending-control-demo/internal/events"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := events.NewBus[int]()
	defer bus.Close()

	a, unsubA := bus.Subscribe()
	defer unsubA()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	if bus.Len() != 2 {
		t.Fatalf("Len = %d, want 2", bus.Len())
	}
	bus.Publish(1)
	bus.Publish(2)
	for _, ch := range []<-chan int{a, b} {
		if got := recv(t, ch); got != 1 {
			t.Fatalf("first = %d", got)
		}
		if got := recv(t, ch); got != 2 {
			t.Fatalf("second = %d", got)
		}
	}
}

func TestSlowConsumerLosesNothing(t *testing.T) {
	bus := events.NewBus[int]()
	defer bus.Close()

	ch, unsub := bus.Subscribe()
	defer unsub()

	const n = 1000
	for i := 0; i < n; i++ {
		bus.Publish(i)
	}
	for i := 0; i < n; i++ {
		if got := recv(t, ch); got != i {
			t.Fatalf("event %d = %d", i, got)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := events.NewBus[string]()
	defer bus.Close()

	ch, unsub := bus.Subscribe()
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received value after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	if bus.Len() != 0 {
		t.Fatalf("Len = %d after unsubscribe", bus.Len())
	}
	bus.Publish("ignored")
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := events.NewBus[int]()
	ch, unsub := bus.Subscribe()
	bus.Close()
	unsub()

	for range ch {
	}
	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscription on closed bus delivered a value")
	}
}
