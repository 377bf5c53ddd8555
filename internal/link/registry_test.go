package link_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/link"
)

func TestRegistryAddRemove(t *testing.T) {
	r := link.NewRegistry(zap.NewNop())
	var hits atomic.Int32
	l := link.NewListener(func(string, string) { hits.Add(1) })

	r.Add(l)
	r.Broadcast("PLAY", "a")
	if !r.Remove(l) {
		t.Fatal("Remove returned false for a registered listener")
	}
	if r.Remove(l) {
		t.Fatal("Remove returned true twice")
	}
	r.Broadcast("PLAY", "a")
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestRegistryPanickingListenerIsSkipped(t *testing.T) {
	r := link.NewRegistry(zap.NewNop())
	var hits atomic.Int32
	r.Add(link.NewListener(func(string, string) { panic("boom") }))
	r.Add(link.NewListener(func(string, string) { hits.Add(1) }))
	r.Broadcast("PLAY", "a")
	if hits.Load() != 1 {
		t.Fatal("listener after the panicking one was not called")
	}
}

func TestRegistryConcurrentMutationDuringBroadcast(t *testing.T) {
	r := link.NewRegistry(zap.NewNop())
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Broadcast("PING", "peer")
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l := link.NewListener(func(string, string) {})
				r.Add(l)
				r.Remove(l)
			}
		}()
	}

	// A listener that removes itself while being broadcast to.
	var self link.Listener
	self = link.NewListener(func(string, string) { r.Remove(self) })
	r.Add(self)

	close(stop)
	wg.Wait()
	r.Broadcast("LAST", "peer")
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

// funcValueListener is a func type, so interface comparison on it panics.
type funcValueListener func(command, senderID string)

func (f funcValueListener) OnCommand(command, senderID string) { f(command, senderID) }

type sliceListener struct{ seen []string }

func (l sliceListener) OnCommand(string, string) {}

func TestRegistryNonComparableListener(t *testing.T) {
	r := link.NewRegistry(zap.NewNop())
	var hits atomic.Int32
	fl := funcValueListener(func(string, string) { hits.Add(1) })
	kept := link.NewListener(func(string, string) { hits.Add(10) })

	r.Add(kept)
	r.Add(fl)
	r.Add(fl)
	r.Add(sliceListener{})
	if r.Len() != 4 {
		t.Fatalf("Len = %d, want 4", r.Len())
	}
	r.Broadcast("PLAY", "a")
	if hits.Load() != 12 {
		t.Fatalf("hits = %d, want 12", hits.Load())
	}

	if r.Remove(fl) || r.Remove(sliceListener{}) {
		t.Fatal("non-comparable listener reported as removed")
	}
	if !r.Remove(kept) {
		t.Fatal("comparable listener not removed next to non-comparable ones")
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear = %d", r.Len())
	}
}
