package link

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener receives generic protocol traffic flattened to text, tagged with
// the address of the peer it came from. Only comparable implementations
// (pointer receivers, NewListener) can be removed individually; others are
// still delivered to and go away with Clear.
type Listener interface {
	OnCommand(command, senderID string)
}

// ListenerFunc is turned into a removable Listener by NewListener.
type ListenerFunc func(command, senderID string)

type funcListener struct{ fn ListenerFunc }

func (l *funcListener) OnCommand(command, senderID string) { l.fn(command, senderID) }

// NewListener wraps fn. Keep the returned value to remove it later.
func NewListener(fn ListenerFunc) Listener { return &funcListener{fn: fn} }

// Registry is a copy-on-write listener set. Broadcast iterates an immutable
// snapshot, so Add and Remove never race with delivery.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]Listener]
	log  *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{log: log}
	r.snap.Store(&[]Listener{})
	return r
}

// Add registers l. Adding the same listener twice is a no-op.
func (r *Registry) Add(l Listener) {
	if l == nil {
		return
	}
	if !removable(l) {
		r.log.Warn("link: listener is not comparable and cannot be removed individually",
			zap.String("type", fmt.Sprintf("%T", l)))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snap.Load()
	for _, x := range cur {
		if sameListener(x, l) {
			return
		}
	}
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	r.snap.Store(&next)
}

// Remove unregisters l and reports whether it was present.
func (r *Registry) Remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snap.Load()
	for i, x := range cur {
		if !sameListener(x, l) {
			continue
		}
		next := make([]Listener, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		r.snap.Store(&next)
		return true
	}
	return false
}

func removable(l Listener) bool { return l != nil && reflect.ValueOf(l).Comparable() }

// sameListener is l == x without the runtime panic on func, map or slice
// dynamic types.
func sameListener(x, l Listener) bool {
	if reflect.TypeOf(x) != reflect.TypeOf(l) || !removable(x) || !removable(l) {
		return false
	}
	return x == l
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.snap.Store(&[]Listener{})
	r.mu.Unlock()
}

func (r *Registry) Len() int { return len(*r.snap.Load()) }

// Broadcast delivers to every listener registered when the call started.
// A panicking listener is logged and skipped.
func (r *Registry) Broadcast(command, senderID string) {
	for _, l := range *r.snap.Load() {
		r.deliver(l, command, senderID)
	}
}

func (r *Registry) deliver(l Listener, command, senderID string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("link: listener panicked",
				zap.String("command", command),
				zap.String("sender", senderID),
				zap.Any("panic", p),
			)
		}
	}()
	l.OnCommand(command, senderID)
}
