package redis

import "sync"

// EventBus is a minimal named publish/subscribe registry. Listeners for a
// given name fire in registration order. Listeners added while an emission
// for that same name is in progress are snapshotted out of that emission —
// they take effect starting with the next Emit.
type EventBus struct {
	mu        sync.Mutex
	listeners map[string][]*eventListener
	nextID    uint64
}

type eventListener struct {
	id uint64
	fn func(args ...interface{})
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[string][]*eventListener)}
}

// listenerHandle identifies a registered listener for RemoveListener.
type listenerHandle struct {
	name string
	id   uint64
}

// On registers fn for name, returning a handle usable with RemoveListener.
func (b *EventBus) On(name string, fn func(args ...interface{})) listenerHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], &eventListener{id: id, fn: fn})
	return listenerHandle{name: name, id: id}
}

// Once registers fn to run at most once for name, then self-removes.
func (b *EventBus) Once(name string, fn func(args ...interface{})) {
	var h listenerHandle
	h = b.On(name, func(args ...interface{}) {
		b.RemoveListener(h)
		fn(args...)
	})
}

// RemoveListener removes one listener by the identity returned from On.
func (b *EventBus) RemoveListener(h listenerHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.listeners[h.name]
	for i, l := range list {
		if l.id == h.id {
			b.listeners[h.name] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// RemoveAll removes every listener registered for name.
func (b *EventBus) RemoveAll(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, name)
}

// Emit fires every listener currently registered for name, in registration
// order, against a snapshot taken before dispatch — listeners registered
// from within a firing listener do not run in this pass.
func (b *EventBus) Emit(name string, args ...interface{}) {
	b.mu.Lock()
	snapshot := make([]*eventListener, len(b.listeners[name]))
	copy(snapshot, b.listeners[name])
	b.mu.Unlock()

	for _, l := range snapshot {
		l.fn(args...)
	}
}
