package eventbus

import "sync"

// Event is the closed set of notifications the bridge publishes. Concrete
// payload types live in events.go; consumers switch on the concrete type
// instead of matching method-name strings.
type Event interface {
	eventName() string
}

// Bus delivers events synchronously to every subscriber, in subscription
// order. There is no buffering and no replay: a subscriber attached after an
// event fired never sees it.
type Bus struct {
	mu      sync.Mutex
	nextSub int
	order   []int
	subs    map[int]func(Event)
}

func New() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for every future event. The returned cancel func is
// idempotent.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish invokes all current subscribers with evt. Handlers run on the
// publishing goroutine; a handler that unsubscribes itself mid-delivery is
// honored for subsequent events, not the current one.
func (b *Bus) Publish(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		if fn, ok := b.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
