package bridgeservice

import (
	"sync"
	"time"

	"lens-account/go-bridge/internal/api"
	"lens-account/go-bridge/internal/eventbus"
)

// notificationHub buffers bus events for the SSE stream: a bounded replay
// window plus fan-out channels. Slow subscribers are dropped rather than
// allowed to stall publishing.
type notificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []api.NotificationEvent
	subs    map[int]chan api.NotificationEvent
	nextSub int
}

func newNotificationHub(limit int) *notificationHub {
	if limit < 1 {
		limit = 1
	}
	return &notificationHub{
		limit: limit,
		subs:  make(map[int]chan api.NotificationEvent),
	}
}

// attach subscribes the hub to every bus event and returns the bus cancel.
func (h *notificationHub) attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(func(evt eventbus.Event) {
		h.publish(eventbus.Name(evt), evt)
	})
}

func (h *notificationHub) publish(method string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := api.NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]api.NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

func (h *notificationHub) subscribe(fromSeq int64) ([]api.NotificationEvent, <-chan api.NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]api.NotificationEvent, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan api.NotificationEvent, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *notificationHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
