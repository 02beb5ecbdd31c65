package events

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubscriberBuffer is the number of events a subscriber may lag behind
// before new events are dropped for it.
const SubscriberBuffer = 64

type subscriber struct {
	id      int
	dropped uint64
}

// EventHub fans daemon events out to every subscriber. Publish never
// blocks; a subscriber that falls behind loses events, and the loss is
// logged.
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[chan Event]*subscriber
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[chan Event]*subscriber)} }

func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, SubscriberBuffer)
	h.mu.Lock()
	h.nextID++
	h.subs[ch] = &subscriber{id: h.nextID}
	n := len(h.subs)
	h.mu.Unlock()

	logrus.WithField("subscribers", n).Debug("event subscriber added")
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	sub, ok := h.subs[ch]
	if ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()

	if ok && sub.dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"subscriber": sub.id,
			"dropped":    sub.dropped,
		}).Warn("event subscriber left with dropped events")
	}
}

func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("event", name).Error("failed to encode event")
		return
	}
	msg := Event{Name: name, Data: b}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, sub := range h.subs {
		select {
		case ch <- msg:
		default:
			sub.dropped++
			logrus.WithFields(logrus.Fields{
				"event":      name,
				"subscriber": sub.id,
				"dropped":    sub.dropped,
			}).Warn("subscriber is behind, event dropped")
		}
	}
}
