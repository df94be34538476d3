package billing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DOMAIN EVENTS - Notifications for UI, metrics, sync
// =============================================================================

type EventType string

const (
	EventJobCreated   EventType = "job:created"
	EventJobCompleted EventType = "job:completed"
	EventDayFinalized EventType = "day:finalized"
	EventFirmDeleted  EventType = "firm:deleted"
)

// Event is emitted after a mutation has been applied and persisted.
// Only the field matching Type is set. Events are notifications; the
// engine never waits on subscribers' results.
type Event struct {
	ID       string
	Type     EventType
	At       time.Time
	FirmName string
	Job      *Job
	Tally    *DailyTally
	Firm     *FirmConfig
	Periods  []BillingPeriod // day:finalized only
}

func newEvent(t EventType, at time.Time, firm string) Event {
	return Event{ID: uuid.NewString(), Type: t, At: at, FirmName: firm}
}

// Handler receives events synchronously, in subscription order.
// Handlers must not block; hand work off to a goroutine if needed.
type Handler func(Event)

// EventBus fans events out to any number of subscribers.
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription
}

type subscription struct {
	id int
	fn Handler
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers h and returns a function that removes it.
func (b *EventBus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, fn: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.handlers {
			if s.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every current subscriber.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	for i, s := range b.handlers {
		handlers[i] = s.fn
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
