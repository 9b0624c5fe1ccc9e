package events

import (
	"sync"
	"time"

	"trading-fee-billing/internal/database"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBillingRecorded EventType = "BILLING_EVENT_RECORDED"
	EventJobCompleted    EventType = "JOB_COMPLETED"
	EventJobFailed       EventType = "JOB_FAILED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines, so delivery order across events is not guaranteed.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishBillingEvent announces a newly written audit row
func (eb *EventBus) PublishBillingEvent(e *database.BillingEvent) {
	data := map[string]interface{}{
		"id":         e.ID,
		"user_id":    e.UserID,
		"event_type": e.EventType,
		"event_data": e.EventData,
	}
	if e.BillingPeriodID != nil {
		data["billing_period_id"] = *e.BillingPeriodID
	}
	if e.ExternalEventID != nil {
		data["external_event_id"] = *e.ExternalEventID
	}
	eb.Publish(Event{
		Type:      EventBillingRecorded,
		Timestamp: e.CreatedAt,
		Data:      data,
	})
}

// PublishJobResult announces the end of a scheduled job run
func (eb *EventBus) PublishJobResult(job string, duration time.Duration, err error) {
	data := map[string]interface{}{
		"job":         job,
		"duration_ms": duration.Milliseconds(),
	}
	eventType := EventJobCompleted
	if err != nil {
		eventType = EventJobFailed
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: eventType, Data: data})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
