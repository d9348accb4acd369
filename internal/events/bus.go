// Package events is the in-process pub/sub fabric connecting the analysis
// pipelines, the position tracker, the chat front end and the notifiers.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventAnomalyDetected  EventType = "ANOMALY_DETECTED"
	EventAdviceGenerated  EventType = "ADVICE_GENERATED"
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPositionUpdate   EventType = "POSITION_UPDATE"
	EventRiskAlert        EventType = "RISK_ALERT"
	EventQuoteUpdate      EventType = "QUOTE_UPDATE"
	EventBacktestFinished EventType = "BACKTEST_FINISHED"
	EventUnitStarted      EventType = "UNIT_STARTED"
	EventUnitStopped      EventType = "UNIT_STOPPED"
	EventUnitRestarted    EventType = "UNIT_RESTARTED"
	EventShutdown         EventType = "SHUTDOWN"
	EventError            EventType = "ERROR"
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

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRiskAlert publishes a position risk threshold crossing.
func (eb *EventBus) PublishRiskAlert(assetID, rule string, pnlPct float64) {
	eb.Publish(Event{
		Type: EventRiskAlert,
		Data: map[string]interface{}{
			"asset":   assetID,
			"rule":    rule,
			"pnl_pct": pnlPct,
		},
	})
}

// PublishAnomaly publishes a detected market anomaly.
func (eb *EventBus) PublishAnomaly(assetID, kind, severity, detail string) {
	eb.Publish(Event{
		Type: EventAnomalyDetected,
		Data: map[string]interface{}{
			"asset":    assetID,
			"kind":     kind,
			"severity": severity,
			"detail":   detail,
		},
	})
}

// PublishAdvice publishes a generated trade recommendation.
func (eb *EventBus) PublishAdvice(assetID, action, source string, confidence float64) {
	eb.Publish(Event{
		Type: EventAdviceGenerated,
		Data: map[string]interface{}{
			"asset":      assetID,
			"action":     action,
			"source":     source,
			"confidence": confidence,
		},
	})
}

// PublishLifecycle publishes a supervised-unit lifecycle change.
func (eb *EventBus) PublishLifecycle(t EventType, unit string, detail string) {
	eb.Publish(Event{
		Type: t,
		Data: map[string]interface{}{
			"unit":   unit,
			"detail": detail,
		},
	})
}
