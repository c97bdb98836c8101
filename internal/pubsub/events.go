// Package pubsub fans supervisor events out to in-process listeners.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// TransitionEvent carries a record whose status differs from the previous one.
	TransitionEvent EventType = "transition"
	// UpdatedEvent carries a record saved without a status change, such as a heartbeat.
	UpdatedEvent EventType = "updated"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	PublishAt(eventType EventType, payload T, at time.Time)
}
