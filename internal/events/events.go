// Package events carries structured lifecycle records to observability
// sinks. Every transition, failure, and execution emits one Event; sinks
// must never block lifecycle paths for long or return control-flow errors.
package events

import (
	"context"
	"log/slog"

	"workbox"
)

// Sink consumes lifecycle events.
type Sink interface {
	Emit(ev workbox.Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(workbox.Event) {}

// Slog writes events to the process logger.
type Slog struct {
	Level slog.Level
}

func (s Slog) Emit(ev workbox.Event) {
	attrs := []any{
		"type", string(ev.Type),
		"user", ev.UserID,
		"session", ev.SessionID,
	}
	if ev.ContainerID != "" {
		attrs = append(attrs, "container", shortID(ev.ContainerID))
	}
	if ev.ServiceID != "" {
		attrs = append(attrs, "service", ev.ServiceID)
	}
	if ev.Outcome != "" {
		attrs = append(attrs, "outcome", ev.Outcome)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}
	if ev.Duration > 0 {
		attrs = append(attrs, "duration", ev.Duration)
	}
	slog.Log(context.Background(), s.Level, "sandbox event", attrs...)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ev workbox.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
