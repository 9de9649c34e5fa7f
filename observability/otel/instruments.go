package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"loanledger/core/events"
)

// EventMeter counts committed ledger events on the global meter provider so
// they reach the OTLP pipeline alongside traces.
type EventMeter struct {
	counter metric.Int64Counter
}

// NewEventMeter creates the loanledger.events counter. Call it after Init so
// the counter binds to the configured provider.
func NewEventMeter() (*EventMeter, error) {
	counter, err := otel.Meter("loanledger").Int64Counter("loanledger.events",
		metric.WithDescription("Committed ledger events by type."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	return &EventMeter{counter: counter}, nil
}

// Emit implements events.Emitter.
func (m *EventMeter) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", evt.EventType())))
}
