// Package pubsub publishes cycle events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/mission-vault/internal/publisher"
)

// EventTypeAttribute carries Event.Type on every message.
const EventTypeAttribute = "event_type"

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(p *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: p}
}

// Publish encodes the payload as JSON, copies the event attributes and the
// current trace context onto the message, and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, event publisher.Event) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", event.Type, err)
	}

	attrs := make(map[string]string, len(event.Attributes)+3)
	maps.Copy(attrs, event.Attributes)
	if event.Type != "" {
		attrs[EventTypeAttribute] = event.Type
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: attrs})

	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return id, nil
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
