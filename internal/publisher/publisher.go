// Package publisher defines the notification emitted after each ingestion
// cycle and the contract implemented by its transports.
package publisher

import "context"

// Event is one notification. Attributes travel outside the payload so
// subscribers can filter without decoding it.
type Event struct {
	Type       string
	Attributes map[string]string
	Payload    any
}

// Publisher delivers events and returns the transport's message id.
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}
