package chat

import (
	"context"
	"time"
)

// Inbound is one user message delivered by a transport.
type Inbound struct {
	UserID string
	Text   string
	At     time.Time
}

// Transport abstracts the chat platform. Implementations deliver inbound
// messages to the registered handler and send outbound text (with basic
// emphasis markup) to a recipient.
type Transport interface {
	Send(ctx context.Context, recipient, text string) error
	OnMessage(handler func(Inbound))
	Run(ctx context.Context) error
}
