package messaging

import "context"

// Message is one outbound payload with the headers to attach to it
type Message struct {
	ID      string
	CallID  string
	Body    []byte
	Headers map[string]interface{}
}

// Publisher defines the broker operations the report publisher needs
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	PublishToDeadLetterQueue(ctx context.Context, msg Message, reason string) error
	IsConnected() bool
}
