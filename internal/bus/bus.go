// Package bus defines the pub/sub transport boundary used by the relay and
// an in-process implementation of it.
package bus

import (
	"context"
	"errors"
)

var (
	ErrClosed = errors.New("bus closed")
	// ErrForbidden is returned when a topic lies outside the caller's
	// capability.
	ErrForbidden = errors.New("topic not permitted by credential")
)

// Message is a payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages for one topic in publish order.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus publishes and subscribes to topics. Subscribe returns only once the
// subscription is established, so a publish issued afterwards by any party
// is observed by it.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
