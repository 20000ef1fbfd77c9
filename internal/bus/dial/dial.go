// Package dial opens a relay bus from a URL.
package dial

import (
	"context"
	"fmt"
	"net/url"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/bus/amqpbus"
	"github.com/koltyakov/exposebus/internal/bus/redisbus"
)

// Open selects a transport by URL scheme: memory://, redis://, rediss://,
// amqp:// or amqps://.
func Open(ctx context.Context, rawURL string) (bus.Bus, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return bus.NewMemory(), nil
	case "redis", "rediss":
		return redisbus.Open(ctx, rawURL)
	case "amqp", "amqps":
		return amqpbus.Open(rawURL)
	default:
		return nil, fmt.Errorf("unsupported bus scheme %q", u.Scheme)
	}
}
