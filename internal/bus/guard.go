package bus

import (
	"context"
	"fmt"
	"time"
)

// Capability is the subset of a scoped credential the guard needs.
type Capability interface {
	Allows(topic string) bool
	Expired(now time.Time) bool
}

// Guarded restricts a bus to the topics a credential grants.
type Guarded struct {
	inner Bus
	cap   Capability
	now   func() time.Time
}

// Guard wraps b so that every publish and subscribe is checked against c.
// Closing the guard does not close b.
func Guard(b Bus, c Capability) *Guarded {
	return &Guarded{inner: b, cap: c, now: time.Now}
}

func (g *Guarded) check(topic string) error {
	if g.cap == nil || g.cap.Expired(g.now()) {
		return fmt.Errorf("%w: credential expired", ErrForbidden)
	}
	if !g.cap.Allows(topic) {
		return fmt.Errorf("%w: %s", ErrForbidden, topic)
	}
	return nil
}

func (g *Guarded) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := g.check(topic); err != nil {
		return err
	}
	return g.inner.Publish(ctx, topic, payload)
}

func (g *Guarded) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := g.check(topic); err != nil {
		return nil, err
	}
	return g.inner.Subscribe(ctx, topic)
}

func (g *Guarded) Close() error { return nil }
