// Package redisbus implements the relay bus on Redis PUBLISH/SUBSCRIBE.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/koltyakov/exposebus/internal/bus"
)

const channelSize = 256

// Bus is a [bus.Bus] backed by a Redis client.
type Bus struct {
	client *redis.Client
	owned  bool
}

// New wraps an existing client. Close does not close it.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Open parses a redis:// or rediss:// URL and verifies connectivity.
func Open(ctx context.Context, rawURL string) (*Bus, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{client: client, owned: true}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the server's subscribe confirmation before returning.
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	s := &subscription{
		ps:   ps,
		out:  make(chan bus.Message, channelSize),
		done: make(chan struct{}),
	}
	go s.pump(ps.Channel(redis.WithChannelSize(channelSize)))
	return s, nil
}

func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type subscription struct {
	ps   *redis.PubSub
	out  chan bus.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) Messages() <-chan bus.Message { return s.out }

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- bus.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
