// Package amqpbus implements the relay bus on an AMQP 0-9-1 topic exchange.
//
// The broker connection is redialed on demand: a publish that finds the
// connection gone dials again and retries once, and each subscription
// re-declares and re-binds its queue after a drop. Messages published while
// a subscription is detached are not delivered to it.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/streadway/amqp"

	"github.com/koltyakov/exposebus/internal/bus"
)

// Exchange is the topic exchange all relay traffic flows through.
const Exchange = "exposebus"

// channel is the subset of *amqp.Channel the bus uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	Channel() (channel, error)
	IsClosed() bool
	Close() error
}

type dialer func(rawURL string) (connection, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(rawURL string) (connection, error) {
	c, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, err
	}
	return amqpConn{c}, nil
}

// Bus is a [bus.Bus] over one AMQP connection at a time. Publishes share one
// channel; each subscription owns its own channel and exclusive queue.
type Bus struct {
	url        string
	dial       dialer
	newBackoff func() backoff.BackOff

	mu     sync.Mutex
	conn   connection
	pub    channel
	closed bool
	done   chan struct{}
}

// Open dials rawURL and declares the relay exchange.
func Open(rawURL string) (*Bus, error) {
	return open(rawURL, dialAMQP, defaultBackoff)
}

func open(rawURL string, dial dialer, newBackoff func() backoff.BackOff) (*Bus, error) {
	b := &Bus{url: rawURL, dial: dial, newBackoff: newBackoff, done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func defaultBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 0
	return eb
}

// RoutingKey maps a slash-delimited topic onto AMQP's dot-delimited words.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Topic reverses [RoutingKey].
func Topic(routingKey string) string {
	return strings.ReplaceAll(routingKey, ".", "/")
}

// connLocked returns the live connection, dialing and declaring the exchange
// when there is none. b.mu must be held.
func (b *Bus) connLocked() (connection, error) {
	if b.closed {
		return nil, bus.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn, b.pub = nil, nil
	}
	conn, err := b.dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	b.conn, b.pub = conn, ch
	return conn, nil
}

func (b *Bus) publisherLocked() (channel, error) {
	conn, err := b.connLocked()
	if err != nil {
		return nil, err
	}
	if b.pub == nil {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("amqp channel: %w", err)
		}
		b.pub = ch
	}
	return b.pub, nil
}

// Publish sends payload to the topic's routing key. A failed publish drops
// the publishing channel and is retried once on a fresh one.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var pub channel
		pub, err = b.publisherLocked()
		if errors.Is(err, bus.ErrClosed) {
			return err
		}
		if err != nil {
			continue
		}
		err = pub.Publish(Exchange, RoutingKey(topic), false, false, amqp.Publishing{
			ContentType:  "application/cbor",
			DeliveryMode: amqp.Transient,
			Body:         payload,
		})
		if err == nil {
			return nil
		}
		// A channel is unusable after any error on it.
		_ = pub.Close()
		b.pub = nil
	}
	return fmt.Errorf("amqp publish %s: %w", topic, err)
}

// Subscribe declares an exclusive auto-delete queue and binds it to the
// topic's routing key. The bind is synchronous, so once it returns the
// subscription is live.
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{
		bus:   b,
		topic: topic,
		out:   make(chan bus.Message, 64),
		done:  make(chan struct{}),
	}
	deliveries, err := s.attach()
	if err != nil {
		return nil, err
	}
	go s.pump(deliveries)
	return s, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

type subscription struct {
	bus   *Bus
	topic string
	out   chan bus.Message
	done  chan struct{}
	once  sync.Once

	mu sync.Mutex
	ch channel
}

func (s *subscription) Messages() <-chan bus.Message { return s.out }

// attach opens a channel on the bus connection and binds a fresh queue.
func (s *subscription) attach() (<-chan amqp.Delivery, error) {
	s.bus.mu.Lock()
	conn, err := s.bus.connLocked()
	s.bus.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(s.topic), Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp bind %s: %w", s.topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume %s: %w", s.topic, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		_ = ch.Close()
		return nil, bus.ErrClosed
	default:
	}
	s.ch = ch
	return deliveries, nil
}

// reattach retries attach with backoff until it succeeds or the subscription
// or bus is closed.
func (s *subscription) reattach() (<-chan amqp.Delivery, bool) {
	policy := s.bus.newBackoff()
	for {
		deliveries, err := s.attach()
		if err == nil {
			return deliveries, true
		}
		if errors.Is(err, bus.ErrClosed) {
			return nil, false
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return nil, false
		}
		select {
		case <-time.After(wait):
		case <-s.done:
			return nil, false
		case <-s.bus.done:
			return nil, false
		}
	}
}

func (s *subscription) pump(in <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-in:
			if !ok {
				if in, ok = s.reattach(); !ok {
					return
				}
				continue
			}
			select {
			case s.out <- bus.Message{Topic: Topic(d.RoutingKey), Payload: d.Body}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.done)
		if s.ch != nil {
			err = s.ch.Close()
		}
	})
	return err
}
