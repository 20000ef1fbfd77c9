package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultMemoryBuffer = 256

// Memory is an in-process bus. Delivery is ordered per topic and blocks
// the publisher while a subscriber's buffer is full.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	buffer int
	done   chan struct{}
	once   sync.Once

	published atomic.Int64
	byTopic   sync.Map // topic -> *atomic.Int64
}

func NewMemory() *Memory {
	return NewMemoryWithBuffer(defaultMemoryBuffer)
}

// NewMemoryWithBuffer sets the per-subscription channel capacity.
func NewMemoryWithBuffer(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

type memorySub struct {
	bus   *Memory
	topic string
	ch    chan Message
	done  chan struct{}
	once  sync.Once

	// sendMu is held shared by senders and exclusively while ch is closed.
	sendMu sync.RWMutex
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
	return nil
}

// deliver blocks until msg is buffered, the subscription closes, the bus
// closes or ctx ends.
func (s *memorySub) deliver(ctx context.Context, msg Message) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	case <-s.bus.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:   m,
		topic: topic,
		ch:    make(chan Message, m.buffer),
		done:  make(chan struct{}),
	}
	set := m.subs[topic]
	if set == nil {
		set = make(map[*memorySub]struct{})
		m.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload to every current subscriber of topic. A topic
// with no subscribers drops the message. The subscriber set is snapshotted,
// so a slow subscriber only blocks publishers to its own topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()
	m.published.Add(1)
	m.counter(topic).Add(1)

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, sub := range targets {
		if err := sub.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	first := false
	m.once.Do(func() {
		first = true
		close(m.done)
	})
	if !first {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	var subs []*memorySub
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Published returns the number of publish calls accepted so far.
func (m *Memory) Published() int64 {
	return m.published.Load()
}

// PublishedTo returns the number of publish calls for topic.
func (m *Memory) PublishedTo(topic string) int64 {
	if v, ok := m.byTopic.Load(topic); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Subscribers returns the current subscriber count for topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

func (m *Memory) counter(topic string) *atomic.Int64 {
	if v, ok := m.byTopic.Load(topic); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.byTopic.LoadOrStore(topic, new(atomic.Int64))
	return v.(*atomic.Int64)
}
