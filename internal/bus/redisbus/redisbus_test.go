package redisbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "tunnel/demo/request")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	payload := []byte{0x00, 0xff, 0x10, 'h', 'i'}
	if err := b.Publish(ctx, "tunnel/demo/request", payload); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sub.Messages():
		if msg.Topic != "tunnel/demo/request" {
			t.Fatalf("unexpected topic %q", msg.Topic)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Fatalf("payload mismatch: %v", msg.Payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestOrderingPerTopic(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	for i := 0; i < 20; i++ {
		if err := b.Publish(ctx, "t", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 20; i++ {
		select {
		case msg := <-sub.Messages():
			if msg.Payload[0] != byte(i) {
				t.Fatalf("message %d out of order: got %d", i, msg.Payload[0])
			}
		case <-ctx.Done():
			t.Fatal("timed out")
		}
	}
}

func TestCloseEndsMessages(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	_ = sub.Close()
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "http://nope"); err == nil {
		t.Fatal("expected error for non-redis url")
	}
}
