package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

const (
	DefaultMetaTimeout = 30 * time.Second
	DefaultIdleTimeout = 60 * time.Second

	cancelPublishTimeout = 2 * time.Second
)

// OutcomeKind is the single terminal signal of a request.
type OutcomeKind int

const (
	OutcomeComplete OutcomeKind = iota
	OutcomeTimedOut
	OutcomeFailed
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeComplete:
		return "complete"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome reports how a relayed request ended.
type Outcome struct {
	Kind      OutcomeKind
	RequestID string
	Status    int
	MetaSent  bool
	Bytes     int64
	Chunks    int
	Err       error
}

// Sink receives the response as it streams in.
type Sink interface {
	WriteMeta(status int, headers map[string][]string) error
	WriteChunk(data []byte) error
}

type Options struct {
	MetaTimeout   time.Duration
	IdleTimeout   time.Duration
	Reorder       bool
	ReorderWindow int
	Logger        *slog.Logger
}

// Engine relays requests over a bus and correlates their responses.
type Engine struct {
	reg    *Registry
	opts   Options
	log    *slog.Logger
	stream StreamOptions
}

func NewEngine(reg *Registry, opts Options) *Engine {
	if opts.MetaTimeout <= 0 {
		opts.MetaTimeout = DefaultMetaTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		reg:    reg,
		opts:   opts,
		log:    opts.Logger,
		stream: StreamOptions{Reorder: opts.Reorder, Window: opts.ReorderWindow},
	}
}

// Registry exposes the in-flight set.
func (e *Engine) Registry() *Registry { return e.reg }

// Do subscribes to the response topic for env, publishes env on the
// tunnel's request topic, and streams the response into sink. It returns
// exactly one outcome. An empty env.ID is filled with a fresh request id.
func (e *Engine) Do(ctx context.Context, b bus.Bus, tunnelID string, env tunnelproto.RequestEnvelope, sink Sink) Outcome {
	if env.ID == "" {
		rid, err := channel.NewRequestID()
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Err: err}
		}
		env.ID = rid
	}
	out := Outcome{RequestID: env.ID}
	fail := func(kind OutcomeKind, err error) Outcome {
		out.Kind = kind
		out.Err = err
		return out
	}
	if err := channel.ValidateTunnelID(tunnelID); err != nil {
		return fail(OutcomeFailed, err)
	}
	if err := channel.ValidateRequestID(env.ID); err != nil {
		return fail(OutcomeFailed, err)
	}

	ticket, err := e.reg.Begin(env.ID, e.opts.MetaTimeout)
	if err != nil {
		return fail(OutcomeFailed, fmt.Errorf("begin %s: %w", env.ID, err))
	}
	defer e.reg.Finish(env.ID)

	stream := NewStream(env.ID, e.stream)
	sub, err := b.Subscribe(ctx, channel.ResponseTopic(tunnelID, env.ID))
	if err != nil {
		if ctx.Err() != nil {
			return fail(OutcomeCanceled, ctx.Err())
		}
		stream.Fail(err)
		return fail(OutcomeFailed, fmt.Errorf("subscribe response topic: %w", err))
	}
	defer sub.Close()
	stream.Subscribed()

	payload, err := tunnelproto.EncodeMessage(tunnelproto.NewRequestMessage(env))
	if err != nil {
		return fail(OutcomeFailed, fmt.Errorf("encode request: %w", err))
	}
	if err := b.Publish(ctx, channel.RequestTopic(tunnelID), payload); err != nil {
		if ctx.Err() != nil {
			return fail(OutcomeCanceled, ctx.Err())
		}
		return fail(OutcomeFailed, fmt.Errorf("publish request: %w", err))
	}

	for {
		select {
		case <-ctx.Done():
			e.publishCancel(ctx, b, tunnelID, env.ID)
			return fail(OutcomeCanceled, ctx.Err())

		case <-ticket.Done():
			stream.Timeout()
			e.publishCancel(ctx, b, tunnelID, env.ID)
			return fail(OutcomeTimedOut, &domain.TunnelError{TunnelID: tunnelID, Op: timeoutPhase(out.MetaSent), Err: domain.ErrResponseTimeout})

		case msg, ok := <-sub.Messages():
			if !ok {
				stream.Fail(bus.ErrClosed)
				return fail(OutcomeFailed, fmt.Errorf("response subscription: %w", bus.ErrClosed))
			}
			frame, err := tunnelproto.DecodeFrame(msg.Payload)
			if err != nil {
				err = fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
				stream.Fail(err)
				e.log.Error("protocol violation", "tunnel_id", tunnelID, "request_id", env.ID, "err", err)
				return fail(OutcomeFailed, err)
			}
			released, err := stream.Apply(frame)
			for _, f := range released {
				if werr := e.deliver(f, sink, &out); werr != nil {
					stream.Fail(werr)
					e.publishCancel(ctx, b, tunnelID, env.ID)
					return fail(OutcomeCanceled, werr)
				}
				if f.Kind == tunnelproto.KindEnd {
					if f.Error != "" {
						return fail(OutcomeFailed, &domain.TunnelError{TunnelID: tunnelID, Op: "stream", Err: fmt.Errorf("%w: %s", domain.ErrLocalService, f.Error)})
					}
					out.Kind = OutcomeComplete
					return out
				}
				e.reg.Extend(env.ID, e.opts.IdleTimeout)
			}
			if err != nil {
				e.log.Error("protocol violation", "tunnel_id", tunnelID, "request_id", env.ID, "err", err)
				return fail(OutcomeFailed, err)
			}
		}
	}
}

func (e *Engine) deliver(f tunnelproto.ResponseFrame, sink Sink, out *Outcome) error {
	switch f.Kind {
	case tunnelproto.KindMeta:
		out.Status = int(f.Status)
		out.MetaSent = true
		return sink.WriteMeta(int(f.Status), f.Headers)
	case tunnelproto.KindChunk:
		if len(f.Data) == 0 {
			return nil
		}
		out.Chunks++
		out.Bytes += int64(len(f.Data))
		return sink.WriteChunk(f.Data)
	}
	return nil
}

// publishCancel tells the agent to stop work for rid. Failures are ignored;
// a missing agent is not an error.
func (e *Engine) publishCancel(ctx context.Context, b bus.Bus, tunnelID, rid string) {
	payload, err := tunnelproto.EncodeMessage(tunnelproto.NewCancelMessage(rid))
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelPublishTimeout)
	defer cancel()
	if err := b.Publish(cctx, channel.RequestTopic(tunnelID), payload); err != nil && !errors.Is(err, bus.ErrClosed) {
		e.log.Debug("cancel publish failed", "tunnel_id", tunnelID, "request_id", rid, "err", err)
	}
}

func timeoutPhase(metaSent bool) string {
	if metaSent {
		return "await body"
	}
	return "await meta"
}
