package correlate

import (
	"fmt"

	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

// State of a request on the consuming side.
type State int

const (
	AwaitingSubscription State = iota
	AwaitingMeta
	StreamingBody
	Complete
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingSubscription:
		return "awaiting_subscription"
	case AwaitingMeta:
		return "awaiting_meta"
	case StreamingBody:
		return "streaming_body"
	case Complete:
		return "complete"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == Complete || s == TimedOut || s == Failed
}

const DefaultReorderWindow = 64

// StreamOptions configures frame ordering.
type StreamOptions struct {
	// Reorder buffers frames that arrive ahead of the next expected seq
	// instead of treating them as a violation.
	Reorder bool
	Window  int
}

// Stream enforces meta -> chunk* -> end for one request id.
type Stream struct {
	id     string
	state  State
	next   uint64
	endSeq uint64
	err    error

	reorder bool
	window  int
	pending map[uint64]tunnelproto.ResponseFrame
}

func NewStream(id string, opts StreamOptions) *Stream {
	s := &Stream{id: id, reorder: opts.Reorder, window: opts.Window}
	if s.reorder {
		if s.window <= 0 {
			s.window = DefaultReorderWindow
		}
		s.pending = make(map[uint64]tunnelproto.ResponseFrame)
	}
	return s
}

func (s *Stream) State() State { return s.state }

// Err returns the error that moved the stream to Failed or TimedOut.
func (s *Stream) Err() error { return s.err }

// Subscribed records that the response topic subscription is confirmed.
func (s *Stream) Subscribed() {
	if s.state == AwaitingSubscription {
		s.state = AwaitingMeta
	}
}

// Timeout moves a non-terminal stream to TimedOut.
func (s *Stream) Timeout() {
	if s.state.Terminal() {
		return
	}
	s.state = TimedOut
	s.err = domain.ErrResponseTimeout
}

// Fail moves a non-terminal stream to Failed.
func (s *Stream) Fail(err error) {
	if s.state.Terminal() {
		return
	}
	s.state = Failed
	s.err = err
}

// Apply consumes one received frame and returns the frames it releases,
// in order. Redelivery of an already applied frame releases nothing. Any
// other out-of-contract frame fails the stream with
// [domain.ErrProtocolViolation].
func (s *Stream) Apply(f tunnelproto.ResponseFrame) ([]tunnelproto.ResponseFrame, error) {
	if s.state == AwaitingSubscription {
		return nil, s.violate("frame before subscription")
	}
	if f.ID != s.id {
		return nil, s.violate(fmt.Sprintf("frame for %q on stream %q", f.ID, s.id))
	}
	if err := f.Validate(); err != nil {
		return nil, s.violate(err.Error())
	}
	if s.redelivered(f) {
		return nil, nil
	}
	if s.state.Terminal() {
		if s.state == Complete {
			return nil, fmt.Errorf("%w: %s frame after end", domain.ErrProtocolViolation, f.Kind)
		}
		return nil, s.err
	}
	if f.Seq < s.next {
		return nil, s.violate(fmt.Sprintf("%s frame reuses seq %d", f.Kind, f.Seq))
	}
	if f.Seq > s.next {
		if !s.reorder {
			if s.state == AwaitingMeta {
				return nil, s.violate(fmt.Sprintf("%s before meta", f.Kind))
			}
			return nil, s.violate(fmt.Sprintf("seq gap: got %d, want %d", f.Seq, s.next))
		}
		if f.Seq-s.next > uint64(s.window) {
			return nil, s.violate(fmt.Sprintf("seq %d beyond reorder window at %d", f.Seq, s.next))
		}
		if prev, ok := s.pending[f.Seq]; ok && prev.Kind != f.Kind {
			return nil, s.violate(fmt.Sprintf("conflicting frames at seq %d", f.Seq))
		}
		s.pending[f.Seq] = f
		return nil, nil
	}

	var out []tunnelproto.ResponseFrame
	for {
		if err := s.advance(f); err != nil {
			return out, err
		}
		out = append(out, f)
		if s.state.Terminal() || !s.reorder {
			break
		}
		nf, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		f = nf
	}
	return out, nil
}

func (s *Stream) advance(f tunnelproto.ResponseFrame) error {
	switch s.state {
	case AwaitingMeta:
		if f.Kind != tunnelproto.KindMeta {
			return s.violate(fmt.Sprintf("%s before meta", f.Kind))
		}
		s.state = StreamingBody
	case StreamingBody:
		switch f.Kind {
		case tunnelproto.KindChunk:
		case tunnelproto.KindEnd:
			s.state = Complete
			s.endSeq = f.Seq
		default:
			return s.violate("duplicate meta")
		}
	}
	s.next = f.Seq + 1
	return nil
}

// redelivered reports whether f repeats a frame already applied at the
// same seq.
func (s *Stream) redelivered(f tunnelproto.ResponseFrame) bool {
	if f.Seq >= s.next {
		return false
	}
	switch f.Kind {
	case tunnelproto.KindMeta:
		return f.Seq == 0
	case tunnelproto.KindChunk:
		return f.Seq > 0 && (s.endSeq == 0 || f.Seq < s.endSeq)
	case tunnelproto.KindEnd:
		return s.endSeq != 0 && f.Seq == s.endSeq
	}
	return false
}

func (s *Stream) violate(reason string) error {
	err := fmt.Errorf("%w: %s", domain.ErrProtocolViolation, reason)
	s.Fail(err)
	return err
}
