package correlate

import (
	"errors"
	"fmt"

	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

// AgentState is the producing side's view of one request.
type AgentState int

const (
	Idle AgentState = iota
	Forwarding
	Streaming
	Done
)

func (s AgentState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Forwarding:
		return "forwarding"
	case Streaming:
		return "streaming"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("agent_state(%d)", int(s))
	}
}

var ErrResponderState = errors.New("frame out of order for responder state")

// Responder builds the response frames for one request and assigns their
// sequence numbers, so a producer cannot emit a second meta or end.
type Responder struct {
	id    string
	state AgentState
	seq   uint64
}

func NewResponder(id string) *Responder {
	return &Responder{id: id}
}

func (r *Responder) State() AgentState { return r.state }

// MetaSent reports whether the meta frame has been produced.
func (r *Responder) MetaSent() bool { return r.state >= Streaming }

// Start moves Idle to Forwarding when the local request is issued.
func (r *Responder) Start() error {
	if r.state != Idle {
		return fmt.Errorf("%w: start in %s", ErrResponderState, r.state)
	}
	r.state = Forwarding
	return nil
}

func (r *Responder) Meta(status int, headers map[string][]string) (tunnelproto.ResponseFrame, error) {
	if r.state != Forwarding {
		return tunnelproto.ResponseFrame{}, fmt.Errorf("%w: meta in %s", ErrResponderState, r.state)
	}
	r.state = Streaming
	r.seq = 1
	return tunnelproto.MetaFrame(r.id, status, headers), nil
}

func (r *Responder) Chunk(data []byte) (tunnelproto.ResponseFrame, error) {
	if r.state != Streaming {
		return tunnelproto.ResponseFrame{}, fmt.Errorf("%w: chunk in %s", ErrResponderState, r.state)
	}
	f := tunnelproto.ChunkFrame(r.id, r.seq, data)
	r.seq++
	return f, nil
}

// End produces the terminal frame. errText is empty for a clean end.
func (r *Responder) End(errText string) (tunnelproto.ResponseFrame, error) {
	if r.state != Streaming {
		return tunnelproto.ResponseFrame{}, fmt.Errorf("%w: end in %s", ErrResponderState, r.state)
	}
	r.state = Done
	return tunnelproto.EndFrame(r.id, r.seq, errText), nil
}
