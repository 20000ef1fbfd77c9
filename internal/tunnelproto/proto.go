// Package tunnelproto defines the messages exchanged between the ingress and
// its agents over pub/sub topics, and the codec that puts them on the wire.
package tunnelproto

import (
	"errors"
	"fmt"
)

// Message kinds carried on a tunnel's request topic.
const (
	KindRequest = "request"
	KindCancel  = "cancel"
)

// Frame kinds carried on a per-request response topic.
const (
	KindMeta  = "meta"
	KindChunk = "chunk"
	KindEnd   = "end"
)

// MaxChunkSize bounds the data carried by a single chunk frame.
const MaxChunkSize = 64 * 1024

var ErrMalformed = errors.New("malformed message")

// Message is the envelope published on tunnel/{id}/request.
type Message struct {
	Kind    string           `json:"kind"`
	Request *RequestEnvelope `json:"request,omitempty"`
	Cancel  *Cancel          `json:"cancel,omitempty"`
}

// RequestEnvelope is an inbound public HTTP request forwarded to the agent.
// Path carries path and query.
type RequestEnvelope struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// Cancel asks the agent to abort the local fetch for request ID.
type Cancel struct {
	ID string `json:"id"`
}

// ResponseFrame is one message of a streamed response. Seq is 0 for meta,
// 1..n for chunks and n+1 for end.
type ResponseFrame struct {
	Kind    string              `json:"kind"`
	ID      string              `json:"id"`
	Seq     uint64              `json:"seq"`
	Status  uint16              `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Data    []byte              `json:"data,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Validate checks structural well-formedness of m.
func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.Request == nil || m.Request.ID == "" || m.Request.Method == "" {
			return fmt.Errorf("%w: incomplete request", ErrMalformed)
		}
	case KindCancel:
		if m.Cancel == nil || m.Cancel.ID == "" {
			return fmt.Errorf("%w: incomplete cancel", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown message kind %q", ErrMalformed, m.Kind)
	}
	return nil
}

// Validate checks structural well-formedness of f. Ordering is enforced by
// the consumer.
func (f ResponseFrame) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: frame without id", ErrMalformed)
	}
	switch f.Kind {
	case KindMeta:
		if f.Seq != 0 {
			return fmt.Errorf("%w: meta with seq %d", ErrMalformed, f.Seq)
		}
		if f.Status < 100 || f.Status > 999 {
			return fmt.Errorf("%w: meta status %d", ErrMalformed, f.Status)
		}
	case KindChunk:
		if f.Seq == 0 {
			return fmt.Errorf("%w: chunk with seq 0", ErrMalformed)
		}
		if len(f.Data) > MaxChunkSize {
			return fmt.Errorf("%w: chunk of %d bytes", ErrMalformed, len(f.Data))
		}
	case KindEnd:
		if f.Seq == 0 {
			return fmt.Errorf("%w: end with seq 0", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown frame kind %q", ErrMalformed, f.Kind)
	}
	return nil
}

// NewRequestMessage wraps env for publication.
func NewRequestMessage(env RequestEnvelope) Message {
	return Message{Kind: KindRequest, Request: &env}
}

// NewCancelMessage builds a cancellation for request id.
func NewCancelMessage(id string) Message {
	return Message{Kind: KindCancel, Cancel: &Cancel{ID: id}}
}

func MetaFrame(id string, status int, headers map[string][]string) ResponseFrame {
	return ResponseFrame{Kind: KindMeta, ID: id, Seq: 0, Status: uint16(status), Headers: headers}
}

func ChunkFrame(id string, seq uint64, data []byte) ResponseFrame {
	return ResponseFrame{Kind: KindChunk, ID: id, Seq: seq, Data: data}
}

func EndFrame(id string, seq uint64, errText string) ResponseFrame {
	return ResponseFrame{Kind: KindEnd, ID: id, Seq: seq, Error: errText}
}

// CloneHeaders returns a deep copy of an HTTP header map.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
