package correlate

import (
	"errors"
	"testing"

	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

func TestResponderSequence(t *testing.T) {
	t.Parallel()

	r := NewResponder("req")
	if _, err := r.Meta(200, nil); !errors.Is(err, ErrResponderState) {
		t.Fatalf("meta before start: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	m, err := r.Meta(201, nil)
	if err != nil {
		t.Fatal(err)
	}
	c1, _ := r.Chunk([]byte("he"))
	c2, _ := r.Chunk([]byte("llo"))
	e, err := r.End("")
	if err != nil {
		t.Fatal(err)
	}
	if m.Seq != 0 || c1.Seq != 1 || c2.Seq != 2 || e.Seq != 3 {
		t.Fatalf("unexpected seqs %d %d %d %d", m.Seq, c1.Seq, c2.Seq, e.Seq)
	}
	if r.State() != Done {
		t.Fatalf("state %s", r.State())
	}
	if _, err := r.End(""); !errors.Is(err, ErrResponderState) {
		t.Fatalf("second end: %v", err)
	}
	if _, err := r.Meta(200, nil); !errors.Is(err, ErrResponderState) {
		t.Fatalf("meta after done: %v", err)
	}

	s := NewStream("req", StreamOptions{})
	s.Subscribed()
	for _, f := range []tunnelproto.ResponseFrame{m, c1, c2, e} {
		if _, err := s.Apply(f); err != nil {
			t.Fatalf("consumer rejected producer frame: %v", err)
		}
	}
	if s.State() != Complete {
		t.Fatalf("consumer state %s", s.State())
	}
}
