// Package correlate tracks in-flight relay requests and drives the
// per-request response stream from subscription to a single terminal
// outcome.
package correlate

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const DefaultRecentSize = 4096

var (
	// ErrDuplicate is returned by Begin for an id that is in flight or
	// recently completed.
	ErrDuplicate      = errors.New("duplicate request id")
	ErrExpired        = errors.New("request deadline exceeded")
	ErrCanceled       = errors.New("request canceled")
	ErrRegistryClosed = errors.New("registry closed")
)

// Ticket is the handle for one in-flight request. Done is closed when the
// request's deadline fires or it is canceled; Err then reports which.
type Ticket struct {
	id   string
	done chan struct{}
	err  error
}

func (t *Ticket) ID() string { return t.id }

func (t *Ticket) Done() <-chan struct{} { return t.done }

func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type entry struct {
	ticket *Ticket
	timer  *time.Timer
	gen    uint64
	fired  bool
}

// Registry is the per-process set of in-flight request ids. All state is
// owned by a single goroutine; methods hand it work over a channel, and
// deadline timers post into the same queue, so expiry never races the
// consumer that finishes a request.
type Registry struct {
	ops    chan func()
	stop   chan struct{}
	closed chan struct{}
	once   sync.Once

	inflight map[string]*entry
	recent   *lru.Cache
}

// NewRegistry starts a registry remembering up to recentSize completed ids
// for duplicate rejection.
func NewRegistry(recentSize int) *Registry {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}
	recent, err := lru.New(recentSize)
	if err != nil {
		panic("correlate: lru initialization failed: " + err.Error())
	}
	r := &Registry{
		ops:      make(chan func()),
		stop:     make(chan struct{}),
		closed:   make(chan struct{}),
		inflight: make(map[string]*entry),
		recent:   recent,
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.closed)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.stop:
			for id, e := range r.inflight {
				if e.timer != nil {
					e.timer.Stop()
				}
				delete(r.inflight, id)
			}
			return
		}
	}
}

// call runs fn on the owning goroutine and waits for it.
func (r *Registry) call(fn func()) bool {
	done := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(done) }:
	case <-r.stop:
		return false
	}
	<-done
	return true
}

// post queues fn without waiting. Used by timers.
func (r *Registry) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.stop:
	}
}

// Begin registers id with a deadline of d from now. d <= 0 means no
// deadline.
func (r *Registry) Begin(id string, d time.Duration) (*Ticket, error) {
	var (
		t   *Ticket
		err error
	)
	ok := r.call(func() {
		if _, busy := r.inflight[id]; busy || r.recent.Contains(id) {
			err = ErrDuplicate
			return
		}
		t = &Ticket{id: id, done: make(chan struct{})}
		e := &entry{ticket: t}
		r.inflight[id] = e
		r.arm(id, e, d)
	})
	if !ok {
		return nil, ErrRegistryClosed
	}
	return t, err
}

// Extend replaces id's deadline with d from now. It has no effect once the
// deadline has fired.
func (r *Registry) Extend(id string, d time.Duration) bool {
	var extended bool
	r.call(func() {
		e, ok := r.inflight[id]
		if !ok || e.fired {
			return
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		r.arm(id, e, d)
		extended = true
	})
	return extended
}

// Finish removes id and remembers it as completed. Only the first call for
// an id returns true.
func (r *Registry) Finish(id string) bool {
	var finished bool
	r.call(func() {
		e, ok := r.inflight[id]
		if !ok {
			return
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.inflight, id)
		r.recent.Add(id, struct{}{})
		finished = true
	})
	return finished
}

// Cancel signals id's ticket with ErrCanceled. The entry stays registered
// until Finish.
func (r *Registry) Cancel(id string) bool {
	var canceled bool
	r.call(func() {
		e, ok := r.inflight[id]
		if !ok || e.fired {
			return
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		r.fire(e, ErrCanceled)
		canceled = true
	})
	return canceled
}

// Len returns the number of in-flight ids.
func (r *Registry) Len() int {
	var n int
	r.call(func() { n = len(r.inflight) })
	return n
}

// Close stops the owning goroutine. Outstanding tickets are left unsignaled.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
	<-r.closed
}

func (r *Registry) arm(id string, e *entry, d time.Duration) {
	e.gen++
	e.timer = nil
	if d <= 0 {
		return
	}
	gen := e.gen
	e.timer = time.AfterFunc(d, func() {
		r.post(func() { r.expire(id, gen) })
	})
}

func (r *Registry) expire(id string, gen uint64) {
	e, ok := r.inflight[id]
	if !ok || e.gen != gen || e.fired {
		return
	}
	r.fire(e, ErrExpired)
}

func (r *Registry) fire(e *entry, err error) {
	e.fired = true
	e.ticket.err = err
	close(e.ticket.done)
}
