// Package reactor drives every socket of a process from one goroutine.
//
// Handlers declare their interest (read, write, both or neither) and the
// reactor keeps the underlying EventLoop in sync with it. All handler
// callbacks, timers and protocol code run on the goroutine that calls Run or
// RunOnce; nothing in this package blocks except the EventLoop wait.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/network"
)

// DefaultMaxBuffer bounds each connection's input and output buffers.
const DefaultMaxBuffer = 64 * 1024

const maxEvents = 128

var (
	ErrAlreadyRegistered = errors.New("fd already registered")
	errHangup            = errors.New("socket hung up")
)

// Handler is one pollable object owned by the reactor.
type Handler interface {
	FD() int
	// Interest is re-evaluated after every event batch the handler was
	// touched in.
	Interest() domain.EventType
	OnReadable() error
	OnWritable() error
	// OnClose runs once, after the fd is deregistered and closed.
	OnClose(cause error)
	// Closing reports that the handler is done and may be closed.
	Closing() bool
}

type entry struct {
	h        Handler
	interest domain.EventType
}

type timer struct {
	// every is zero for a one-shot timer.
	every time.Duration
	next  time.Time
	fn    func()
	done  bool
}

type Reactor struct {
	log       *slog.Logger
	loop      domain.EventLoop
	maxBuffer int

	handlers map[int]*entry
	conns    map[ID]*Conn
	dirty    map[int]Handler
	timers   []*timer
	events   []domain.Event
	scratch  []byte
	nextID   ID

	active atomic.Int64
	stats  statsTable
}

type Option func(*Reactor)

// WithMaxBuffer overrides DefaultMaxBuffer.
func WithMaxBuffer(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.maxBuffer = n
		}
	}
}

func New(loop domain.EventLoop, log *slog.Logger, opts ...Option) *Reactor {
	r := &Reactor{
		log:       log,
		loop:      loop,
		maxBuffer: DefaultMaxBuffer,
		handlers:  make(map[int]*entry),
		conns:     make(map[ID]*Conn),
		dirty:     make(map[int]Handler),
		events:    make([]domain.Event, maxEvents),
		stats:     statsTable{m: make(map[ID]*ConnStats)},
	}
	for _, o := range opts {
		o(r)
	}
	r.scratch = make([]byte, r.maxBuffer)
	return r
}

func (r *Reactor) Logger() *slog.Logger {
	return r.log
}

func (r *Reactor) MaxBuffer() int {
	return r.maxBuffer
}

// Len returns the number of registered handlers. Safe from any goroutine.
func (r *Reactor) Len() int {
	return int(r.active.Load())
}

func (r *Reactor) Register(h Handler) error {
	fd := h.FD()
	if _, ok := r.handlers[fd]; ok {
		return fmt.Errorf("register fd %d: %w", fd, ErrAlreadyRegistered)
	}
	interest := h.Interest()
	if err := r.loop.Register(fd, interest); err != nil {
		return fmt.Errorf("register fd %d: %w", fd, err)
	}
	r.handlers[fd] = &entry{h: h, interest: interest}
	if c, ok := h.(*Conn); ok {
		r.conns[c.id] = c
		r.stats.add(c.stats)
	}
	r.active.Add(1)
	return nil
}

// Deregister removes h from the loop without closing its fd.
func (r *Reactor) Deregister(h Handler) error {
	fd := h.FD()
	e, ok := r.handlers[fd]
	if !ok || e.h != h {
		return nil
	}
	delete(r.handlers, fd)
	delete(r.dirty, fd)
	if c, ok := h.(*Conn); ok {
		delete(r.conns, c.id)
		r.stats.remove(c.id)
	}
	r.active.Add(-1)
	return r.loop.Unregister(fd)
}

// Close deregisters h, closes its fd and runs OnClose. Closing an
// unregistered handler is a no-op.
func (r *Reactor) Close(h Handler, cause error) {
	e, ok := r.handlers[h.FD()]
	if !ok || e.h != h {
		return
	}
	if err := r.Deregister(h); err != nil {
		r.log.Debug("Deregister failed", "fd", h.FD(), "error", err)
	}
	_ = network.Close(h.FD())

	if cause != nil && !errors.Is(cause, io.EOF) {
		r.log.Debug("Closing handler", "fd", h.FD(), "kind", domain.KindOf(cause), "reason", cause)
	}
	h.OnClose(cause)
}

// CloseAll closes every registered handler with cause.
func (r *Reactor) CloseAll(cause error) {
	for len(r.handlers) > 0 {
		for _, e := range r.handlers {
			r.Close(e.h, cause)
		}
	}
}

// Touch schedules h's interest to be re-evaluated at the end of the batch.
func (r *Reactor) Touch(h Handler) {
	r.dirty[h.FD()] = h
}

func (r *Reactor) registered(h Handler) bool {
	e, ok := r.handlers[h.FD()]
	return ok && e.h == h
}

// Every runs fn on the reactor goroutine every interval, starting one
// interval from now.
func (r *Reactor) Every(interval time.Duration, fn func()) {
	r.timers = append(r.timers, &timer{every: interval, next: time.Now().Add(interval), fn: fn})
}

// After runs fn once on the reactor goroutine, d from now.
func (r *Reactor) After(d time.Duration, fn func()) {
	r.timers = append(r.timers, &timer{next: time.Now().Add(d), fn: fn})
}

// Wake interrupts a blocked RunOnce. Safe from any goroutine.
func (r *Reactor) Wake() error {
	return r.loop.Wake()
}

func (r *Reactor) nextTimeout(timeout time.Duration) time.Duration {
	if len(r.timers) == 0 {
		return timeout
	}
	now := time.Now()
	next := r.timers[0].next
	for _, t := range r.timers[1:] {
		if t.next.Before(next) {
			next = t.next
		}
	}
	until := max(next.Sub(now), 0)
	if timeout < 0 || until < timeout {
		return until
	}
	return timeout
}

func (r *Reactor) runTimers(now time.Time) {
	fired := false
	// Timers added by fn are appended and not yet due.
	for i := 0; i < len(r.timers); i++ {
		t := r.timers[i]
		if now.Before(t.next) {
			continue
		}
		if t.every > 0 {
			t.next = now.Add(t.every)
		} else {
			t.done = true
			fired = true
		}
		t.fn()
	}
	if fired {
		r.timers = slices.DeleteFunc(r.timers, func(t *timer) bool { return t.done })
	}
}

// reconcile closes finished handlers and pushes interest changes to the
// loop. Closing a handler can touch others, so it repeats until quiet.
func (r *Reactor) reconcile() {
	for len(r.dirty) > 0 {
		batch := r.dirty
		r.dirty = make(map[int]Handler, len(batch))
		for fd, h := range batch {
			e, ok := r.handlers[fd]
			if !ok || e.h != h {
				continue
			}
			if h.Closing() {
				r.Close(h, nil)
				continue
			}
			interest := h.Interest()
			if interest == e.interest {
				continue
			}
			if err := r.loop.Modify(fd, interest); err != nil {
				r.Close(h, domain.TransportError("modify interest", err))
				continue
			}
			e.interest = interest
		}
	}
}

func (r *Reactor) dispatch(h Handler, interest, ready domain.EventType) {
	failed := ready&(domain.EventError|domain.EventHangup) != 0

	if ready&domain.EventWrite != 0 || (failed && interest&domain.EventWrite != 0) {
		if err := h.OnWritable(); err != nil {
			r.Close(h, err)
			return
		}
	}
	if !r.registered(h) {
		return
	}

	switch {
	case ready&domain.EventRead != 0 || (failed && interest&domain.EventRead != 0):
		if err := h.OnReadable(); err != nil {
			r.Close(h, err)
			return
		}
	case failed && interest&(domain.EventRead|domain.EventWrite) == 0:
		r.Close(h, domain.TransportError("poll", errHangup))
		return
	}

	if r.registered(h) {
		r.Touch(h)
	}
}

// RunOnce waits up to timeout (negative: no limit, shortened by pending
// timers) for readiness, dispatches every ready handler once, then runs
// due timers. It returns the number of events dispatched.
func (r *Reactor) RunOnce(timeout time.Duration) (int, error) {
	r.reconcile()

	n, err := r.loop.Wait(r.events, r.nextTimeout(timeout))
	if err != nil {
		return 0, err
	}

	for _, ev := range r.events[:n] {
		e, ok := r.handlers[ev.FD]
		if !ok {
			continue
		}
		r.dispatch(e.h, e.interest, ev.Events)
	}

	r.runTimers(time.Now())
	r.reconcile()
	return n, nil
}

// Run loops RunOnce until no handlers remain or ctx is done. On ctx done
// every handler is closed before Run returns.
func (r *Reactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = r.loop.Wake()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("Reactor stopping", "handlers", len(r.handlers))
			r.CloseAll(err)
			return nil
		}
		r.reconcile()
		if len(r.handlers) == 0 {
			return nil
		}
		if _, err := r.RunOnce(-1); err != nil {
			return fmt.Errorf("reactor wait: %w", err)
		}
	}
}
