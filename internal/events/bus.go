// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package events provides the in-process lifecycle event bus.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// Name identifies a lifecycle event.
type Name string

const (
	UserRegistered         Name = "user.registered"
	PasswordResetRequested Name = "password.reset_requested"
	PasswordResetCompleted Name = "password.reset_completed"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("event bus closed")

// Event is a published lifecycle event. It lives only for the duration of its delivery.
type Event struct {
	Payload any
	Name    Name
}

// Handler processes one event. Errors and panics from handlers reached through
// Publish are logged by the bus.
type Handler func(ctx context.Context, event Event) error

// Subscription identifies a registered handler.
type Subscription struct {
	name Name
	id   uint64
}

type delivery struct {
	ctx   context.Context
	event Event
}

// subscriber owns an unbounded FIFO inbox drained by a single goroutine.
type subscriber struct {
	handler Handler
	wake    chan struct{}
	done    chan struct{}
	inbox   []delivery
	id      uint64
	mu      sync.Mutex
	closed  bool
	inline  bool
}

// Bus dispatches events to subscribers. Publishing never blocks on handlers.
// Successive events reach the same handler in publish order.
type Bus struct {
	logger *slog.Logger
	subs   map[Name][]*subscriber
	nextID atomic.Uint64
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewBus creates a new event bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Name][]*subscriber),
	}
}

// Subscribe registers a handler for the named event.
func (b *Bus) Subscribe(name Name, handler Handler) (Subscription, error) {
	return b.subscribe(name, handler, false)
}

// SubscribeSync registers a handler that Dispatch runs on the caller's
// goroutine, returning its error to the caller. Events sent with Publish still
// reach it through its inbox, so the handler must be safe for concurrent use.
func (b *Bus) SubscribeSync(name Name, handler Handler) (Subscription, error) {
	return b.subscribe(name, handler, true)
}

func (b *Bus) subscribe(name Name, handler Handler, inline bool) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("handler for %s is nil", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Subscription{}, ErrClosed
	}

	s := &subscriber{
		id:      b.nextID.Add(1),
		handler: handler,
		inline:  inline,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[name] = append(b.subs[name], s)

	b.wg.Add(1)
	go b.drain(name, s)

	return Subscription{name: name, id: s.id}, nil
}

// Unsubscribe removes a handler. Events already in its inbox are still delivered.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []*subscriber
	b.subs[sub.name], removed = lo.FilterReject(b.subs[sub.name], func(s *subscriber, _ int) bool {
		return s.id != sub.id
	})
	if len(b.subs[sub.name]) == 0 {
		delete(b.subs, sub.name)
	}

	for _, s := range removed {
		s.close()
	}
}

// Publish hands the event to every current subscriber and returns immediately.
// Handlers get a context that keeps ctx's values but not its cancellation.
func (b *Bus) Publish(ctx context.Context, name Name, payload any) {
	b.mu.RLock()
	subs := b.subs[name]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		b.logger.Warn("event_dropped", "event", name, "reason", "bus_closed")
		return
	}
	if len(subs) == 0 {
		b.logger.Debug("event_dropped", "event", name, "reason", "no_subscribers")
		return
	}

	b.deliver(ctx, subs, Event{Name: name, Payload: payload})
}

// Dispatch runs the handlers registered with SubscribeSync for the event on
// the calling goroutine, under ctx, and returns their joined errors. Only when
// all of them succeed is the event handed to the other subscribers as with
// Publish.
func (b *Bus) Dispatch(ctx context.Context, name Name, payload any) error {
	b.mu.RLock()
	subs := b.subs[name]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	event := Event{Name: name, Payload: payload}
	inline, queued := lo.FilterReject(subs, func(s *subscriber, _ int) bool {
		return s.inline
	})

	var errs []error
	for _, s := range inline {
		if err := b.invoke(ctx, name, s, event); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("dispatch %s: %w", name, err)
	}

	b.deliver(ctx, queued, event)
	return nil
}

func (b *Bus) deliver(ctx context.Context, subs []*subscriber, event Event) {
	d := delivery{
		ctx:   context.WithoutCancel(ctx),
		event: event,
	}
	for _, s := range subs {
		s.enqueue(d)
	}
}

// SubscriberCount returns the number of handlers registered for the named event.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[name])
}

// Close stops accepting events and waits until every inbox is drained or ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, s := range lo.Flatten(lo.Values(b.subs)) {
			s.close()
		}
		b.subs = make(map[Name][]*subscriber)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain event handlers: %w", ctx.Err())
	}
}

func (b *Bus) drain(name Name, s *subscriber) {
	defer b.wg.Done()

	for {
		d, ok := s.next()
		if !ok {
			return
		}
		b.dispatch(name, s, d)
	}
}

// dispatch runs one queued handler invocation and logs its failure.
func (b *Bus) dispatch(name Name, s *subscriber, d delivery) {
	if err := b.invoke(d.ctx, name, s, d.event); err != nil {
		b.logger.Error("event_handler_failed",
			"event", name,
			"subscriber", s.id,
			"error", err,
		)
	}
}

// invoke calls the handler and turns a panic into an error.
func (b *Bus) invoke(ctx context.Context, name Name, s *subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event_handler_panic",
				"event", name,
				"subscriber", s.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler %d panicked: %v", s.id, r)
		}
	}()

	return s.handler(ctx, event)
}

func (s *subscriber) enqueue(d delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inbox = append(s.inbox, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// Already signalled
	}
}

// next blocks until a delivery is available. It returns false once the
// subscriber is closed and its inbox is empty.
func (s *subscriber) next() (delivery, bool) {
	for {
		s.mu.Lock()
		if len(s.inbox) > 0 {
			d := s.inbox[0]
			s.inbox[0] = delivery{}
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			return d, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return delivery{}, false
		}

		select {
		case <-s.wake:
		case <-s.done:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
