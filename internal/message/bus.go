package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoReceiver is returned when no endpoint is registered for the
// destination tab, for example because the tab was closed.
var ErrNoReceiver = errors.New("message: receiving end does not exist")

// Handler processes one request and returns its response. Handlers run on
// their own goroutine and may block.
type Handler interface {
	HandleMessage(ctx context.Context, from TabID, msg Message) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from TabID, msg Message) Response

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, from TabID, msg Message) Response {
	return f(ctx, from, msg)
}

// Sender delivers a request and waits for its response.
type Sender interface {
	Send(ctx context.Context, from, to TabID, msg Message) (Response, error)
}

// Bus is an in-process asynchronous request/response bus. It is safe for
// concurrent use.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[TabID]*endpoint
	wg        sync.WaitGroup
}

type endpoint struct {
	h Handler
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[TabID]*endpoint)}
}

// Register installs h as the receiver for id, replacing any previous
// receiver. The returned function removes the registration; it is a no-op if
// id has since been re-registered.
func (b *Bus) Register(id TabID, h Handler) (unregister func()) {
	ep := &endpoint{h: h}
	b.mu.Lock()
	b.endpoints[id] = ep
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.endpoints[id] == ep {
			delete(b.endpoints, id)
		}
	}
}

// Registered reports whether id currently has a receiver.
func (b *Bus) Registered(id TabID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.endpoints[id]
	return ok
}

// Send dispatches msg to the receiver registered for to and waits for the
// response or for ctx to end. The handler runs on its own goroutine with a
// context that keeps the caller's values but not its cancellation.
func (b *Bus) Send(ctx context.Context, from, to TabID, msg Message) (Response, error) {
	b.mu.RLock()
	ep, ok := b.endpoints[to]
	b.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrNoReceiver, to)
	}

	done := make(chan Response, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		done <- dispatch(context.WithoutCancel(ctx), ep.h, from, msg)
	}()

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("message: %s to %s: %w", msg.Kind, to, ctx.Err())
	}
}

// Post delivers msg without waiting for a response. Delivery errors are
// returned immediately; handler results are discarded.
func (b *Bus) Post(ctx context.Context, from, to TabID, msg Message) error {
	b.mu.RLock()
	ep, ok := b.endpoints[to]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, to)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		dispatch(context.WithoutCancel(ctx), ep.h, from, msg)
	}()
	return nil
}

// Wait blocks until every in-flight handler has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// dispatch runs h, converting a panic into a failed response.
func dispatch(ctx context.Context, h Handler, from TabID, msg Message) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Failf(fmt.Sprintf("handler for %s panicked: %v", msg.Kind, r))
		}
	}()
	return h.HandleMessage(ctx, from, msg)
}
