// Package emitter is the named-event publish/subscribe primitive used by the
// bus, devices, clients and servers.
package emitter

import (
	"context"
	"reflect"
	"sync"

	"devicebus-go/errcode"
)

// Handler receives the arguments passed to Emit.
type Handler func(args ...any)

type listener struct {
	name string
	fn   Handler
	key  uintptr
	once bool
}

// Emitter dispatches named events to subscribed handlers. The zero value is
// ready to use. When an executor is set, handler invocation is deferred to
// it; otherwise handlers run on the emitting goroutine.
type Emitter struct {
	mu        sync.Mutex
	listeners []*listener
	exec      func(fn func())
}

// SetExecutor routes handler invocation through exec. The bus installs its
// deferred-callback queue here so handlers never run inside the router.
func (e *Emitter) SetExecutor(exec func(fn func())) {
	e.mu.Lock()
	e.exec = exec
	e.mu.Unlock()
}

func handlerKey(fn Handler) uintptr { return reflect.ValueOf(fn).Pointer() }

// Subscription identifies one registered handler; cancelling through it
// removes exactly that registration.
type Subscription struct {
	e *Emitter
	l *listener
}

// Cancel removes the subscription. Fails once the handler is gone (already
// delivered for one-shots, or cancelled before).
func (s *Subscription) Cancel() error { return s.e.remove(s.l) }

func (e *Emitter) subscribe(name string, fn Handler, once bool) *Subscription {
	l := &listener{name: name, fn: fn, key: handlerKey(fn), once: once}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
	return &Subscription{e: e, l: l}
}

func (e *Emitter) remove(l *listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, x := range e.listeners {
		if x == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return nil
		}
	}
	return errcode.NotSubscribed
}

// On subscribes fn to name.
func (e *Emitter) On(name string, fn Handler) *Subscription {
	return e.subscribe(name, fn, false)
}

// Once subscribes fn to name for a single delivery.
func (e *Emitter) Once(name string, fn Handler) *Subscription {
	return e.subscribe(name, fn, true)
}

// Off removes the first subscription matching (name, fn).
func (e *Emitter) Off(name string, fn Handler) error {
	key := handlerKey(fn)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.name == name && l.key == key {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return nil
		}
	}
	return errcode.NotSubscribed
}

// Emit delivers args to every handler subscribed to name. The listener list
// is snapshotted first, so handlers may subscribe or unsubscribe during
// delivery.
func (e *Emitter) Emit(name string, args ...any) {
	e.mu.Lock()
	var fire []*listener
	kept := e.listeners[:0]
	for _, l := range e.listeners {
		if l.name == name {
			fire = append(fire, l)
			if l.once {
				continue
			}
		}
		kept = append(kept, l)
	}
	e.listeners = kept
	exec := e.exec
	e.mu.Unlock()

	for _, l := range fire {
		fn := l.fn
		if exec != nil {
			exec(func() { fn(args...) })
		} else {
			fn(args...)
		}
	}
}

// Await blocks until name fires or ctx is done, returning the event args.
func (e *Emitter) Await(ctx context.Context, name string) ([]any, error) {
	ch := make(chan []any, 1)
	sub := e.Once(name, func(args ...any) {
		select {
		case ch <- args:
		default:
		}
	})
	select {
	case args := <-ch:
		return args, nil
	case <-ctx.Done():
		_ = sub.Cancel()
		return nil, ctx.Err()
	}
}
