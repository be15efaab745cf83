// Package signaling is the participant side of the signaling socket.
package signaling

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Transport is one persistent event channel to the relay. Delivery is
// at-most-once and in order. Handlers run on the transport's read goroutine
// and must not block.
type Transport interface {
	// ID is the connection id assigned by the relay. It changes on reconnect.
	ID() string
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(event string, h Handler) (unsubscribe func())
	// OnConnect is called with the new id after every reconnect.
	OnConnect(fn func(id string)) (unsubscribe func())
	// OnDisconnect is called when the connection drops, before the
	// transport starts reconnecting. err wraps domain.ErrSignalingTransport.
	OnDisconnect(fn func(err error)) (unsubscribe func())
	Close() error
}

// Subscriptions collects unsubscribe funcs registered when a room is entered
// and releases them together on exit.
type Subscriptions struct {
	mu  sync.Mutex
	fns []func()
}

func (s *Subscriptions) Add(unsubscribe func()) {
	s.mu.Lock()
	s.fns = append(s.fns, unsubscribe)
	s.mu.Unlock()
}

func (s *Subscriptions) On(t Transport, event string, h Handler) {
	s.Add(t.Subscribe(event, h))
}

func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// Release calls every collected unsubscribe func once.
func (s *Subscriptions) Release() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// registry is the subscriber table shared by transport implementations.
type registry struct {
	mu         sync.RWMutex
	next       int
	handlers   map[string]map[int]Handler
	connect    map[int]func(string)
	disconnect map[int]func(error)
}

func newRegistry() *registry {
	return &registry{
		handlers:   make(map[string]map[int]Handler),
		connect:    make(map[int]func(string)),
		disconnect: make(map[int]func(error)),
	}
}

func (r *registry) subscribe(event string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[int]Handler)
	}
	r.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[event], id)
			r.mu.Unlock()
		})
	}
}

func (r *registry) onConnect(fn func(string)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.connect[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.connect, id)
			r.mu.Unlock()
		})
	}
}

func (r *registry) onDisconnect(fn func(error)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.disconnect[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.disconnect, id)
			r.mu.Unlock()
		})
	}
}

func (r *registry) dispatch(event string, data json.RawMessage) int {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[event]))
	for _, h := range r.handlers[event] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
	return len(hs)
}

func (r *registry) connected(id string) {
	r.mu.RLock()
	fns := make([]func(string), 0, len(r.connect))
	for _, fn := range r.connect {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(id)
	}
}

func (r *registry) disconnected(err error) {
	r.mu.RLock()
	fns := make([]func(error), 0, len(r.disconnect))
	for _, fn := range r.disconnect {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}
