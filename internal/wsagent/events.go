package wsagent

import (
	"sync"

	"github.com/ashureev/prdpilot/internal/protocol"
)

// Handler receives inbound events.
type Handler = func(protocol.Event)

type subscriber struct {
	id uint64
	fn Handler
}

// registry is an ordered subscriber list per event type.
type registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[protocol.EventType][]subscriber
}

// On registers fn for events of type t. The returned func unsubscribes.
func (c *Client) On(t protocol.EventType, fn Handler) func() {
	r := &c.listeners
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[protocol.EventType][]subscriber)
	}
	r.nextID++
	id := r.nextID
	r.subs[t] = append(r.subs[t], subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.subs[t]
			for i, s := range list {
				if s.id == id {
					r.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribe registers a handler typed by its concrete event, e.g.
//
//	wsagent.Subscribe(c, func(e *protocol.ResponseComplete) { ... })
//
// E must be a concrete event pointer type.
func Subscribe[E protocol.Event](c *Client, fn func(E)) func() {
	var zero E
	return c.On(zero.Type(), func(evt protocol.Event) {
		if e, ok := evt.(E); ok {
			fn(e)
		}
	})
}

func (c *Client) emit(evt protocol.Event) {
	r := &c.listeners
	r.mu.RLock()
	list := append([]subscriber(nil), r.subs[evt.Type()]...)
	r.mu.RUnlock()

	for _, s := range list {
		c.invoke(s.fn, evt)
	}
}

func (c *Client) invoke(fn Handler, evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Event listener panicked", "type", evt.Type(), "panic", r)
		}
	}()
	fn(evt)
}
