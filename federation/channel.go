package federation

import (
	"context"
	"errors"
	"sync"
)

// Channel is one broadcast medium shared by the federation.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Subscriber is a channel that can also deliver inbound messages.
type Subscriber interface {
	Channel
	// Subscribe calls fn for each message until ctx is done.
	Subscribe(ctx context.Context, fn func(Message)) error
}

var ErrChannelDown = errors.New("channel unavailable")

// MemHub is an in-process broadcast bus used in tests and single-node deployments.
type MemHub struct {
	mu   sync.Mutex
	subs map[string][]chan Message
	log  map[string][]Message
	down map[string]bool
}

func NewMemHub() *MemHub {
	return &MemHub{
		subs: make(map[string][]chan Message),
		log:  make(map[string][]Message),
		down: make(map[string]bool),
	}
}

// Channel returns a handle on the named channel.
func (h *MemHub) Channel(name string) *MemChannel {
	return &MemChannel{hub: h, name: name}
}

// SetDown makes sends on the named channel fail until cleared.
func (h *MemHub) SetDown(name string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[name] = down
}

// Sent returns every message successfully sent on the named channel.
func (h *MemHub) Sent(name string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.log[name]...)
}

type MemChannel struct {
	hub  *MemHub
	name string
}

var _ Subscriber = (*MemChannel)(nil)

func (c *MemChannel) Name() string {
	return c.name
}

func (c *MemChannel) Send(ctx context.Context, msg Message) error {
	c.hub.mu.Lock()
	if c.hub.down[c.name] {
		c.hub.mu.Unlock()
		return ErrChannelDown
	}
	c.hub.log[c.name] = append(c.hub.log[c.name], msg)
	subs := append([]chan Message(nil), c.hub.subs[c.name]...)
	c.hub.mu.Unlock()
	for _, s := range subs {
		select {
		case s <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *MemChannel) Subscribe(ctx context.Context, fn func(Message)) error {
	ch := make(chan Message, 64)
	c.hub.mu.Lock()
	c.hub.subs[c.name] = append(c.hub.subs[c.name], ch)
	c.hub.mu.Unlock()
	defer func() {
		c.hub.mu.Lock()
		defer c.hub.mu.Unlock()
		subs := c.hub.subs[c.name]
		for i, s := range subs {
			if s == ch {
				c.hub.subs[c.name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-ch:
			fn(m)
		}
	}
}
