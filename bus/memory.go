// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package bus

import (
	"sync"

	"github.com/arietta-io/arietta/topics"
)

// MemoryBus is a process-local Bus keeping its registry in a map of filter to
// registrations. Matching is linear over distinct filters, which is ample for
// the registration counts a single broker process carries.
type MemoryBus struct {
	sync.RWMutex
	registry map[string][]*Registration
	closed   bool
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		registry: map[string][]*Registration{},
	}
}

// Subscribe registers a handler for a topic filter.
func (b *MemoryBus) Subscribe(filter string, h Handler) (*Registration, error) {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	r := &Registration{Filter: filter, handler: h}
	b.registry[filter] = append(b.registry[filter], r)
	return r, nil
}

// Unsubscribe removes a registration from the registry.
func (b *MemoryBus) Unsubscribe(r *Registration) error {
	if r == nil {
		return nil
	}

	b.Lock()
	defer b.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	regs, ok := b.registry[r.Filter]
	if !ok {
		return ErrNotRegistered
	}

	for i, reg := range regs {
		if reg == r {
			regs = append(regs[:i], regs[i+1:]...)
			if len(regs) == 0 {
				delete(b.registry, r.Filter)
			} else {
				b.registry[r.Filter] = regs
			}
			return nil
		}
	}

	return ErrNotRegistered
}

// Publish invokes the handler of every registration whose filter matches the
// topic. Handlers run on the publisher's goroutine, one after another, so a
// shared opts envelope stamped by the first delivery is seen by the rest.
func (b *MemoryBus) Publish(topic string, payload []byte, opts *Options) error {
	if opts == nil {
		opts = new(Options)
	}

	b.RLock()
	if b.closed {
		b.RUnlock()
		return ErrBusClosed
	}

	matched := make([]*Registration, 0, 4)
	for filter, regs := range b.registry {
		if topics.Match(filter, topic) {
			matched = append(matched, regs...)
		}
	}
	b.RUnlock()

	for _, r := range matched {
		r.handler(topic, payload, opts)
	}

	return nil
}

// Close marks the bus closed and drops all registrations.
func (b *MemoryBus) Close() error {
	b.Lock()
	defer b.Unlock()

	b.closed = true
	b.registry = map[string][]*Registration{}
	return nil
}
