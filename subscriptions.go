// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package arietta

import (
	"sync"
	"sync/atomic"

	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/packets"
)

// subscription is a client's hold on a single topic filter: the granted qos
// and the registration handle returned by the bus, which is required to
// deregister the bound forwarder again.
type subscription struct {
	filter string
	qos    uint32 // atomic; a repeat SUBSCRIBE updates it in place
	reg    *bus.Registration
}

func (s *subscription) Qos() byte {
	return byte(atomic.LoadUint32(&s.qos))
}

func (s *subscription) setQos(qos byte) {
	atomic.StoreUint32(&s.qos, uint32(qos))
}

// Subscriptions is a map of a client's active subscriptions, keyed on the
// normalized topic filter.
type Subscriptions struct {
	sync.RWMutex
	internal map[string]*subscription
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]*subscription{},
	}
}

// Add adds a subscription for a topic filter.
func (s *Subscriptions) Add(filter string, sub *subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[filter] = sub
}

// Get returns the subscription for a topic filter.
func (s *Subscriptions) Get(filter string) (*subscription, bool) {
	s.RLock()
	defer s.RUnlock()
	sub, ok := s.internal[filter]
	return sub, ok
}

// Delete removes the subscription for a topic filter.
func (s *Subscriptions) Delete(filter string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, filter)
}

// Len returns the number of active subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// all returns a snapshot of the active subscription records.
func (s *Subscriptions) all() []*subscription {
	s.RLock()
	defer s.RUnlock()

	subs := make([]*subscription, 0, len(s.internal))
	for _, sub := range s.internal {
		subs = append(subs, sub)
	}
	return subs
}

// GetAll returns a snapshot of the active subscriptions as filter and qos
// pairs.
func (s *Subscriptions) GetAll() []packets.Subscription {
	s.RLock()
	defer s.RUnlock()

	subs := make([]packets.Subscription, 0, len(s.internal))
	for _, sub := range s.internal {
		subs = append(subs, packets.Subscription{Filter: sub.filter, Qos: sub.Qos()})
	}
	return subs
}
