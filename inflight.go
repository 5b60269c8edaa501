// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package arietta

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arietta-io/arietta/packets"
)

// Inflight is a map of qos-1 publish packets awaiting acknowledgement,
// keyed on packet id.
type Inflight struct {
	sync.RWMutex
	internal map[uint16]packets.Packet
	qty      int64 // number of active inflight packets
}

// NewInflight returns a new instance of an Inflight packets map.
func NewInflight() *Inflight {
	return &Inflight{
		internal: map[uint16]packets.Packet{},
	}
}

// Set adds or updates an inflight packet, returning true if the packet
// was new.
func (i *Inflight) Set(m packets.Packet) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[m.PacketID]
	if !ok {
		atomic.AddInt64(&i.qty, 1)
	}

	i.internal[m.PacketID] = m
	return !ok
}

// Get returns an inflight packet by packet id.
func (i *Inflight) Get(id uint16) (packets.Packet, bool) {
	i.RLock()
	defer i.RUnlock()

	m, ok := i.internal[id]
	return m, ok
}

// Delete removes an inflight packet by packet id, returning true if the
// packet existed.
func (i *Inflight) Delete(id uint16) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	if ok {
		atomic.AddInt64(&i.qty, -1)
	}

	delete(i.internal, id)
	return ok
}

// Len returns the number of active inflight packets.
func (i *Inflight) Len() int {
	return int(atomic.LoadInt64(&i.qty))
}

// GetAll returns all inflight packets in packet id order.
func (i *Inflight) GetAll() []packets.Packet {
	i.RLock()
	defer i.RUnlock()

	m := make([]packets.Packet, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		return m[a].PacketID < m[b].PacketID
	})

	return m
}
