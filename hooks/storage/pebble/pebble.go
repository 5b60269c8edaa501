// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package pebble provides a persistence hook backed by a pebble key-value
// store.
package pebble

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	pebbledb "github.com/cockroachdb/pebble"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/hooks/storage"
	"github.com/arietta-io/arietta/packets"
	"github.com/arietta-io/arietta/topics"
)

// defaultDbFile is the default file path for the pebble db directory.
const defaultDbFile = ".pebble"

func clientKey(id string) string {
	return storage.ClientKey + "_" + id
}

func subscriptionKey(id, filter string) string {
	return storage.SubscriptionKey + "_" + id + ":" + filter
}

func subscriptionPrefix(id string) string {
	return storage.SubscriptionKey + "_" + id + ":"
}

func retainedKey(topic string) string {
	return storage.RetainedKey + "_" + topic
}

func offlineKey(id string, dedupID uint64) string {
	return fmt.Sprintf("%s_%s:%020d", storage.OfflineKey, id, dedupID)
}

func offlinePrefix(id string) string {
	return storage.OfflineKey + "_" + id + ":"
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper-bound
}

// Options contains configuration settings for the pebble instance.
type Options struct {
	Options *pebbledb.Options
	Path    string `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a pebble store as a backend.
type Hook struct {
	arietta.HookBase
	connectedMu sync.RWMutex
	connected   map[string]bool // client ids with live sessions
	config      *Options        // options for configuring the pebble instance
	db          *pebbledb.DB    // the pebble instance
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		arietta.OnSessionEstablished,
		arietta.OnDisconnect,
		arietta.OnSubscribed,
		arietta.OnUnsubscribed,
		arietta.OnPublished,
		arietta.OnRetainMessage,
		arietta.OnWillSent,
		arietta.StoredSubscriptions,
		arietta.StoredRetainedByFilter,
		arietta.StoredOfflineMessages,
		arietta.UpdateOfflineMessageID,
		arietta.DeleteOfflineMessage,
	}, []byte{b})
}

// Init initializes and connects to the pebble instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return arietta.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.connected = map[string]bool{}
	h.config = config.(*Options)
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}
	if h.config.Options == nil {
		h.config.Options = &pebbledb.Options{}
	}

	var err error
	h.db, err = pebbledb.Open(h.config.Path, h.config.Options)
	return err
}

// Stop closes the pebble instance.
func (h *Hook) Stop() error {
	err := h.db.Close()
	h.db = nil
	return err
}

func (h *Hook) setConnected(id string, online bool) {
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	if online {
		h.connected[id] = true
	} else {
		delete(h.connected, id)
	}
}

func (h *Hook) isConnected(id string) bool {
	h.connectedMu.RLock()
	defer h.connectedMu.RUnlock()
	return h.connected[id]
}

// updateClient writes the client data to the store.
func (h *Hook) updateClient(cl *arietta.Client) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Client{
		ID:       cl.ID,
		T:        storage.ClientKey,
		Listener: cl.Listener,
		Username: cl.Properties.Username,
		Clean:    cl.Properties.Clean,
		Will: storage.ClientWill{
			TopicName: cl.Properties.Will.TopicName,
			Payload:   cl.Properties.Will.Payload,
			Qos:       cl.Properties.Will.Qos,
			Retain:    cl.Properties.Will.Retain,
		},
	}

	_ = h.setKv(clientKey(cl.ID), in)
}

// OnSessionEstablished adds a client to the store when their session is
// established.
func (h *Hook) OnSessionEstablished(cl *arietta.Client, pk packets.Packet) {
	h.setConnected(cl.ID, true)
	h.updateClient(cl)
}

// OnWillSent refreshes the stored client record when its will message has
// been issued.
func (h *Hook) OnWillSent(cl *arietta.Client, pk packets.Packet) {
	h.updateClient(cl)
}

// OnDisconnect removes all state for a client which was using a clean
// session, and otherwise persists its record for the next connection.
func (h *Hook) OnDisconnect(cl *arietta.Client, _ error, expire bool) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	h.setConnected(cl.ID, false)

	if !expire {
		h.updateClient(cl)
		return
	}

	_ = h.delKv(clientKey(cl.ID))
	_ = h.delPrefix(subscriptionPrefix(cl.ID))
	_ = h.delPrefix(offlinePrefix(cl.ID))
}

// OnSubscribed adds a client subscription to the store.
func (h *Hook) OnSubscribed(cl *arietta.Client, filter string, qos byte) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Subscription{
		ID:     subscriptionKey(cl.ID, filter),
		T:      storage.SubscriptionKey,
		Client: cl.ID,
		Filter: filter,
		Qos:    qos,
	}
	_ = h.setKv(in.ID, in)
}

// OnUnsubscribed removes a client subscription from the store.
func (h *Hook) OnUnsubscribed(cl *arietta.Client, filter string) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	_ = h.delKv(subscriptionKey(cl.ID, filter))
}

// OnRetainMessage adds a retained message for a topic to the store, or
// clears it when the payload is empty.
func (h *Hook) OnRetainMessage(cl *arietta.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if len(pk.Payload) == 0 {
		_ = h.delKv(retainedKey(pk.TopicName))
		return
	}

	in := &storage.Message{
		ID:          retainedKey(pk.TopicName),
		T:           storage.RetainedKey,
		FixedHeader: pk.FixedHeader,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Origin:      pk.Origin,
		Created:     pk.Created,
	}
	_ = h.setKv(in.ID, in)
}

// OnPublished queues a published message for every stored subscription whose
// client is disconnected, preserving publish order per client.
func (h *Hook) OnPublished(cl *arietta.Client, pk packets.Packet, opts *bus.Options) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	var subs []storage.Subscription
	err := h.scanPrefix(storage.SubscriptionKey+"_", func(data []byte) error {
		sub := storage.Subscription{}
		if err := sub.UnmarshalBinary(data); err != nil {
			return err
		}
		if topics.Match(sub.Filter, pk.TopicName) {
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		h.Log.Error("failed scanning subscriptions", "error", err)
		return
	}

	queued := map[string]bool{}
	for _, sub := range subs {
		if h.isConnected(sub.Client) || queued[sub.Client] {
			continue
		}
		queued[sub.Client] = true

		qos := pk.FixedHeader.Qos
		if sub.Qos < qos {
			qos = sub.Qos
		}

		in := &storage.Message{
			ID:        offlineKey(sub.Client, opts.DedupID),
			T:        storage.OfflineKey,
			Client:    sub.Client,
			Origin:    pk.Origin,
			TopicName: pk.TopicName,
			Payload:   pk.Payload,
			Created:   pk.Created,
			DedupID:   opts.DedupID,
			FixedHeader: packets.FixedHeader{
				Type: packets.Publish,
				Qos:  qos,
			},
		}
		_ = h.setKv(in.ID, in)
	}
}

// StoredSubscriptions returns the subscriptions persisted for a client.
func (h *Hook) StoredSubscriptions(clientID string) (v []storage.Subscription, err error) {
	if h.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	err = h.scanPrefix(subscriptionPrefix(clientID), func(data []byte) error {
		sub := storage.Subscription{}
		if err := sub.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, sub)
		return nil
	})
	return v, err
}

// StoredRetainedByFilter returns the retained messages matching a filter.
func (h *Hook) StoredRetainedByFilter(filter string) (v []storage.Message, err error) {
	if h.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	err = h.scanPrefix(storage.RetainedKey+"_", func(data []byte) error {
		msg := storage.Message{}
		if err := msg.UnmarshalBinary(data); err != nil {
			return err
		}
		if topics.Match(filter, msg.TopicName) {
			v = append(v, msg)
		}
		return nil
	})
	return v, err
}

// StoredOfflineMessages returns the packets queued for a client, in queue
// order.
func (h *Hook) StoredOfflineMessages(clientID string) (v []storage.Message, err error) {
	if h.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	err = h.scanPrefix(offlinePrefix(clientID), func(data []byte) error {
		msg := storage.Message{}
		if err := msg.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, msg)
		return nil
	})
	return v, err
}

// UpdateOfflineMessageID records the packet id assigned to a queued packet
// on delivery.
func (h *Hook) UpdateOfflineMessageID(clientID string, dedupID uint64, packetID uint16) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	key := []byte(offlineKey(clientID, dedupID))
	data, closer, err := h.db.Get(key)
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	msg := storage.Message{}
	err = msg.UnmarshalBinary(data)
	_ = closer.Close()
	if err != nil {
		return err
	}

	msg.PacketID = packetID
	out, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	return h.db.Set(key, out, pebbledb.Sync)
}

// DeleteOfflineMessage removes an acknowledged packet from a client's queue.
func (h *Hook) DeleteOfflineMessage(clientID string, packetID uint16) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	var key []byte
	err := h.scanPrefixKeys(offlinePrefix(clientID), func(k, data []byte) error {
		msg := storage.Message{}
		if err := msg.UnmarshalBinary(data); err != nil {
			return err
		}
		if key == nil && msg.PacketID == packetID {
			key = append([]byte(nil), k...)
		}
		return nil
	})
	if err != nil || key == nil {
		return err
	}

	return h.db.Delete(key, pebbledb.Sync)
}

// setKv stores a key-value pair in the db.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err == nil {
		err = h.db.Set([]byte(k), data, pebbledb.Sync)
	}
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the db.
func (h *Hook) delKv(k string) error {
	err := h.db.Delete([]byte(k), pebbledb.Sync)
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// delPrefix deletes every key-value pair sharing a key prefix.
func (h *Hook) delPrefix(prefix string) error {
	p := []byte(prefix)
	return h.db.DeleteRange(p, keyUpperBound(p), pebbledb.Sync)
}

// scanPrefix invokes a callback for the value of every key sharing a prefix,
// in lexicographic key order.
func (h *Hook) scanPrefix(prefix string, fn func(data []byte) error) error {
	return h.scanPrefixKeys(prefix, func(_, data []byte) error {
		return fn(data)
	})
}

// scanPrefixKeys invokes a callback for every key-value pair sharing a key
// prefix, in lexicographic key order.
func (h *Hook) scanPrefixKeys(prefix string, fn func(k, data []byte) error) error {
	p := []byte(prefix)
	iter, err := h.db.NewIter(&pebbledb.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// String satisfies fmt.Stringer.
func (h *Hook) String() string {
	return strings.Join([]string{h.ID(), h.config.Path}, " ")
}
