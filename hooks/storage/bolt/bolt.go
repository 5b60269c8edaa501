// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package bolt provides a persistence hook backed by a boltdb file store.
package bolt

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/hooks/storage"
	"github.com/arietta-io/arietta/packets"
	"github.com/arietta-io/arietta/topics"
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to wait for the file lock on open.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "arietta"
)

// clientKey returns a primary key for a client.
func clientKey(id string) string {
	return storage.ClientKey + "_" + id
}

// subscriptionKey returns a primary key for a subscription.
func subscriptionKey(id, filter string) string {
	return storage.SubscriptionKey + "_" + id + ":" + filter
}

// subscriptionPrefix returns the key prefix for a client's subscriptions.
func subscriptionPrefix(id string) string {
	return storage.SubscriptionKey + "_" + id + ":"
}

// retainedKey returns a primary key for a retained message.
func retainedKey(topic string) string {
	return storage.RetainedKey + "_" + topic
}

// offlineKey returns a primary key for an offline-queued message. The dedup
// token is zero-padded so lexicographic key order is queue order.
func offlineKey(id string, dedupID uint64) string {
	return fmt.Sprintf("%s_%s:%020d", storage.OfflineKey, id, dedupID)
}

// offlinePrefix returns the key prefix for a client's offline queue.
func offlinePrefix(id string) string {
	return storage.OfflineKey + "_" + id + ":"
}

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options
	Bucket  string `yaml:"bucket" json:"bucket"`
	Path    string `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a boltdb file store as a backend.
type Hook struct {
	arietta.HookBase
	connectedMu sync.RWMutex
	connected   map[string]bool // client ids with live sessions
	config      *Options        // options for configuring the boltdb instance
	db          *bbolt.DB       // the boltdb instance
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
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

// Init initializes and connects to the boltdb instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return arietta.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.connected = map[string]bool{}
	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}
	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
}

// Stop closes the boltdb instance.
func (h *Hook) Stop() error {
	err := h.db.Close()
	h.db = nil
	return err
}

// setConnected records whether a client currently has a live session.
func (h *Hook) setConnected(id string, online bool) {
	h.connectedMu.Lock()
	defer h.connectedMu.Unlock()
	if online {
		h.connected[id] = true
	} else {
		delete(h.connected, id)
	}
}

// isConnected returns whether a client currently has a live session.
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

	subs, err := h.matchingSubscriptions(pk.TopicName)
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
			T:         storage.OfflineKey,
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

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		key := []byte(offlineKey(clientID, dedupID))

		data := bucket.Get(key)
		if data == nil {
			return nil
		}

		msg := storage.Message{}
		if err := msg.UnmarshalBinary(data); err != nil {
			return err
		}

		msg.PacketID = packetID
		out, err := msg.MarshalBinary()
		if err != nil {
			return err
		}

		return bucket.Put(key, out)
	})
}

// DeleteOfflineMessage removes an acknowledged packet from a client's queue.
func (h *Hook) DeleteOfflineMessage(clientID string, packetID uint16) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		c := bucket.Cursor()
		prefix := []byte(offlinePrefix(clientID))

		for k, data := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, data = c.Next() {
			msg := storage.Message{}
			if err := msg.UnmarshalBinary(data); err != nil {
				return err
			}
			if msg.PacketID == packetID {
				return bucket.Delete(k)
			}
		}
		return nil
	})
}

// setKv stores a key-value pair in the db.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(k), data)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the db.
func (h *Hook) delKv(k string) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		return bucket.Delete([]byte(k))
	})
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// delPrefix deletes every key-value pair sharing a key prefix.
func (h *Hook) delPrefix(prefix string) error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		c := bucket.Cursor()
		p := []byte(prefix)

		keys := make([][]byte, 0, 4)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// matchingSubscriptions returns every stored subscription whose filter
// matches a topic.
func (h *Hook) matchingSubscriptions(topic string) ([]storage.Subscription, error) {
	var subs []storage.Subscription
	err := h.scanPrefix(storage.SubscriptionKey+"_", func(data []byte) error {
		sub := storage.Subscription{}
		if err := sub.UnmarshalBinary(data); err != nil {
			return err
		}
		if topics.Match(sub.Filter, topic) {
			subs = append(subs, sub)
		}
		return nil
	})
	return subs, err
}

// scanPrefix invokes a callback for the value of every key sharing a prefix,
// in lexicographic key order.
func (h *Hook) scanPrefix(prefix string, fn func(data []byte) error) error {
	return h.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(h.config.Bucket))
		c := bucket.Cursor()
		p := []byte(prefix)

		for k, data := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, data = c.Next() {
			if err := fn(data); err != nil {
				return err
			}
		}
		return nil
	})
}

// String satisfies fmt.Stringer.
func (h *Hook) String() string {
	return strings.Join([]string{h.ID(), h.config.Path}, " ")
}
