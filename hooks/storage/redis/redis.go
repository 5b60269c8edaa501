// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package redis provides a persistence hook backed by a redis server. Each
// data type lives in its own hash, fields sorted lexicographically where
// queue order matters.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	redisdb "github.com/go-redis/redis/v8"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/hooks/storage"
	"github.com/arietta-io/arietta/packets"
	"github.com/arietta-io/arietta/topics"
)

// defaultHPrefix is the default hash-key prefix.
const defaultHPrefix = "arietta:"

// subscriptionField returns the hash field for a subscription.
func subscriptionField(id, filter string) string {
	return id + ":" + filter
}

// offlineField returns the hash field for an offline-queued message. The
// dedup token is zero-padded so lexicographic field order is queue order.
func offlineField(id string, dedupID uint64) string {
	return fmt.Sprintf("%s:%020d", id, dedupID)
}

// Options contains configuration settings for the redis connection.
type Options struct {
	Options *redisdb.Options
	HPrefix string `yaml:"h_prefix" json:"h_prefix"`
}

// Hook is a persistent storage hook using redis as a backend.
type Hook struct {
	arietta.HookBase
	connectedMu sync.RWMutex
	connected   map[string]bool // client ids with live sessions
	config      *Options        // options for connecting to redis
	db          *redisdb.Client // the redis instance
	ctx         context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
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

// hKey returns a hash-table key with the configured prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return arietta.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.ctx = context.Background()
	h.connected = map[string]bool{}
	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redisdb.Options{
			Addr: "localhost:6379",
		}
	}
	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.db = redisdb.NewClient(h.config.Options)
	if _, err := h.db.Ping(h.ctx).Result(); err != nil {
		return fmt.Errorf("failed connecting to redis service: %w", err)
	}

	h.Log.Info("connected to redis service", "addr", h.config.Options.Addr)
	return nil
}

// Stop closes the redis connection.
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

	data, err := in.MarshalBinary()
	if err != nil {
		h.Log.Error("failed to marshal client", "error", err, "client", cl.ID)
		return
	}

	if err := h.db.HSet(h.ctx, h.hKey(storage.ClientKey), cl.ID, data).Err(); err != nil {
		h.Log.Error("failed to upsert client", "error", err, "client", cl.ID)
	}
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

	if err := h.db.HDel(h.ctx, h.hKey(storage.ClientKey), cl.ID).Err(); err != nil {
		h.Log.Error("failed to delete client", "error", err, "client", cl.ID)
	}

	h.delFieldsWithPrefix(storage.SubscriptionKey, cl.ID+":")
	h.delFieldsWithPrefix(storage.OfflineKey, cl.ID+":")
}

// OnSubscribed adds a client subscription to the store.
func (h *Hook) OnSubscribed(cl *arietta.Client, filter string, qos byte) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Subscription{
		ID:     subscriptionField(cl.ID, filter),
		T:      storage.SubscriptionKey,
		Client: cl.ID,
		Filter: filter,
		Qos:    qos,
	}

	data, err := in.MarshalBinary()
	if err != nil {
		h.Log.Error("failed to marshal subscription", "error", err, "client", cl.ID)
		return
	}

	if err := h.db.HSet(h.ctx, h.hKey(storage.SubscriptionKey), in.ID, data).Err(); err != nil {
		h.Log.Error("failed to upsert subscription", "error", err, "client", cl.ID)
	}
}

// OnUnsubscribed removes a client subscription from the store.
func (h *Hook) OnUnsubscribed(cl *arietta.Client, filter string) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if err := h.db.HDel(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionField(cl.ID, filter)).Err(); err != nil {
		h.Log.Error("failed to delete subscription", "error", err, "client", cl.ID)
	}
}

// OnRetainMessage adds a retained message for a topic to the store, or
// clears it when the payload is empty.
func (h *Hook) OnRetainMessage(cl *arietta.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if len(pk.Payload) == 0 {
		if err := h.db.HDel(h.ctx, h.hKey(storage.RetainedKey), pk.TopicName).Err(); err != nil {
			h.Log.Error("failed to delete retained message", "error", err, "topic", pk.TopicName)
		}
		return
	}

	in := &storage.Message{
		ID:          pk.TopicName,
		T:           storage.RetainedKey,
		FixedHeader: pk.FixedHeader,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Origin:      pk.Origin,
		Created:     pk.Created,
	}

	data, err := in.MarshalBinary()
	if err != nil {
		h.Log.Error("failed to marshal retained message", "error", err, "topic", pk.TopicName)
		return
	}

	if err := h.db.HSet(h.ctx, h.hKey(storage.RetainedKey), in.ID, data).Err(); err != nil {
		h.Log.Error("failed to upsert retained message", "error", err, "topic", pk.TopicName)
	}
}

// OnPublished queues a published message for every stored subscription whose
// client is disconnected, preserving publish order per client.
func (h *Hook) OnPublished(cl *arietta.Client, pk packets.Packet, opts *bus.Options) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SubscriptionKey)).Result()
	if err != nil {
		h.Log.Error("failed scanning subscriptions", "error", err)
		return
	}

	queued := map[string]bool{}
	for _, row := range rows {
		sub := storage.Subscription{}
		if err := sub.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal subscription", "error", err)
			continue
		}

		if !topics.Match(sub.Filter, pk.TopicName) {
			continue
		}
		if h.isConnected(sub.Client) || queued[sub.Client] {
			continue
		}
		queued[sub.Client] = true

		qos := pk.FixedHeader.Qos
		if sub.Qos < qos {
			qos = sub.Qos
		}

		in := &storage.Message{
			ID:        offlineField(sub.Client, opts.DedupID),
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

		data, err := in.MarshalBinary()
		if err != nil {
			h.Log.Error("failed to marshal offline message", "error", err, "client", sub.Client)
			continue
		}

		if err := h.db.HSet(h.ctx, h.hKey(storage.OfflineKey), in.ID, data).Err(); err != nil {
			h.Log.Error("failed to queue offline message", "error", err, "client", sub.Client)
		}
	}
}

// StoredSubscriptions returns the subscriptions persisted for a client.
func (h *Hook) StoredSubscriptions(clientID string) (v []storage.Subscription, err error) {
	if h.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	rows, err := h.fieldsWithPrefix(storage.SubscriptionKey, clientID+":")
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		sub := storage.Subscription{}
		if err := sub.UnmarshalBinary([]byte(row)); err != nil {
			return v, err
		}
		v = append(v, sub)
	}
	return v, nil
}

// StoredRetainedByFilter returns the retained messages matching a filter.
func (h *Hook) StoredRetainedByFilter(filter string) (v []storage.Message, err error) {
	if h.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.RetainedKey)).Result()
	if err != nil && !errors.Is(err, redisdb.Nil) {
		return nil, err
	}

	for topic, row := range rows {
		if !topics.Match(filter, topic) {
			continue
		}

		msg := storage.Message{}
		if err := msg.UnmarshalBinary([]byte(row)); err != nil {
			return v, err
		}
		v = append(v, msg)
	}
	return v, nil
}

// StoredOfflineMessages returns the packets queued for a client, in queue
// order.
func (h *Hook) StoredOfflineMessages(clientID string) (v []storage.Message, err error) {
	if h.db == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	rows, err := h.fieldsWithPrefix(storage.OfflineKey, clientID+":")
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		msg := storage.Message{}
		if err := msg.UnmarshalBinary([]byte(row)); err != nil {
			return v, err
		}
		v = append(v, msg)
	}
	return v, nil
}

// UpdateOfflineMessageID records the packet id assigned to a queued packet
// on delivery.
func (h *Hook) UpdateOfflineMessageID(clientID string, dedupID uint64, packetID uint16) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	field := offlineField(clientID, dedupID)
	row, err := h.db.HGet(h.ctx, h.hKey(storage.OfflineKey), field).Result()
	if errors.Is(err, redisdb.Nil) {
		return nil
	} else if err != nil {
		return err
	}

	msg := storage.Message{}
	if err := msg.UnmarshalBinary([]byte(row)); err != nil {
		return err
	}

	msg.PacketID = packetID
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	return h.db.HSet(h.ctx, h.hKey(storage.OfflineKey), field, data).Err()
}

// DeleteOfflineMessage removes an acknowledged packet from a client's queue.
func (h *Hook) DeleteOfflineMessage(clientID string, packetID uint16) error {
	if h.db == nil {
		return storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.OfflineKey)).Result()
	if err != nil && !errors.Is(err, redisdb.Nil) {
		return err
	}

	for field, row := range rows {
		if !strings.HasPrefix(field, clientID+":") {
			continue
		}

		msg := storage.Message{}
		if err := msg.UnmarshalBinary([]byte(row)); err != nil {
			return err
		}

		if msg.PacketID == packetID {
			return h.db.HDel(h.ctx, h.hKey(storage.OfflineKey), field).Err()
		}
	}
	return nil
}

// fieldsWithPrefix returns the values of the hash fields sharing a prefix,
// in lexicographic field order.
func (h *Hook) fieldsWithPrefix(hashKey, prefix string) ([]string, error) {
	rows, err := h.db.HGetAll(h.ctx, h.hKey(hashKey)).Result()
	if err != nil && !errors.Is(err, redisdb.Nil) {
		return nil, err
	}

	fields := make([]string, 0, len(rows))
	for field := range rows {
		if strings.HasPrefix(field, prefix) {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	out := make([]string, 0, len(fields))
	for _, field := range fields {
		out = append(out, rows[field])
	}
	return out, nil
}

// delFieldsWithPrefix deletes the hash fields sharing a prefix.
func (h *Hook) delFieldsWithPrefix(hashKey, prefix string) {
	rows, err := h.db.HGetAll(h.ctx, h.hKey(hashKey)).Result()
	if err != nil && !errors.Is(err, redisdb.Nil) {
		h.Log.Error("failed scanning hash", "error", err, "key", h.hKey(hashKey))
		return
	}

	for field := range rows {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		if err := h.db.HDel(h.ctx, h.hKey(hashKey), field).Err(); err != nil {
			h.Log.Error("failed to delete hash field", "error", err, "key", h.hKey(hashKey), "field", field)
		}
	}
}

// String satisfies fmt.Stringer.
func (h *Hook) String() string {
	return strings.Join([]string{h.ID(), h.config.Options.Addr}, " ")
}
