// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package arietta

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/hooks/storage"
	"github.com/arietta-io/arietta/packets"
)

const (
	SetOptions byte = iota
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnSessionEstablished
	OnDisconnect
	OnSubscribed
	OnUnsubscribed
	OnPublished
	OnRetainMessage
	OnWillSent
	StoredSubscriptions
	StoredRetainedByFilter
	StoredOfflineMessages
	UpdateOfflineMessageID
	DeleteOfflineMessage
)

var (
	// ErrInvalidConfigType indicates a different type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// Hook provides an interface of handlers for the events which occur during
// the lifecycle of a client session, and for the persistence surface the
// session core consumes. Auth hooks answer the authenticate/authorize
// callbacks; storage hooks answer the Stored/Update/Delete methods and react
// to the lifecycle events.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnConnectAuthenticate(cl *Client, pk packets.Packet) bool
	OnACLCheck(cl *Client, topic string, write bool) bool
	OnSessionEstablished(cl *Client, pk packets.Packet)
	OnDisconnect(cl *Client, err error, expire bool)
	OnSubscribed(cl *Client, filter string, qos byte)
	OnUnsubscribed(cl *Client, filter string)
	OnPublished(cl *Client, pk packets.Packet, opts *bus.Options)
	OnRetainMessage(cl *Client, pk packets.Packet)
	OnWillSent(cl *Client, pk packets.Packet)
	StoredSubscriptions(clientID string) ([]storage.Subscription, error)
	StoredRetainedByFilter(filter string) ([]storage.Message, error)
	StoredOfflineMessages(clientID string) ([]storage.Message, error)
	UpdateOfflineMessageID(clientID string, dedupID uint64, packetID uint16) error
	DeleteOfflineMessage(clientID string, packetID uint16) error
}

// HookOptions contains values which are inherited from the server on
// initialisation.
type HookOptions struct {
	ServerOptions *Options
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hooks (from the server)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook
// methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnConnectAuthenticate is called when a connecting client presents its
// credentials. Returns false (deny) when no hook provides the method.
func (h *Hooks) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnectAuthenticate) {
			if ok := hook.OnConnectAuthenticate(cl, pk); ok {
				return true
			}
		}
	}

	return false
}

// OnACLCheck is called when a client attempts to publish (write) or
// subscribe (read) on a topic. Returns false (deny) when no hook provides
// the method.
func (h *Hooks) OnACLCheck(cl *Client, topic string, write bool) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnACLCheck) {
			if ok := hook.OnACLCheck(cl, topic, write); ok {
				return true
			}
		}
	}

	return false
}

// OnSessionEstablished is called when a client completes its handshake and
// its session becomes active.
func (h *Hooks) OnSessionEstablished(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(cl, pk)
		}
	}
}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *Hooks) OnDisconnect(cl *Client, err error, expire bool) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(cl, err, expire)
		}
	}
}

// OnSubscribed is called when a client subscribes to a topic filter.
func (h *Hooks) OnSubscribed(cl *Client, filter string, qos byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(cl, filter, qos)
		}
	}
}

// OnUnsubscribed is called when a client unsubscribes from a topic filter.
func (h *Hooks) OnUnsubscribed(cl *Client, filter string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(cl, filter)
		}
	}
}

// OnPublished is called after a message has been fanned out on the bus.
// Storage hooks use it to queue the message for matching offline clients.
func (h *Hooks) OnPublished(cl *Client, pk packets.Packet, opts *bus.Options) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(cl, pk, opts)
		}
	}
}

// OnRetainMessage is called when a published message is retained. A
// zero-length payload clears the retained message for the topic.
func (h *Hooks) OnRetainMessage(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnRetainMessage) {
			hook.OnRetainMessage(cl, pk)
		}
	}
}

// OnWillSent is called when a last-will message has been issued on behalf of
// an abnormally disconnected client.
func (h *Hooks) OnWillSent(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnWillSent) {
			hook.OnWillSent(cl, pk)
		}
	}
}

// StoredSubscriptions returns the subscriptions persisted for a client, used
// to restore the session of a reconnecting non-clean client.
func (h *Hooks) StoredSubscriptions(clientID string) (v []storage.Subscription, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSubscriptions) {
			v, err := hook.StoredSubscriptions(clientID)
			if err != nil {
				h.Log.Error("failed to load subscriptions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredRetainedByFilter returns the retained messages matching a topic
// filter.
func (h *Hooks) StoredRetainedByFilter(filter string) (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredRetainedByFilter) {
			v, err := hook.StoredRetainedByFilter(filter)
			if err != nil {
				h.Log.Error("failed to load retained messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredOfflineMessages returns the packets queued for a client while it was
// offline, in queue order.
func (h *Hooks) StoredOfflineMessages(clientID string) (v []storage.Message, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredOfflineMessages) {
			v, err := hook.StoredOfflineMessages(clientID)
			if err != nil {
				h.Log.Error("failed to load offline messages", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// UpdateOfflineMessageID re-keys a queued offline packet to the packet id
// assigned on delivery, so a later puback can resolve it.
func (h *Hooks) UpdateOfflineMessageID(clientID string, dedupID uint64, packetID uint16) error {
	for _, hook := range h.GetAll() {
		if hook.Provides(UpdateOfflineMessageID) {
			if err := hook.UpdateOfflineMessageID(clientID, dedupID, packetID); err != nil {
				return err
			}
		}
	}

	return nil
}

// DeleteOfflineMessage removes an acknowledged packet from a client's
// offline queue.
func (h *Hooks) DeleteOfflineMessage(clientID string, packetID uint16) error {
	for _, hook := range h.GetAll() {
		if hook.Provides(DeleteOfflineMessage) {
			if err := hook.DeleteOfflineMessage(clientID, packetID); err != nil {
				return err
			}
		}
	}

	return nil
}

// HookBase provides a set of default methods for each hook. It should be
// embedded in all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate the logger and options.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the server starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the server stops.
func (h *HookBase) OnStopped() {}

// OnConnectAuthenticate is called when a connecting client presents its credentials.
func (h *HookBase) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	return false
}

// OnACLCheck is called when a client publishes or subscribes on a topic.
func (h *HookBase) OnACLCheck(cl *Client, topic string, write bool) bool {
	return false
}

// OnSessionEstablished is called when a client session becomes active.
func (h *HookBase) OnSessionEstablished(cl *Client, pk packets.Packet) {}

// OnDisconnect is called when a client disconnects for any reason.
func (h *HookBase) OnDisconnect(cl *Client, err error, expire bool) {}

// OnSubscribed is called when a client subscribes to a topic filter.
func (h *HookBase) OnSubscribed(cl *Client, filter string, qos byte) {}

// OnUnsubscribed is called when a client unsubscribes from a topic filter.
func (h *HookBase) OnUnsubscribed(cl *Client, filter string) {}

// OnPublished is called after a message has been fanned out on the bus.
func (h *HookBase) OnPublished(cl *Client, pk packets.Packet, opts *bus.Options) {}

// OnRetainMessage is called when a published message is retained.
func (h *HookBase) OnRetainMessage(cl *Client, pk packets.Packet) {}

// OnWillSent is called when a last-will message has been issued.
func (h *HookBase) OnWillSent(cl *Client, pk packets.Packet) {}

// StoredSubscriptions returns the subscriptions persisted for a client.
func (h *HookBase) StoredSubscriptions(clientID string) ([]storage.Subscription, error) {
	return nil, nil
}

// StoredRetainedByFilter returns the retained messages matching a filter.
func (h *HookBase) StoredRetainedByFilter(filter string) ([]storage.Message, error) {
	return nil, nil
}

// StoredOfflineMessages returns the packets queued for an offline client.
func (h *HookBase) StoredOfflineMessages(clientID string) ([]storage.Message, error) {
	return nil, nil
}

// UpdateOfflineMessageID re-keys a queued offline packet.
func (h *HookBase) UpdateOfflineMessageID(clientID string, dedupID uint64, packetID uint16) error {
	return nil
}

// DeleteOfflineMessage removes an acknowledged packet from an offline queue.
func (h *HookBase) DeleteOfflineMessage(clientID string, packetID uint16) error {
	return nil
}
