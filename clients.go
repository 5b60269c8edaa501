// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package arietta

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/packets"
	"github.com/arietta-io/arietta/topics"
)

const (
	// maxPacketID is the maximum value of a packet id. Control packets must
	// contain a non-zero 16-bit packet identifier.
	maxPacketID = 65535

	// keepaliveGrace scales the negotiated keepalive interval into the
	// idle timeout: one and a half keepalive periods of silence.
	keepaliveGrace = 1500 * time.Millisecond
)

// Clients contains a map of the clients known by the broker, keyed on client
// id. Only one session per id is registered at any instant; a second CONNECT
// with the same id displaces the first.
type Clients struct {
	sync.RWMutex
	internal map[string]*Client
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on client id.
func (cls *Clients) Add(val *Client) {
	cls.Lock()
	defer cls.Unlock()
	cls.internal[val.ID] = val
}

// Get returns the value of a client if it exists.
func (cls *Clients) Get(id string) (*Client, bool) {
	cls.RLock()
	defer cls.RUnlock()
	val, ok := cls.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cls *Clients) Len() int {
	cls.RLock()
	defer cls.RUnlock()
	return len(cls.internal)
}

// Delete removes a client from the internal map.
func (cls *Clients) Delete(id string) {
	cls.Lock()
	defer cls.Unlock()
	delete(cls.internal, id)
}

// Remove removes a client from the internal map only if it still owns its
// entry. A displaced session must not evict its successor.
func (cls *Clients) Remove(cl *Client) {
	cls.Lock()
	defer cls.Unlock()
	if cls.internal[cl.ID] == cl {
		delete(cls.internal, cl.ID)
	}
}

// GetByListener returns the clients attached to a listener id.
func (cls *Clients) GetByListener(id string) []*Client {
	cls.RLock()
	defer cls.RUnlock()

	clients := make([]*Client, 0, len(cls.internal))
	for _, cl := range cls.internal {
		if cl.Listener == id {
			clients = append(clients, cl)
		}
	}
	return clients
}

// Will contains the last will and testament details for a client connection.
type Will struct {
	Payload   []byte // the payload of the will message
	TopicName string // the topic the will message is published to
	Qos       byte   // the qos the will message is published with
	Retain    bool   // whether the will message is retained
	Flag      uint32 // atomic; 1 while a will message is pending delivery
}

// ClientProperties contains the properties of a client session negotiated on
// CONNECT.
type ClientProperties struct {
	Will      Will   // the last will and testament, if supplied
	Username  []byte // the username the client authenticated with
	Clean     bool   // whether the client requested a clean session
	Keepalive uint16 // seconds the connection may remain idle; 0 disables
}

// ClientState tracks the state of the client session.
type ClientState struct {
	Subscriptions *Subscriptions // the client's active subscriptions
	Inflight      *Inflight      // qos-1 packets awaiting puback
	done          chan struct{}  // closed when teardown has fully completed
	stopCause     atomic.Value   // the first error which caused the stop
	keepalive     *time.Timer    // the idle watchdog, nil when disabled
	packetID      uint32         // atomic; the last allocated packet id
	lastDedupID   uint64         // highest dedup token delivered; guarded by the client mutex
	closing       atomic.Bool    // the session has begun teardown
	closed        atomic.Bool    // teardown is complete; no further writes
}

// Client contains information about a client session known by the broker.
// The client mutex serializes forwarder deliveries; inbound packets are
// dispatched by the session's single read loop without holding it, and
// everything else is guarded by its own lock or an atomic.
type Client struct {
	sync.Mutex
	srv        *Server
	conn       packets.Conn
	ID         string
	Listener   string
	Properties ClientProperties
	State      ClientState
}

// newClient returns a new instance of Client attached to a transport
// connection.
func newClient(srv *Server, conn packets.Conn, listener string) *Client {
	return &Client{
		srv:      srv,
		conn:     conn,
		Listener: listener,
		State: ClientState{
			Subscriptions: NewSubscriptions(),
			Inflight:      NewInflight(),
			done:          make(chan struct{}),
		},
	}
}

// ParseConnect sets the session values from a CONNECT packet. A client which
// supplied no id is assigned a generated one.
func (cl *Client) ParseConnect(pk packets.Packet) {
	cl.ID = pk.Connect.ClientIdentifier
	if cl.ID == "" {
		cl.ID = xid.New().String()
	}

	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.Keepalive = pk.Connect.Keepalive

	if pk.Connect.WillFlag {
		cl.Properties.Will = Will{
			TopicName: topics.Normalize(pk.Connect.WillTopic),
			Payload:   pk.Connect.WillPayload,
			Qos:       pk.Connect.WillQos,
			Retain:    pk.Connect.WillRetain,
			Flag:      1,
		}
	}

	if cl.Properties.Keepalive > 0 {
		d := time.Duration(cl.Properties.Keepalive) * keepaliveGrace
		cl.State.keepalive = time.AfterFunc(d, func() {
			cl.srv.closeAbnormal(cl, ErrKeepaliveTimeout)
		})
	}
}

// RefreshKeepalive re-arms the idle watchdog. Called for every inbound
// packet.
func (cl *Client) RefreshKeepalive() {
	if cl.State.keepalive != nil {
		cl.State.keepalive.Reset(time.Duration(cl.Properties.Keepalive) * keepaliveGrace)
	}
}

// stopKeepalive cancels the idle watchdog.
func (cl *Client) stopKeepalive() {
	if cl.State.keepalive != nil {
		cl.State.keepalive.Stop()
	}
}

// NextPacketID returns the next free packet id for an outbound packet,
// wrapping back to 1 when the 16-bit space is exhausted.
func (cl *Client) NextPacketID() uint16 {
	i := atomic.LoadUint32(&cl.State.packetID)
	if i >= maxPacketID {
		atomic.StoreUint32(&cl.State.packetID, 1)
		return 1
	}

	return uint16(atomic.AddUint32(&cl.State.packetID, 1))
}

// Closing returns true if the session has begun teardown.
func (cl *Client) Closing() bool {
	return cl.State.closing.Load()
}

// Closed returns true if the session teardown has completed.
func (cl *Client) Closed() bool {
	return cl.State.closed.Load()
}

// Done returns a channel which is closed once the session has fully torn
// down. A displacing session waits on it before completing its handshake.
func (cl *Client) Done() <-chan struct{} {
	return cl.State.done
}

// StopCause returns the first error which caused the session to stop, or nil
// for a clean disconnect.
func (cl *Client) StopCause() error {
	err, _ := cl.State.stopCause.Load().(error)
	return err
}

// WritePacket writes a packet to the client's transport connection unless
// the session has closed.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return packets.ErrConnClosed
	}

	return cl.conn.WritePacket(pk)
}

// clearWill drops a pending will message, suppressing delivery. Called on a
// clean DISCONNECT.
func (cl *Client) clearWill() {
	atomic.StoreUint32(&cl.Properties.Will.Flag, 0)
}

// takeWill claims the pending will message for delivery, returning false if
// there was none or it was already claimed.
func (cl *Client) takeWill() bool {
	return atomic.CompareAndSwapUint32(&cl.Properties.Will.Flag, 1, 0)
}

// addSubscription registers a forwarder bound to the subscription record on
// the bus and retains the registration handle so the filter can be
// deregistered again.
func (cl *Client) addSubscription(filter string, qos byte) (*subscription, error) {
	sub := &subscription{filter: filter, qos: uint32(qos)}
	reg, err := cl.srv.bus.Subscribe(filter, func(topic string, payload []byte, opts *bus.Options) {
		cl.forward(topic, payload, opts, sub)
	})
	if err != nil {
		return nil, err
	}

	sub.reg = reg
	cl.State.Subscriptions.Add(filter, sub)
	return sub, nil
}

// matchSubscription returns a client subscription whose filter matches the
// topic, used to replay queued packets through the stored subscription.
func (cl *Client) matchSubscription(topic string) (*subscription, bool) {
	for _, sub := range cl.State.Subscriptions.all() {
		if topics.Match(sub.filter, topic) {
			return sub, true
		}
	}
	return nil, false
}

// forward is the delivery path for a single subscription: it deduplicates
// messages arriving through overlapping filters, enforces the inflight
// bound, withholds $SYS topics from root wildcards, and writes the PUBLISH
// to the transport, recording qos-1 packets as inflight.
func (cl *Client) forward(topic string, payload []byte, opts *bus.Options, sub *subscription) {
	cl.Lock()
	defer cl.Unlock()

	if opts.DedupID != 0 && opts.DedupID <= cl.State.lastDedupID {
		return
	}

	if cl.Closed() || cl.Closing() {
		return
	}

	if cl.State.Inflight.Len() >= cl.srv.Options.MaxInflightMessages {
		cl.srv.Log.Warn("too many inflight packets, closing client", "client", cl.ID, "inflight", cl.State.Inflight.Len())
		cl.Stop(ErrTooManyInflight)
		return
	}

	// Withheld deliveries must not record the dedup token, or a blocked
	// filter would suppress the same message arriving through an allowed
	// one.
	if topics.SysBlocked(sub.filter, topic) {
		return
	}

	// An unstamped delivery is always accepted and assigns its own token
	// before recording it.
	if opts.DedupID == 0 {
		opts.DedupID = cl.srv.nextDedupID()
	}
	cl.State.lastDedupID = opts.DedupID

	qos := sub.Qos()
	if opts.Qos < qos {
		qos = opts.Qos
	}

	out := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: opts.Retain,
		},
		TopicName: topic,
		Payload:   payload,
		PacketID:  cl.NextPacketID(),
		Created:   time.Now().Unix(),
	}

	if opts.Offline {
		if err := cl.srv.hooks.UpdateOfflineMessageID(cl.ID, opts.DedupID, out.PacketID); err != nil {
			cl.srv.Log.Debug("failed updating offline packet id", "error", err, "client", cl.ID)
		}
	}

	if err := cl.conn.WritePacket(out); err != nil {
		cl.srv.Log.Debug("failed forwarding packet", "error", err, "client", cl.ID, "topic", topic)
		return
	}

	if qos == 1 {
		cl.State.Inflight.Set(out)
	}
}

// Stop begins the idempotent session teardown: the keepalive watchdog is
// cancelled, every subscription is deregistered from the bus, the session is
// handed to the hooks for persistence (or purging, for clean sessions), the
// transport is closed and the client leaves the server table. The done
// channel is closed last so a displacing CONNECT can wait for the full
// teardown.
func (cl *Client) Stop(err error) {
	if !cl.State.closing.CompareAndSwap(false, true) {
		return
	}

	if err != nil {
		cl.State.stopCause.Store(err)
	}

	cl.stopKeepalive()

	for _, sub := range cl.State.Subscriptions.all() {
		if uerr := cl.srv.bus.Unsubscribe(sub.reg); uerr != nil {
			cl.srv.Log.Debug("failed unsubscribing on close", "error", uerr, "client", cl.ID, "filter", sub.filter)
		}
	}

	cl.srv.hooks.OnDisconnect(cl, err, cl.Properties.Clean)

	cl.State.closed.Store(true)
	_ = cl.conn.Close()
	cl.srv.Clients.Remove(cl)
	close(cl.State.done)

	cl.srv.Log.Info("client disconnected", "client", cl.ID, "error", err, "listener", cl.Listener)
}
