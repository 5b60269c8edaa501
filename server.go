// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package arietta provides the session core of an MQTT 3.1/3.1.1 broker: the
// per-client state machine which authenticates peers, manages subscriptions
// and qos-1 inflight delivery, enforces keepalive, and coordinates with a
// pluggable pub/sub bus and persistence hooks to deliver messages, last-will
// notices, retained messages and offline queues. The wire codec and the
// network listeners are consumed through narrow interfaces.
package arietta

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/listeners"
	"github.com/arietta-io/arietta/packets"
	"github.com/arietta-io/arietta/topics"
)

const (
	// Version is the current server version.
	Version = "1.0.0"

	// defaultMaxInflightMessages bounds the unacknowledged qos-1 packets a
	// session may hold before it is closed.
	defaultMaxInflightMessages = 1024
)

var (
	ErrListenerIDExists       = errors.New("listener id already exists")                 // a listener with the same id already exists
	ErrCodecRequired          = errors.New("no codec configured for network listeners")  // a network connection arrived but no codec was supplied
	ErrFirstPacketInvalid     = errors.New("first packet was not a connect packet")      // the first inbound packet must be CONNECT
	ErrProtocolViolation      = errors.New("protocol violation")                         // the client sent a packet the session may not accept
	ErrSessionTakenOver       = errors.New("session taken over by new connection")       // a second CONNECT with the same id displaced the session
	ErrKeepaliveTimeout       = errors.New("keepalive timeout")                          // the idle watchdog fired
	ErrTooManyInflight        = errors.New("too many inflight packets")                  // the inflight bound was exceeded
	ErrConnectNotAuthorized   = errors.New("connect not authorized")                     // authentication denied the connection
	ErrSubscribeNotAuthorized = errors.New("subscribe not authorized")                   // authorization denied a subscription
	ErrPublishNotAuthorized   = errors.New("publish not authorized")                     // authorization denied a publish
	ErrServerShuttingDown     = errors.New("server shutting down")                       // the broker is stopping
)

// Options contains configurable options for the server.
type Options struct {
	// Listeners are network listener declarations applied on Serve.
	Listeners []listeners.Config `yaml:"listeners"`

	// Hooks are hook instances attached on Serve, with their configs.
	Hooks []HookLoadConfig `yaml:"-"`

	// MaxInflightMessages bounds the unacknowledged qos-1 packets a session
	// may hold; exceeding it closes the session.
	MaxInflightMessages int `yaml:"max_inflight_messages"`

	// Logger is the structured logger used by the server and its hooks.
	Logger *slog.Logger `yaml:"-"`

	// Codec frames accepted network connections into decoded packet
	// streams. Required only when network listeners are used.
	Codec packets.Codec `yaml:"-"`

	// Bus is the pub/sub fabric messages are fanned out on. Defaults to the
	// in-memory bus.
	Bus bus.Bus `yaml:"-"`
}

// HookLoadConfig contains a hook and its configuration to be loaded on Serve.
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// ensureDefaults ensures that the options values are valid.
func (o *Options) ensureDefaults() {
	if o.MaxInflightMessages < 1 {
		o.MaxInflightMessages = defaultMaxInflightMessages
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Bus == nil {
		o.Bus = bus.NewMemoryBus()
	}
}

// Server is an MQTT broker server built around the per-client session core.
type Server struct {
	Options   *Options             // configurable server options
	Log       *slog.Logger         // the server logger
	Clients   *Clients             // the process-wide client id to session table
	Listeners *listeners.Listeners // network listeners the server accepts from
	hooks     *Hooks               // auth, event and persistence hooks
	bus       bus.Bus              // the pub/sub fabric
	dedup     uint64               // atomic; the monotone dedup token source
	done      chan struct{}        // closed when the server stops
}

// New returns a new instance of an MQTT broker server.
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}
	opts.ensureDefaults()

	s := &Server{
		Options:   opts,
		Log:       opts.Logger,
		Clients:   NewClients(),
		Listeners: listeners.New(),
		bus:       opts.Bus,
		done:      make(chan struct{}),
	}
	s.hooks = &Hooks{Log: s.Log}

	return s
}

// nextDedupID returns the next value of the process-wide monotone dedup
// token source. Wrapping is acceptable: consumers compare with <= and the
// wrap interval vastly exceeds any fan-out window.
func (s *Server) nextDedupID() uint64 {
	return atomic.AddUint64(&s.dedup, 1)
}

// AddHook attaches a new hook to the server.
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{ServerOptions: s.Options})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddListener adds a new network listener to the server.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With("listener", l.ID())
	if err := l.Init(nl); err != nil {
		return err
	}

	s.Listeners.Add(l)
	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds network listeners to the server from a list of
// configurations, as found in a loaded config file.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch conf.Type {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			return fmt.Errorf("unsupported listener type: %s", conf.Type)
		}

		if err := s.AddListener(l); err != nil {
			return err
		}
	}

	return nil
}

// Serve attaches the configured hooks and listeners and starts accepting new
// connections.
func (s *Server) Serve() error {
	s.Log.Info("arietta starting", "version", Version)

	for _, hlc := range s.Options.Hooks {
		if err := s.AddHook(hlc.Hook, hlc.Config); err != nil {
			return err
		}
	}

	if len(s.Options.Listeners) > 0 {
		if err := s.AddListenersFromConfig(s.Options.Listeners); err != nil {
			return err
		}
	}

	s.Listeners.ServeAll(s.EstablishConnection)
	s.hooks.OnStarted()

	s.Log.Info("arietta started")
	return nil
}

// Close gracefully stops the server, disconnecting all clients.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("arietta stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	for _, cl := range s.Clients.GetByListener(listener) {
		cl.Stop(ErrServerShuttingDown)
	}
}

// EstablishConnection frames a newly accepted network connection through the
// configured codec and runs its session until it ends.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	if s.Options.Codec == nil {
		_ = c.Close()
		return ErrCodecRequired
	}

	return s.EstablishSession(listener, s.Options.Codec.NewConn(c))
}

// EstablishSession runs a client session over a decoded packet stream,
// blocking until the session ends. The first packet must be CONNECT; the
// handshake authenticates the peer, displaces any live session with the same
// client id, restores persisted subscriptions for non-clean sessions, and
// acknowledges with CONNACK before replaying offline packets and entering
// the packet loop.
func (s *Server) EstablishSession(listener string, conn packets.Conn) error {
	cl := newClient(s, conn, listener)

	pk, err := conn.ReadPacket()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read connect: %w", err)
	}

	if pk.FixedHeader.Type != packets.Connect {
		_ = conn.Close()
		return ErrFirstPacketInvalid
	}

	cl.ParseConnect(pk)

	if !s.hooks.OnConnectAuthenticate(cl, pk) {
		_ = cl.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connack},
			ReasonCode:  packets.ErrNotAuthorized.Code,
		})
		cl.stopKeepalive()
		_ = conn.Close()
		return ErrConnectNotAuthorized
	}

	// A second CONNECT with the same id displaces the first; the prior
	// session must fully close before the new CONNACK is emitted.
	if existing, ok := s.Clients.Get(cl.ID); ok {
		existing.Stop(ErrSessionTakenOver)
		<-existing.Done()
	}

	s.Clients.Add(cl)

	var sessionPresent bool
	if !cl.Properties.Clean {
		n, rerr := s.restoreSubscriptions(cl)
		if rerr != nil {
			s.Log.Error("failed restoring subscriptions", "error", rerr, "client", cl.ID)
		}
		sessionPresent = n > 0
	}

	if err := cl.WritePacket(packets.Packet{
		FixedHeader:    packets.FixedHeader{Type: packets.Connack},
		ReasonCode:     packets.CodeAccepted.Code,
		SessionPresent: sessionPresent,
	}); err != nil {
		cl.Stop(err)
		return fmt.Errorf("ack connection packet: %w", err)
	}

	cl.RefreshKeepalive()
	s.hooks.OnSessionEstablished(cl, pk)
	s.Log.Info("client connected", "client", cl.ID, "clean", cl.Properties.Clean, "listener", listener)

	s.forwardOfflinePackets(cl)

	err = s.readLoop(cl)
	if err != nil && !cl.Closing() {
		s.closeAbnormal(cl, err)
	} else {
		cl.Stop(nil)
	}

	return err
}

// readLoop reads inbound packets for a session until the stream ends,
// re-arming the keepalive watchdog for every packet received.
func (s *Server) readLoop(cl *Client) error {
	for {
		pk, err := cl.conn.ReadPacket()
		if err != nil {
			return err
		}

		cl.RefreshKeepalive()

		if err := s.processPacket(cl, pk); err != nil {
			return err
		}
	}
}

// closeAbnormal stops a session after a transport error or keepalive expiry,
// scheduling last-will delivery behind the completed teardown so the closing
// session can never receive its own will.
func (s *Server) closeAbnormal(cl *Client, err error) {
	go func() {
		<-cl.Done()
		s.publishWill(cl)
	}()

	cl.Stop(err)
}

// publishWill issues the last-will message of an abnormally disconnected
// client, at most once.
func (s *Server) publishWill(cl *Client) {
	if !cl.takeWill() {
		return
	}

	will := cl.Properties.Will
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    will.Qos,
			Retain: will.Retain,
		},
		TopicName: will.TopicName,
		Payload:   will.Payload,
		Origin:    cl.ID,
		Created:   time.Now().Unix(),
	}

	if err := s.Publish(pk, nil); err != nil {
		s.Log.Error("failed publishing will message", "error", err, "client", cl.ID, "topic", will.TopicName)
		return
	}

	s.hooks.OnWillSent(cl, pk)
}

// processPacket processes an inbound packet for an active session,
// dispatching on the packet type.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return s.processPublish(cl, pk)
	case packets.Puback:
		return s.processPuback(cl, pk)
	case packets.Subscribe:
		return s.processSubscribe(cl, pk)
	case packets.Unsubscribe:
		return s.processUnsubscribe(cl, pk)
	case packets.Pingreq:
		return s.processPingreq(cl, pk)
	case packets.Disconnect:
		return s.processDisconnect(cl, pk)
	default:
		return fmt.Errorf("%w: unexpected %s packet", ErrProtocolViolation, packets.Names[pk.FixedHeader.Type])
	}
}

// processPublish processes an inbound PUBLISH: the topic is normalized, the
// publish is authorized, fanned out via the bus, and acknowledged to the
// sender when it carried qos 1.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	pk.TopicName = topics.Normalize(pk.TopicName)

	if !s.hooks.OnACLCheck(cl, pk.TopicName, true) {
		cl.Stop(ErrPublishNotAuthorized)
		return ErrPublishNotAuthorized
	}

	if err := s.Publish(pk, cl); err != nil {
		return err
	}

	if pk.FixedHeader.Qos == 1 && !cl.Closing() {
		return cl.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
	}

	return nil
}

// processPuback resolves the inflight packet acknowledged by the peer and
// deletes its offline copy. A puback for an unknown id is logged and
// ignored; a persistence error does not fail the session.
func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	if !cl.State.Inflight.Delete(pk.PacketID) {
		s.Log.Debug("puback for unknown packet id", "client", cl.ID, "packet_id", pk.PacketID)
		return nil
	}

	if err := s.hooks.DeleteOfflineMessage(cl.ID, pk.PacketID); err != nil {
		s.Log.Debug("failed deleting offline packet", "error", err, "client", cl.ID, "packet_id", pk.PacketID)
	}

	return nil
}

// processSubscribe processes a SUBSCRIBE request: filters are normalized,
// qos 2 requests are downgraded to 1, repeat filters only update the stored
// qos, and new filters are authorized and registered on the bus. Retained
// messages are forwarded for every requested filter before the SUBACK is
// written with the granted vector in request order.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	granted := make([]byte, len(pk.Filters))
	filters := make([]string, len(pk.Filters))

	for i, f := range pk.Filters {
		filter := topics.Normalize(f.Filter)
		filters[i] = filter

		qos := f.Qos
		if qos > 1 {
			qos = 1
		}
		granted[i] = qos

		if sub, ok := cl.State.Subscriptions.Get(filter); ok {
			sub.setQos(qos)
			continue
		}

		if !s.hooks.OnACLCheck(cl, filter, false) {
			cl.Stop(ErrSubscribeNotAuthorized)
			return ErrSubscribeNotAuthorized
		}

		if _, err := cl.addSubscription(filter, qos); err != nil {
			cl.Stop(err)
			return err
		}
	}

	for i, filter := range filters {
		s.forwardRetained(filter, cl)
		s.hooks.OnSubscribed(cl, filter, granted[i])
	}

	if cl.Closed() {
		return nil
	}

	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: granted,
	})
}

// processUnsubscribe processes an UNSUBSCRIBE request: each filter is
// deregistered from the bus (an error there stops the session before any
// UNSUBACK), removed from the subscription map and announced, and finally
// the UNSUBACK is written with the original packet id.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	for _, f := range pk.Filters {
		filter := topics.Normalize(f.Filter)

		if sub, ok := cl.State.Subscriptions.Get(filter); ok {
			if err := s.bus.Unsubscribe(sub.reg); err != nil {
				cl.Stop(err)
				return err
			}
		}

		if !cl.Closing() || cl.Properties.Clean {
			cl.State.Subscriptions.Delete(filter)
			s.hooks.OnUnsubscribed(cl, filter)
		}
	}

	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID,
	})
}

// processPingreq processes a PINGREQ packet; the keepalive watchdog has
// already been re-armed by the read loop.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
	})
}

// processDisconnect processes a clean DISCONNECT: the pending will message
// is dropped and the session enters teardown without will delivery.
func (s *Server) processDisconnect(cl *Client, _ packets.Packet) error {
	cl.clearWill()
	cl.Stop(nil)
	return nil
}

// Publish normalizes and stamps a publish packet with a fresh dedup token,
// retains it when the retain flag is set, fans it out on the bus and hands
// it to the hooks for offline queueing.
func (s *Server) Publish(pk packets.Packet, from *Client) error {
	pk.TopicName = topics.Normalize(pk.TopicName)
	if pk.Created == 0 {
		pk.Created = time.Now().Unix()
	}
	if from != nil {
		pk.Origin = from.ID
	}

	opts := &bus.Options{
		Origin:  pk.Origin,
		DedupID: s.nextDedupID(),
		Qos:     pk.FixedHeader.Qos,
	}

	if pk.FixedHeader.Retain {
		s.hooks.OnRetainMessage(from, pk)
	}

	if err := s.bus.Publish(pk.TopicName, pk.Payload, opts); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}

	s.hooks.OnPublished(from, pk, opts)
	return nil
}

// PublishMessage publishes a basic message to subscribers directly,
// bypassing any transport. Embedders use it for server-originated messages.
func (s *Server) PublishMessage(topic string, payload []byte, qos byte, retain bool) error {
	if qos > 1 {
		qos = 1
	}

	return s.Publish(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
	}, nil)
}

// Subscribe registers a handler directly on the bus, bypassing any
// transport. The returned registration is required to unsubscribe.
func (s *Server) Subscribe(filter string, handler bus.Handler) (*bus.Registration, error) {
	return s.bus.Subscribe(topics.Normalize(filter), handler)
}

// Unsubscribe deregisters a direct bus registration.
func (s *Server) Unsubscribe(reg *bus.Registration) error {
	return s.bus.Unsubscribe(reg)
}

// restoreSubscriptions re-registers the persisted subscriptions of a
// reconnecting non-clean session, returning the number restored.
func (s *Server) restoreSubscriptions(cl *Client) (int, error) {
	subs, err := s.hooks.StoredSubscriptions(cl.ID)
	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		if _, err := cl.addSubscription(sub.Filter, sub.Qos); err != nil {
			return 0, err
		}
	}

	return len(subs), nil
}

// forwardRetained forwards the retained messages matching a filter through
// the session's normal delivery path.
func (s *Server) forwardRetained(filter string, cl *Client) {
	sub, ok := cl.State.Subscriptions.Get(filter)
	if !ok {
		return
	}

	msgs, err := s.hooks.StoredRetainedByFilter(filter)
	if err != nil {
		s.Log.Error("failed loading retained messages", "error", err, "client", cl.ID, "filter", filter)
		return
	}

	for _, m := range msgs {
		cl.forward(m.TopicName, m.Payload, &bus.Options{
			Origin:  m.Origin,
			DedupID: s.nextDedupID(),
			Qos:     m.FixedHeader.Qos,
			Retain:  true,
		}, sub)
	}
}

// forwardOfflinePackets replays the packets queued for a client while it was
// offline, carrying the offline marker so the forwarder re-keys the stored
// copies to their fresh packet ids.
func (s *Server) forwardOfflinePackets(cl *Client) {
	msgs, err := s.hooks.StoredOfflineMessages(cl.ID)
	if err != nil {
		s.Log.Error("failed loading offline packets", "error", err, "client", cl.ID)
		return
	}

	for _, m := range msgs {
		sub, ok := cl.matchSubscription(m.TopicName)
		if !ok {
			continue
		}

		cl.forward(m.TopicName, m.Payload, &bus.Options{
			Origin:  m.Origin,
			DedupID: m.DedupID,
			Qos:     m.FixedHeader.Qos,
			Offline: true,
		}, sub)
	}
}
