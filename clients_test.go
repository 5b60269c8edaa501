// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package arietta

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"

	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/packets"
)

// allowHook grants all connections and topic access in tests.
type allowHook struct {
	HookBase
}

func (h *allowHook) ID() string {
	return "test-allow"
}

func (h *allowHook) Provides(b byte) bool {
	return bytes.Contains([]byte{OnConnectAuthenticate, OnACLCheck}, []byte{b})
}

func (h *allowHook) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	return true
}

func (h *allowHook) OnACLCheck(cl *Client, topic string, write bool) bool {
	return true
}

// denyHook denies every connection and access check in tests.
type denyHook struct {
	HookBase
}

func (h *denyHook) ID() string {
	return "test-deny"
}

func (h *denyHook) Provides(b byte) bool {
	return bytes.Contains([]byte{OnConnectAuthenticate, OnACLCheck}, []byte{b})
}

// denyAclHook authenticates every connection but denies every topic access
// check in tests.
type denyAclHook struct {
	HookBase
}

func (h *denyAclHook) ID() string {
	return "test-deny-acl"
}

func (h *denyAclHook) Provides(b byte) bool {
	return bytes.Contains([]byte{OnConnectAuthenticate, OnACLCheck}, []byte{b})
}

func (h *denyAclHook) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	return true
}

// eventHook records the order of session lifecycle events in tests.
type eventHook struct {
	HookBase
	sync.Mutex
	events []string
}

func (h *eventHook) ID() string {
	return "test-events"
}

func (h *eventHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		OnSessionEstablished,
		OnDisconnect,
		OnSubscribed,
		OnUnsubscribed,
		OnWillSent,
	}, []byte{b})
}

func (h *eventHook) record(ev string) {
	h.Lock()
	defer h.Unlock()
	h.events = append(h.events, ev)
}

func (h *eventHook) all() []string {
	h.Lock()
	defer h.Unlock()
	return append([]string(nil), h.events...)
}

func (h *eventHook) OnSessionEstablished(cl *Client, pk packets.Packet) {
	h.record("connected:" + cl.ID)
}

func (h *eventHook) OnDisconnect(cl *Client, err error, expire bool) {
	h.record("disconnected:" + cl.ID)
}

func (h *eventHook) OnSubscribed(cl *Client, filter string, qos byte) {
	h.record("subscribed:" + cl.ID + ":" + filter)
}

func (h *eventHook) OnUnsubscribed(cl *Client, filter string) {
	h.record("unsubscribed:" + cl.ID + ":" + filter)
}

func (h *eventHook) OnWillSent(cl *Client, pk packets.Packet) {
	h.record("willsent:" + cl.ID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	s := New(&Options{
		Logger:              testLogger(),
		MaxInflightMessages: 5,
	})
	require.NoError(t, s.AddHook(new(allowHook), nil))
	return s
}

func newTestClient(s *Server) (*Client, *packets.Pipe) {
	broker, peer := packets.NewPipe()
	cl := newClient(s, broker, "mock")
	cl.ID = "test"
	return cl, peer
}

// mustRead reads the next packet from a pipe, failing the test if nothing
// arrives in time.
func mustRead(t *testing.T, p *packets.Pipe) packets.Packet {
	t.Helper()

	type result struct {
		pk  packets.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pk, err := p.ReadPacket()
		ch <- result{pk, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.pk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return packets.Packet{}
}

// mustReadEOF asserts a pipe has been closed by the broker side.
func mustReadEOF(t *testing.T, p *packets.Pipe) {
	t.Helper()

	ch := make(chan error, 1)
	go func() {
		_, err := p.ReadPacket()
		ch <- err
	}()

	select {
	case err := <-ch:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream end")
	}
}

// requireNoPacket asserts no packet arrives on a pipe within a grace window.
func requireNoPacket(t *testing.T, p *packets.Pipe) {
	t.Helper()

	ch := make(chan packets.Packet, 1)
	go func() {
		pk, err := p.ReadPacket()
		if err == nil {
			ch <- pk
		}
	}()

	select {
	case pk := <-ch:
		t.Fatalf("unexpected packet: %s %s", packets.Names[pk.FixedHeader.Type], pk.TopicName)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientsAddGetDelete(t *testing.T) {
	cls := NewClients()
	cl := &Client{ID: "c1"}
	cls.Add(cl)

	got, ok := cls.Get("c1")
	require.True(t, ok)
	require.Equal(t, cl, got)
	require.Equal(t, 1, cls.Len())

	cls.Delete("c1")
	_, ok = cls.Get("c1")
	require.False(t, ok)
}

func TestClientsRemoveOnlyOwner(t *testing.T) {
	cls := NewClients()
	old := &Client{ID: "c1"}
	replacement := &Client{ID: "c1"}

	cls.Add(old)
	cls.Add(replacement)

	cls.Remove(old)
	got, ok := cls.Get("c1")
	require.True(t, ok)
	require.Equal(t, replacement, got)

	cls.Remove(replacement)
	_, ok = cls.Get("c1")
	require.False(t, ok)
}

func TestClientsGetByListener(t *testing.T) {
	cls := NewClients()
	cls.Add(&Client{ID: "c1", Listener: "t1"})
	cls.Add(&Client{ID: "c2", Listener: "t2"})

	found := cls.GetByListener("t1")
	require.Len(t, found, 1)
	require.Equal(t, "c1", found[0].ID)
}

func TestClientNextPacketID(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)

	require.Equal(t, uint16(1), cl.NextPacketID())
	require.Equal(t, uint16(2), cl.NextPacketID())

	cl.State.packetID = maxPacketID
	require.Equal(t, uint16(1), cl.NextPacketID())
}

func TestClientParseConnectAssignsID(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)

	cl.ParseConnect(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect:     packets.ConnectParams{Clean: true},
	})
	require.NotEmpty(t, cl.ID)
	require.True(t, cl.Properties.Clean)
}

func TestClientParseConnectNormalizesWillTopic(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)

	cl.ParseConnect(packets.Packet{
		Connect: packets.ConnectParams{
			ClientIdentifier: "c1",
			WillFlag:         true,
			WillTopic:        "a//b/",
			WillPayload:      []byte("bye"),
		},
	})
	require.Equal(t, "a/b", cl.Properties.Will.TopicName)
	require.Equal(t, uint32(1), cl.Properties.Will.Flag)
}

func TestClientForwardDedup(t *testing.T) {
	s := newTestServer(t)
	cl, peer := newTestClient(s)
	sub, err := cl.addSubscription("a/+", 0)
	require.NoError(t, err)

	opts := &bus.Options{DedupID: 10}
	cl.forward("a/b", []byte("m"), opts, sub)
	cl.forward("a/b", []byte("m"), opts, sub)

	pk := mustRead(t, peer)
	require.Equal(t, "a/b", pk.TopicName)
	requireNoPacket(t, peer)
}

func TestClientForwardStampsUnmarked(t *testing.T) {
	s := newTestServer(t)
	cl, peer := newTestClient(s)
	sub, err := cl.addSubscription("a/b", 0)
	require.NoError(t, err)

	opts := new(bus.Options)
	cl.forward("a/b", []byte("m"), opts, sub)
	require.NotZero(t, opts.DedupID)
	require.Equal(t, opts.DedupID, cl.State.lastDedupID)

	mustRead(t, peer)

	// The same envelope arriving again is suppressed.
	cl.forward("a/b", []byte("m"), opts, sub)
	requireNoPacket(t, peer)
}

func TestClientForwardDownmixesQos(t *testing.T) {
	s := newTestServer(t)
	cl, peer := newTestClient(s)
	sub, err := cl.addSubscription("q", 1)
	require.NoError(t, err)

	cl.forward("q", []byte("m"), &bus.Options{DedupID: 1, Qos: 0}, sub)
	pk := mustRead(t, peer)
	require.Equal(t, byte(0), pk.FixedHeader.Qos)
	require.Equal(t, 0, cl.State.Inflight.Len())

	cl.forward("q", []byte("m"), &bus.Options{DedupID: 2, Qos: 1}, sub)
	pk = mustRead(t, peer)
	require.Equal(t, byte(1), pk.FixedHeader.Qos)
	require.Equal(t, 1, cl.State.Inflight.Len())
}

func TestClientForwardSysBlocked(t *testing.T) {
	s := newTestServer(t)
	cl, peer := newTestClient(s)
	blocked, err := cl.addSubscription("#", 0)
	require.NoError(t, err)
	allowed, err := cl.addSubscription("$SYS/#", 0)
	require.NoError(t, err)

	opts := &bus.Options{DedupID: 7}
	cl.forward("$SYS/uptime", []byte("1"), opts, blocked)

	// The blocked delivery must not have burned the dedup token; the same
	// envelope through the allowed filter is the only packet delivered.
	cl.forward("$SYS/uptime", []byte("1"), opts, allowed)
	pk := mustRead(t, peer)
	require.Equal(t, "$SYS/uptime", pk.TopicName)
	requireNoPacket(t, peer)
}

func TestClientForwardBackpressureCloses(t *testing.T) {
	s := newTestServer(t)
	s.Options.MaxInflightMessages = 2
	cl, peer := newTestClient(s)
	s.Clients.Add(cl)
	sub, err := cl.addSubscription("t", 1)
	require.NoError(t, err)

	cl.forward("t", []byte("1"), &bus.Options{DedupID: 1, Qos: 1}, sub)
	cl.forward("t", []byte("2"), &bus.Options{DedupID: 2, Qos: 1}, sub)
	require.Equal(t, 2, cl.State.Inflight.Len())

	cl.forward("t", []byte("3"), &bus.Options{DedupID: 3, Qos: 1}, sub)
	require.True(t, cl.Closed())
	require.ErrorIs(t, cl.StopCause(), ErrTooManyInflight)

	mustRead(t, peer)
	mustRead(t, peer)
	mustReadEOF(t, peer)
}

func TestClientForwardDropsWhenClosing(t *testing.T) {
	s := newTestServer(t)
	cl, peer := newTestClient(s)
	sub, err := cl.addSubscription("a", 0)
	require.NoError(t, err)

	cl.Stop(nil)
	cl.forward("a", []byte("m"), &bus.Options{DedupID: 5}, sub)
	mustReadEOF(t, peer)
}

func TestClientStopIdempotent(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)
	_, err := cl.addSubscription("a/b", 0)
	require.NoError(t, err)

	cl.Stop(ErrSessionTakenOver)
	cl.Stop(nil)

	require.True(t, cl.Closing())
	require.True(t, cl.Closed())
	require.ErrorIs(t, cl.StopCause(), ErrSessionTakenOver)

	select {
	case <-cl.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestClientStopUnsubscribesFromBus(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)
	_, err := cl.addSubscription("a/b", 0)
	require.NoError(t, err)

	cl.Stop(nil)

	// A publish after teardown reaches no handler.
	require.NoError(t, s.bus.Publish("a/b", []byte("m"), new(bus.Options)))
	require.Equal(t, 0, cl.State.Inflight.Len())
}

func TestClientMatchSubscription(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)
	_, err := cl.addSubscription("a/+", 1)
	require.NoError(t, err)

	sub, ok := cl.matchSubscription("a/b")
	require.True(t, ok)
	require.Equal(t, "a/+", sub.filter)

	_, ok = cl.matchSubscription("b/c")
	require.False(t, ok)
}

func TestClientWritePacketAfterClose(t *testing.T) {
	s := newTestServer(t)
	cl, _ := newTestClient(s)
	cl.Stop(nil)

	err := cl.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	require.ErrorIs(t, err, packets.ErrConnClosed)
}
