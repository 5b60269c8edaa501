// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package bolt

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/bus"
	"github.com/arietta-io/arietta/packets"
)

func newHook(t *testing.T) *Hook {
	t.Helper()

	h := new(Hook)
	h.SetOpts(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	err := h.Init(&Options{Path: filepath.Join(t.TempDir(), "test.bolt")})
	require.NoError(t, err)
	t.Cleanup(func() {
		if h.db != nil {
			_ = h.Stop()
		}
	})
	return h
}

func testClient(id string, clean bool) *arietta.Client {
	cl := new(arietta.Client)
	cl.ID = id
	cl.Properties.Clean = clean
	cl.Properties.Username = []byte("user")
	return cl
}

func TestBoltID(t *testing.T) {
	require.Equal(t, "bolt-db", new(Hook).ID())
}

func TestBoltInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.Error(t, h.Init("not options"))
}

func TestBoltSubscriptionsLifecycle(t *testing.T) {
	h := newHook(t)
	cl := testClient("c1", false)

	h.OnSubscribed(cl, "a/b", 1)
	h.OnSubscribed(cl, "c/+", 0)

	subs, err := h.StoredSubscriptions("c1")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	h.OnUnsubscribed(cl, "a/b")
	subs, err = h.StoredSubscriptions("c1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "c/+", subs[0].Filter)

	// Other clients do not see these subscriptions.
	subs, err = h.StoredSubscriptions("c2")
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestBoltCleanSessionPurgedOnDisconnect(t *testing.T) {
	h := newHook(t)
	cl := testClient("c1", true)

	h.OnSessionEstablished(cl, packets.Packet{})
	h.OnSubscribed(cl, "a/b", 1)
	h.OnDisconnect(cl, nil, true)

	subs, err := h.StoredSubscriptions("c1")
	require.NoError(t, err)
	require.Empty(t, subs)

	msgs, err := h.StoredOfflineMessages("c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestBoltDurableSessionKeptOnDisconnect(t *testing.T) {
	h := newHook(t)
	cl := testClient("c1", false)

	h.OnSessionEstablished(cl, packets.Packet{})
	h.OnSubscribed(cl, "a/b", 1)
	h.OnDisconnect(cl, nil, false)

	subs, err := h.StoredSubscriptions("c1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "a/b", subs[0].Filter)
	require.Equal(t, byte(1), subs[0].Qos)
}

func TestBoltRetained(t *testing.T) {
	h := newHook(t)
	cl := testClient("c1", true)

	h.OnRetainMessage(cl, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1, Retain: true},
		TopicName:   "sensors/kitchen/temp",
		Payload:     []byte("22"),
	})

	msgs, err := h.StoredRetainedByFilter("sensors/+/temp")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("22"), msgs[0].Payload)

	msgs, err = h.StoredRetainedByFilter("other/#")
	require.NoError(t, err)
	require.Empty(t, msgs)

	// An empty payload clears the retained message.
	h.OnRetainMessage(cl, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "sensors/kitchen/temp",
	})
	msgs, err = h.StoredRetainedByFilter("sensors/#")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestBoltOfflineQueue(t *testing.T) {
	h := newHook(t)
	offline := testClient("sleeper", false)
	publisher := testClient("pub", true)

	// The sleeper subscribed and went away.
	h.OnSessionEstablished(offline, packets.Packet{})
	h.OnSubscribed(offline, "news/#", 1)
	h.OnDisconnect(offline, nil, false)

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "news/today",
		Payload:     []byte("headline"),
		Created:     time.Now().Unix(),
	}
	h.OnPublished(publisher, pk, &bus.Options{DedupID: 7, Qos: 1})

	msgs, err := h.StoredOfflineMessages("sleeper")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "news/today", msgs[0].TopicName)
	require.Equal(t, uint64(7), msgs[0].DedupID)
	require.Equal(t, byte(1), msgs[0].FixedHeader.Qos)

	// Delivery re-keys the stored packet, acknowledgement deletes it.
	require.NoError(t, h.UpdateOfflineMessageID("sleeper", 7, 31))
	msgs, err = h.StoredOfflineMessages("sleeper")
	require.NoError(t, err)
	require.Equal(t, uint16(31), msgs[0].PacketID)

	require.NoError(t, h.DeleteOfflineMessage("sleeper", 31))
	msgs, err = h.StoredOfflineMessages("sleeper")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestBoltOfflineQueueSkipsConnected(t *testing.T) {
	h := newHook(t)
	cl := testClient("c1", false)

	h.OnSessionEstablished(cl, packets.Packet{})
	h.OnSubscribed(cl, "a/b", 1)

	h.OnPublished(testClient("pub", true), packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		Payload:     []byte("m"),
	}, &bus.Options{DedupID: 3, Qos: 1})

	msgs, err := h.StoredOfflineMessages("c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestBoltOfflineQueueOrder(t *testing.T) {
	h := newHook(t)
	cl := testClient("c1", false)

	h.OnSessionEstablished(cl, packets.Packet{})
	h.OnSubscribed(cl, "a/b", 1)
	h.OnDisconnect(cl, nil, false)

	for i, dedup := range []uint64{3, 11, 7} {
		h.OnPublished(testClient("pub", true), packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
			TopicName:   "a/b",
			Payload:     []byte{byte(i)},
		}, &bus.Options{DedupID: dedup, Qos: 1})
	}

	msgs, err := h.StoredOfflineMessages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, uint64(3), msgs[0].DedupID)
	require.Equal(t, uint64(7), msgs[1].DedupID)
	require.Equal(t, uint64(11), msgs[2].DedupID)
}

// TestBoltSessionRestoredAcrossConnections drives real sessions end to end:
// a non-clean session's subscriptions survive its disconnect and are
// restored on reconnect, while a clean session leaves nothing behind.
func TestBoltSessionRestoredAcrossConnections(t *testing.T) {
	s := arietta.New(&arietta.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, s.AddHook(&allowAll{}, nil))

	bh := new(Hook)
	require.NoError(t, s.AddHook(bh, &Options{Path: filepath.Join(t.TempDir(), "sess.bolt")}))
	t.Cleanup(func() { _ = bh.Stop() })

	run := func(id string, clean bool, subscribeFirst bool) (sessionPresent bool) {
		broker, peer := packets.NewPipe()
		go func() { _ = s.EstablishSession("mock", broker) }()

		require.NoError(t, peer.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connect},
			Connect:     packets.ConnectParams{ClientIdentifier: id, Clean: clean},
		}))
		ack := read(t, peer)
		require.Equal(t, packets.Connack, ack.FixedHeader.Type)
		require.Equal(t, packets.CodeAccepted.Code, ack.ReasonCode)

		if subscribeFirst {
			require.NoError(t, peer.WritePacket(packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
				PacketID:    1,
				Filters:     []packets.Subscription{{Filter: "a/b", Qos: 1}},
			}))
			sub := read(t, peer)
			require.Equal(t, packets.Suback, sub.FixedHeader.Type)
		}

		require.NoError(t, peer.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
		}))

		require.Eventually(t, func() bool {
			_, ok := s.Clients.Get(id)
			return !ok
		}, time.Second, 5*time.Millisecond)

		return ack.SessionPresent
	}

	require.False(t, run("durable", false, true))
	require.True(t, run("durable", false, false))

	require.False(t, run("fleeting", true, true))
	require.False(t, run("fleeting", true, false))
}

// allowAll grants everything in the session round-trip test.
type allowAll struct {
	arietta.HookBase
}

func (h *allowAll) ID() string {
	return "test-allow"
}

func (h *allowAll) Provides(b byte) bool {
	return b == arietta.OnConnectAuthenticate || b == arietta.OnACLCheck
}

func (h *allowAll) OnConnectAuthenticate(cl *arietta.Client, pk packets.Packet) bool {
	return true
}

func (h *allowAll) OnACLCheck(cl *arietta.Client, topic string, write bool) bool {
	return true
}

// read reads the next packet from a pipe with a timeout.
func read(t *testing.T, p *packets.Pipe) packets.Packet {
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
