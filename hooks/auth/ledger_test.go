// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package auth

import (
	"io"
	"testing"

	"log/slog"

	"github.com/stretchr/testify/require"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/packets"
)

func newLedgerHook(t *testing.T, ledger *Ledger) *Hook {
	t.Helper()

	h := new(Hook)
	h.SetOpts(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, h.Init(&Options{Ledger: ledger}))
	return h
}

func connectPacket(username, password string) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			Username: []byte(username),
			Password: []byte(password),
		},
	}
}

func TestLedgerHookID(t *testing.T) {
	require.Equal(t, "auth-ledger", new(Hook).ID())
}

func TestLedgerHookInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.Error(t, h.Init("not options"))
}

func TestLedgerHookInitFromData(t *testing.T) {
	h := new(Hook)
	h.SetOpts(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	data := []byte("auth:\n- username: alice\n  password: secret\n  allow: true\n")
	require.NoError(t, h.Init(&Options{Data: data}))
	require.True(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("alice", "secret")))
}

func TestLedgerAuth(t *testing.T) {
	h := newLedgerHook(t, &Ledger{
		Auth: []AuthRule{
			{Username: "alice", Password: "secret", Allow: true},
			{Username: "mallory", Allow: false},
			{Password: "letmein", Allow: true},
		},
	})

	require.True(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("alice", "secret")))
	require.False(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("alice", "wrong")))
	require.False(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("mallory", "anything")))
	require.True(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("bob", "letmein")))
	require.False(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("bob", "other")))
}

func TestLedgerACL(t *testing.T) {
	h := newLedgerHook(t, &Ledger{
		ACL: []ACLRule{
			{
				Username: "sensor",
				Filters: map[string]Access{
					"sensors/#":  WriteOnly,
					"commands/#": ReadOnly,
				},
			},
			{
				Username: "admin",
				Filters:  map[string]Access{"#": ReadWrite},
			},
		},
	})

	sensor := new(arietta.Client)
	sensor.Properties.Username = []byte("sensor")

	require.True(t, h.OnACLCheck(sensor, "sensors/kitchen/temp", true))
	require.False(t, h.OnACLCheck(sensor, "sensors/kitchen/temp", false))
	require.True(t, h.OnACLCheck(sensor, "commands/reboot", false))
	require.False(t, h.OnACLCheck(sensor, "commands/reboot", true))
	require.False(t, h.OnACLCheck(sensor, "other/topic", true))

	admin := new(arietta.Client)
	admin.Properties.Username = []byte("admin")
	require.True(t, h.OnACLCheck(admin, "anything/at/all", true))
	require.True(t, h.OnACLCheck(admin, "anything/at/all", false))

	nobody := new(arietta.Client)
	nobody.Properties.Username = []byte("nobody")
	require.False(t, h.OnACLCheck(nobody, "sensors/kitchen/temp", true))
}

func TestLedgerEmptyDeniesAll(t *testing.T) {
	h := newLedgerHook(t, nil)
	require.False(t, h.OnConnectAuthenticate(new(arietta.Client), connectPacket("any", "any")))
	require.False(t, h.OnACLCheck(new(arietta.Client), "a/b", true))
}
