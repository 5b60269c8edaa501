// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package auth

import (
	"bytes"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/packets"
)

// AllowHook is an authentication hook which allows connection access
// for all users and read and write access to all topics.
type AllowHook struct {
	arietta.HookBase
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AllowHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		arietta.OnConnectAuthenticate,
		arietta.OnACLCheck,
	}, []byte{b})
}

// OnConnectAuthenticate returns true/allowed for all requests.
func (h *AllowHook) OnConnectAuthenticate(cl *arietta.Client, pk packets.Packet) bool {
	return true
}

// OnACLCheck returns true/allowed for all checks.
func (h *AllowHook) OnACLCheck(cl *arietta.Client, topic string, write bool) bool {
	return true
}
