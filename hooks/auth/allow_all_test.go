// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/packets"
)

func TestAllowHookID(t *testing.T) {
	h := new(AllowHook)
	require.Equal(t, "allow-all-auth", h.ID())
}

func TestAllowHookProvides(t *testing.T) {
	h := new(AllowHook)
	require.True(t, h.Provides(arietta.OnConnectAuthenticate))
	require.True(t, h.Provides(arietta.OnACLCheck))
	require.False(t, h.Provides(arietta.OnDisconnect))
}

func TestAllowHookAllowsAll(t *testing.T) {
	h := new(AllowHook)
	require.True(t, h.OnConnectAuthenticate(new(arietta.Client), packets.Packet{}))
	require.True(t, h.OnACLCheck(new(arietta.Client), "any/topic", true))
	require.True(t, h.OnACLCheck(new(arietta.Client), "any/topic", false))
}
