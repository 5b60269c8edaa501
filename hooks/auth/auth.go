// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package auth provides authentication and topic-access hooks: an allow-all
// hook for open brokers and a rule-ledger hook for credentialed ones.
package auth

import (
	"bytes"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/packets"
)

// Options contains the configuration/rules data for the auth ledger.
type Options struct {
	Data   []byte
	Ledger *Ledger
}

// Hook is an authentication hook which implements an auth ledger.
type Hook struct {
	arietta.HookBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		arietta.OnConnectAuthenticate,
		arietta.OnACLCheck,
	}, []byte{b})
}

// Init configures the hook with the auth ledger to be used for checking.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return arietta.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	var err error
	if h.config.Ledger != nil {
		h.ledger = h.config.Ledger
	} else if len(h.config.Data) > 0 {
		h.ledger = new(Ledger)
		err = h.ledger.Unmarshal(h.config.Data)
	}
	if err != nil {
		return err
	}

	if h.ledger == nil {
		h.ledger = &Ledger{
			Auth: []AuthRule{},
			ACL:  []ACLRule{},
		}
	}

	h.Log.Info("loaded auth rules",
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL))

	return nil
}

// OnConnectAuthenticate returns true if the connecting client has rules
// which provide access in the auth ledger.
func (h *Hook) OnConnectAuthenticate(cl *arietta.Client, pk packets.Packet) bool {
	if h.ledger.AuthOk(cl, pk) {
		return true
	}

	h.Log.Info("client failed authentication check",
		"username", string(pk.Connect.Username),
		"client", cl.ID)

	return false
}

// OnACLCheck returns true if the client has matching read or write access to
// subscribe or publish to a given topic.
func (h *Hook) OnACLCheck(cl *arietta.Client, topic string, write bool) bool {
	if h.ledger.ACLOk(cl, topic, write) {
		return true
	}

	h.Log.Debug("client failed allowed ACL check",
		"client", cl.ID,
		"username", string(cl.Properties.Username),
		"topic", topic)

	return false
}
