// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

package auth

import (
	"sync"

	"gopkg.in/yaml.v3"

	arietta "github.com/arietta-io/arietta"
	"github.com/arietta-io/arietta/packets"
	"github.com/arietta-io/arietta/topics"
)

// Access determines the read/write access a filter rule grants.
type Access byte

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// AuthRule defines a connection authentication rule. An empty username or
// password matches any value.
type AuthRule struct {
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Allow    bool   `yaml:"allow" json:"allow"`
}

// ACLRule defines the filter access granted to a username. An empty username
// matches any user.
type ACLRule struct {
	Username string            `yaml:"username,omitempty" json:"username,omitempty"`
	Filters  map[string]Access `yaml:"filters" json:"filters"`
}

// Ledger is a set of connection authentication and topic access rules,
// checked in order. The first matching rule wins.
type Ledger struct {
	sync.Mutex `yaml:"-" json:"-"`
	Auth       []AuthRule `yaml:"auth" json:"auth"`
	ACL        []ACLRule  `yaml:"acl" json:"acl"`
}

// Unmarshal parses a ledger from a yaml document.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	return yaml.Unmarshal(data, l)
}

// AuthOk returns true if the ledger contains a rule allowing the connecting
// client's credentials.
func (l *Ledger) AuthOk(cl *arietta.Client, pk packets.Packet) bool {
	for _, rule := range l.Auth {
		if rule.Username != "" && rule.Username != string(pk.Connect.Username) {
			continue
		}

		if rule.Password != "" && rule.Password != string(pk.Connect.Password) {
			continue
		}

		return rule.Allow
	}

	return false
}

// ACLOk returns true if the ledger grants the client's username the
// requested access on a topic.
func (l *Ledger) ACLOk(cl *arietta.Client, topic string, write bool) bool {
	for _, rule := range l.ACL {
		if rule.Username != "" && rule.Username != string(cl.Properties.Username) {
			continue
		}

		if len(rule.Filters) == 0 {
			return true
		}

		for filter, access := range rule.Filters {
			if !topics.Match(filter, topic) {
				continue
			}

			if write {
				return access == WriteOnly || access == ReadWrite
			}
			return access == ReadOnly || access == ReadWrite
		}

		return false
	}

	return false
}
