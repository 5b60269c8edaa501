// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 arietta-io

// Package storage contains the storable representations of session state
// shared by the persistence hook backends.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/arietta-io/arietta/packets"
)

const (
	SubscriptionKey = "SUB" // unique key to denote subscriptions in a store
	RetainedKey     = "RET" // unique key to denote retained messages in a store
	OfflineKey      = "OFF" // unique key to denote offline-queued messages in a store
	ClientKey       = "CL"  // unique key to denote clients in a store
)

var (
	// ErrDBFileNotOpen indicates that the backing store wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and
// deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Client is a storable representation of a session's identity.
type Client struct {
	Will     ClientWill `json:"will"`          // the will topic and payload, if any
	Username []byte     `json:"username"`      // the username the client authenticated with
	ID       string     `json:"id"`            // the client id / storage key
	T        string     `json:"t"`             // the data type (client)
	Remote   string     `json:"remote"`        // the remote address of the client
	Listener string     `json:"listener"`      // the listener the client connected on
	Clean    bool       `json:"clean"`         // whether the client requested a clean session
}

// ClientWill contains the will message registered by a client.
type ClientWill struct {
	Payload   []byte `json:"payload,omitempty"`
	TopicName string `json:"topicName,omitempty"`
	Qos       byte   `json:"qos,omitempty"`
	Retain    bool   `json:"retain,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Client) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Client) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of a publish message, used for both
// retained messages and offline queues.
type Message struct {
	Payload     []byte              `json:"payload"`              // the message payload
	T           string              `json:"t,omitempty"`          // the data type
	ID          string              `json:"id,omitempty"`         // the storage key
	Client      string              `json:"client,omitempty"`     // the client id the message is queued for
	Origin      string              `json:"origin,omitempty"`     // the id of the client who sent the message
	TopicName   string              `json:"topic_name,omitempty"` // the topic the message was sent to
	FixedHeader packets.FixedHeader `json:"fixedheader"`          // the header properties of the message
	Created     int64               `json:"created,omitempty"`    // the time the message was created in unixtime
	DedupID     uint64              `json:"dedup_id,omitempty"`   // the broker dedup token stamped on the message
	PacketID    uint16              `json:"packet_id,omitempty"`  // the packet id assigned on delivery
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// ToPacket converts a storage.Message to a standard packet.
func (d *Message) ToPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: d.FixedHeader,
		PacketID:    d.PacketID,
		TopicName:   d.TopicName,
		Payload:     d.Payload,
		Origin:      d.Origin,
		Created:     d.Created,
	}

	// Return a deep copy so the slices stop pointing at the stored values.
	return pk.Copy()
}

// Subscription is a storable representation of a client subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty"`
	Client string `json:"client,omitempty"`
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
